package bot

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	responseHistoryReset      = "Conversation history has been reset"
	responseHistoryResetFail  = "There's no conversation history to reset"
	responsePersonaReset      = "Persona restored to the default"
	responsePersonaResetFail  = "This server has no session yet"
	responsePersonaChanged    = "Persona updated"
	responseConfigReloaded    = "Reloaded config"
	responseConfigUnchanged   = "config is unchanged"
	responseNoHistory         = "There's no conversation history yet"
	responseNoUsage           = "Nobody has used the API yet"
	responseGuildOnly         = "That command only works in a server"
	responseLeaderboardTitle  = "Token usage ranking"
	responseConfigEmbedTitle  = "Bot Config"
	responseHistoryEmbedTitle = "History"
)

// historyEmbedMaxEntries caps the /history embed at Discord's 25-field
// limit; older entries are omitted when the history is longer.
const historyEmbedMaxEntries = 25

// handleInteraction dispatches an incoming slash command. Every
// failure degrades to an interaction reply; nothing here can take the
// process down.
func (b *Bot) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	user := getDiscordUser(i)
	if user == nil {
		b.logger.Warn("couldn't find user in interaction")
		return
	}

	commandName := i.ApplicationCommandData().Name
	logger := b.logger.With(
		"command", commandName,
		"guild_id", i.GuildID,
		"user_id", user.ID,
	)

	if i.GuildID == "" {
		b.interactionReply(i, responseGuildOnly)
		return
	}

	logger.Info("interaction received")

	switch commandName {
	case DiscordSlashCommandResetHistory:
		b.handleResetHistory(i)
	case DiscordSlashCommandResetPersona:
		b.handleResetPersona(i)
	case DiscordSlashCommandPersona:
		b.handleSetPersona(i)
	case DiscordSlashCommandConfig:
		b.handleShowConfig(i)
	case DiscordSlashCommandReloadConfig:
		b.handleReloadConfig(i)
	case DiscordSlashCommandUpdateConfig:
		b.handleUpdateConfig(i)
	case DiscordSlashCommandHistory:
		b.handleShowHistory(i)
	case DiscordSlashCommandLeaderboard:
		b.handleLeaderboard(i)
	case DiscordSlashCommandSearch:
		b.handleSearch(ctx, i, user)
	default:
		logger.Warn("unknown command")
	}
}

func (b *Bot) handleResetHistory(i *discordgo.InteractionCreate) {
	if b.sessions.ResetHistory(i.GuildID) {
		b.interactionReply(i, responseHistoryReset)
	} else {
		b.interactionReply(i, responseHistoryResetFail)
	}
}

func (b *Bot) handleResetPersona(i *discordgo.InteractionCreate) {
	cfg := b.RuntimeConfig()
	if b.sessions.ResetPersona(i.GuildID, cfg.Persona) {
		b.interactionReply(i, responsePersonaReset)
	} else {
		b.interactionReply(i, responsePersonaResetFail)
	}
}

func (b *Bot) handleSetPersona(i *discordgo.InteractionCreate) {
	options := discordInteractionOptions(i)
	option, ok := options[personaCommandTextOption]
	if !ok || option.StringValue() == "" {
		b.interactionReply(i, b.config.Discord.ErrorMessage)
		return
	}
	b.sessions.SetPersona(i.GuildID, option.StringValue())
	b.interactionReply(i, responsePersonaChanged)
}

func (b *Bot) handleShowConfig(i *discordgo.InteractionCreate) {
	cfg := b.RuntimeConfig()
	b.interactionReplyEmbed(i, configEmbed(cfg, b.sessions.Persona(i.GuildID)))
}

// handleReloadConfig re-reads the runtime section of the config file
// and swaps it in whole. On any read/parse/validation error the
// previous config stays in effect.
func (b *Bot) handleReloadConfig(i *discordgo.InteractionCreate) {
	cfg, err := loadRuntimeConfigFile(b.config.ConfigFile)
	if err != nil {
		b.logger.Error("config reload failed", tint.Err(err))
		b.interactionReply(
			i,
			truncate(
				fmt.Sprintf("Reload failed, keeping current config (%s)", err),
				discordMaxMessageLength,
			),
		)
		return
	}
	b.setRuntimeConfig(cfg)
	b.logger.Info("config reloaded", "config", cfg)
	b.interactionReply(i, responseConfigReloaded)
}

func (b *Bot) handleUpdateConfig(i *discordgo.InteractionCreate) {
	options := discordInteractionOptions(i)

	var update RuntimeConfigUpdate
	if option, ok := options[updateConfigOptionImageDetail]; ok {
		detail := ImageDetail(option.StringValue())
		update.ImageDetail = &detail
	}
	if option, ok := options[updateConfigOptionSaveResponses]; ok {
		value := option.BoolValue()
		update.SaveResponses = &value
	}
	if option, ok := options[updateConfigOptionSaveImageInput]; ok {
		value := option.BoolValue()
		update.SaveImageInput = &value
	}
	if option, ok := options[updateConfigOptionMaxHistoryLength]; ok {
		value := int(option.IntValue())
		update.MaxHistoryLength = &value
	}

	if update.empty() {
		b.interactionReply(i, responseConfigUnchanged)
		return
	}

	if err := structValidator.Struct(update); err != nil {
		b.logger.Warn("invalid config update", tint.Err(err))
		b.interactionReply(
			i,
			truncate(fmt.Sprintf("Invalid update: %s", err), discordMaxMessageLength),
		)
		return
	}

	updated := update.apply(b.RuntimeConfig())
	b.setRuntimeConfig(updated)
	b.logger.Info("config updated", "config", updated)

	var lines []string
	if update.ImageDetail != nil {
		lines = append(
			lines,
			fmt.Sprintf("[Success] image_detail -> %s", updated.ImageDetail),
		)
	}
	if update.SaveResponses != nil {
		lines = append(
			lines,
			fmt.Sprintf("[Success] save_responses -> %t", updated.SaveResponses),
		)
	}
	if update.SaveImageInput != nil {
		lines = append(
			lines,
			fmt.Sprintf("[Success] save_image_input -> %t", updated.SaveImageInput),
		)
	}
	if update.MaxHistoryLength != nil {
		lines = append(
			lines,
			fmt.Sprintf("[Success] max_history_length -> %d", updated.MaxHistoryLength),
		)
	}
	b.interactionReply(i, strings.Join(lines, "\n"))
}

func (b *Bot) handleShowHistory(i *discordgo.InteractionCreate) {
	turns := b.sessions.Snapshot(i.GuildID)
	if len(turns) == 0 {
		b.interactionReply(i, responseNoHistory)
		return
	}
	b.interactionReplyEmbed(i, historyEmbed(turns))
}

func (b *Bot) handleLeaderboard(i *discordgo.InteractionCreate) {
	entries := b.sessions.Leaderboard(i.GuildID, leaderboardSize)
	if len(entries) == 0 {
		b.interactionReply(i, responseNoUsage)
		return
	}
	b.interactionReplyEmbed(i, leaderboardEmbed(entries))
}

// handleSearch runs a search-mode completion. The interaction is
// acknowledged with a deferred response first, since the OpenAI call
// routinely outlives Discord's 3-second response window.
func (b *Bot) handleSearch(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	options := discordInteractionOptions(i)
	option, ok := options[searchCommandQueryOption]
	if !ok || option.StringValue() == "" {
		b.interactionReply(i, b.config.Discord.ErrorMessage)
		return
	}
	query := option.StringValue()

	if err := b.discord.session.InteractionRespond(
		i.Interaction,
		b.discord.ackResponse(),
	); err != nil {
		b.logger.Error("error acknowledging interaction", tint.Err(err))
		return
	}

	reply, err := b.askSearch(ctx, i.GuildID, user.ID, query)
	if err != nil {
		b.logger.Error("search request failed", tint.Err(err))
		reply = truncate(
			fmt.Sprintf("%s (%s)", b.config.Discord.ErrorMessage, err),
			discordMaxMessageLength,
		)
	} else {
		reply = truncate(reply, discordMaxMessageLength)
	}

	if _, err = b.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &reply},
	); err != nil {
		b.logger.Error("error editing interaction response", tint.Err(err))
	}
}

func (b *Bot) interactionReply(i *discordgo.InteractionCreate, content string) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: content},
		},
	)
	if err != nil {
		b.logger.Error("error responding to interaction", tint.Err(err))
	}
}

func (b *Bot) interactionReplyEmbed(
	i *discordgo.InteractionCreate,
	embed *discordgo.MessageEmbed,
) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
			},
		},
	)
	if err != nil {
		b.logger.Error("error responding to interaction", tint.Err(err))
	}
}

// configEmbed renders the active runtime config, plus the guild's
// persona when it has one.
func configEmbed(cfg RuntimeConfig, persona string) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: responseConfigEmbedTitle,
		Color: 0xFF0000,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "BOT VERSION", Value: Version},
			{Name: "Model", Value: cfg.Model, Inline: true},
			{
				Name:   "Temperature",
				Value:  fmt.Sprintf("%g", cfg.Temperature),
				Inline: true,
			},
			{
				Name:   "Input Image Resolution",
				Value:  string(cfg.ImageDetail),
				Inline: true,
			},
			{
				Name:   "Max token",
				Value:  fmt.Sprintf("%d", cfg.MaxOutputTokens),
				Inline: true,
			},
			{
				Name:   "Max history size",
				Value:  fmt.Sprintf("%d", cfg.MaxHistoryLength),
				Inline: true,
			},
			{
				Name:   "Save api response",
				Value:  fmt.Sprintf("%t", cfg.SaveResponses),
				Inline: true,
			},
			{
				Name:   "Save image input",
				Value:  fmt.Sprintf("%t", cfg.SaveImageInput),
				Inline: true,
			},
		},
	}
	if persona != "" {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "System prompt", Value: persona},
		)
	}
	return embed
}

// historyEmbed renders the guild history, one field per turn, each
// truncated to a preview. Only the most recent entries fit when the
// history exceeds Discord's embed field limit.
func historyEmbed(turns []Turn) *discordgo.MessageEmbed {
	start := 0
	if len(turns) > historyEmbedMaxEntries {
		start = len(turns) - historyEmbedMaxEntries
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(turns)-start)
	for idx := start; idx < len(turns); idx++ {
		t := turns[idx]
		content := truncate(t.Content, historyPreviewLength)
		if content == "" && len(t.Images) > 0 {
			content = fmt.Sprintf("(%d image(s))", len(t.Images))
		}
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  fmt.Sprintf("%d\t%s", idx, t.Role),
				Value: content,
			},
		)
	}
	return &discordgo.MessageEmbed{
		Title:  responseHistoryEmbedTitle,
		Color:  0x00FF4C,
		Fields: fields,
	}
}

// leaderboardEmbed renders the top users by cumulative token usage.
// Usage totals only ever grow while the process runs; showing the
// ranking never resets them.
func leaderboardEmbed(entries []UsageEntry) *discordgo.MessageEmbed {
	fields := make([]*discordgo.MessageEmbedField, 0, len(entries))
	for rank, entry := range entries {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  fmt.Sprintf("#%d", rank+1),
				Value: fmt.Sprintf("<@%s>: %d tokens", entry.UserID, entry.Tokens),
			},
		)
	}
	return &discordgo.MessageEmbed{
		Title:  responseLeaderboardTitle,
		Color:  0xFF0000,
		Fields: fields,
	}
}
