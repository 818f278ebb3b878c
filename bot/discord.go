package bot

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandResetHistory = "reset_history"
	DiscordSlashCommandResetPersona = "reset_persona"
	DiscordSlashCommandPersona      = "persona"
	DiscordSlashCommandConfig       = "config"
	DiscordSlashCommandReloadConfig = "reload_config"
	DiscordSlashCommandUpdateConfig = "update_config"
	DiscordSlashCommandHistory      = "history"
	DiscordSlashCommandLeaderboard  = "leaderboard"
	DiscordSlashCommandSearch       = "search"

	personaCommandTextOption = "text"
	searchCommandQueryOption = "query"

	updateConfigOptionImageDetail      = "image_detail"
	updateConfigOptionSaveResponses    = "save_responses"
	updateConfigOptionSaveImageInput   = "save_image_input"
	updateConfigOptionMaxHistoryLength = "max_history_length"
)

// Discord manages the bot's Discord session: the gateway connection,
// slash-command registration, and message/embed sends. Incoming events
// are dispatched to the Bot's handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *Bot
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session with the appropriate
// logger, token and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, _ *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("unable to set custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// appCommands returns the bot's full slash-command set, sent to the
// discord bulk overwrite endpoint on startup.
func (*Discord) appCommands() []*discordgo.ApplicationCommand {
	minHistoryLength := float64(2)
	detailChoices := []*discordgo.ApplicationCommandOptionChoice{
		{Name: string(ImageDetailLow), Value: string(ImageDetailLow)},
		{Name: string(ImageDetailHigh), Value: string(ImageDetailHigh)},
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandResetHistory,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Forget this server's conversation history",
		},
		{
			Name:        DiscordSlashCommandResetPersona,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Restore the default persona",
		},
		{
			Name:        DiscordSlashCommandPersona,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Set the persona used for this server",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        personaCommandTextOption,
					Description: "The new persona text",
					Required:    true,
				},
			},
		},
		{
			Name:        DiscordSlashCommandConfig,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Show the current configuration",
		},
		{
			Name:        DiscordSlashCommandReloadConfig,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Reload configuration from the config file",
		},
		{
			Name:        DiscordSlashCommandUpdateConfig,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Change configuration settings",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        updateConfigOptionImageDetail,
					Description: "Image input resolution",
					Choices:     detailChoices,
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        updateConfigOptionSaveResponses,
					Description: "Keep my replies in the conversation history",
				},
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        updateConfigOptionSaveImageInput,
					Description: "Keep image inputs in the conversation history",
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        updateConfigOptionMaxHistoryLength,
					Description: "Maximum history length",
					MinValue:    &minHistoryLength,
				},
			},
		},
		{
			Name:        DiscordSlashCommandHistory,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Show the conversation history",
		},
		{
			Name:        DiscordSlashCommandLeaderboard,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Token usage ranking for this server",
		},
		{
			Name:        DiscordSlashCommandSearch,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Answer using web search",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        searchCommandQueryOption,
					Description: "What would you like to know?",
					Required:    true,
				},
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint, scoped to the configured guild ID (global when
// empty).
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.appCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}
	return created, nil
}

// ackResponse is the deferred acknowledgement sent while a slow command
// (anything hitting OpenAI) runs.
func (*Discord) ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
}

// DiscordSessionHandler defines the methods from `discordgo.Session`
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendEmbed sends an embed to a specified channel.
	ChannelMessageSendEmbed(
		channelID string,
		embed *discordgo.MessageEmbed,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction's response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendEmbed(channelID, embed, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
	}
	return created, err
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
