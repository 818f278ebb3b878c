package bot

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

func testLogger(t testing.TB) *slog.Logger {
	t.Helper()

	logLevel := &slog.LevelVar{}
	logLevel.Set(slog.LevelDebug)
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     logLevel,
				AddSource: true,
			},
		),
	).With("test", t.Name())
}

// mockCompletionClient is a canned CompletionClient. It records every
// request it sees so tests can assert on the outgoing payloads.
type mockCompletionClient struct {
	mu       sync.Mutex
	response openai.ChatCompletionResponse
	err      error
	requests []openai.ChatCompletionRequest
}

func (m *mockCompletionClient) CreateChatCompletion(
	_ context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, request)
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return m.response, nil
}

func (m *mockCompletionClient) lastRequest(
	t testing.TB,
) openai.ChatCompletionRequest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.requests)
	return m.requests[len(m.requests)-1]
}

// completionResponse builds the minimal successful response the bot
// cares about: one choice plus a usage total.
func completionResponse(content string, totalTokens int) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
			},
		},
		Usage: openai.Usage{TotalTokens: totalTokens},
	}
}

// mockDiscordSession is a mock implementation of the
// DiscordSessionHandler interface. It records sends and interaction
// responses instead of performing actual operations.
type mockDiscordSession struct {
	logger *slog.Logger

	mu sync.Mutex

	messagesSent  []mockChannelMessage
	embedsSent    []mockChannelEmbed
	responses     []*discordgo.InteractionResponse
	responseEdits []*discordgo.WebhookEdit
	customStatus  string
}

type mockChannelMessage struct {
	ChannelID string
	Content   string
}

type mockChannelEmbed struct {
	ChannelID string
	Embed     *discordgo.MessageEmbed
}

func newMockDiscordSession(t testing.TB) *mockDiscordSession {
	return &mockDiscordSession{
		logger: testLogger(t).With(loggerNameKey, "discord_session_handler"),
	}
}

func (d *mockDiscordSession) Open() error {
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.logger.Info("added handler")
	return func() {
		d.logger.Info("mock-removed handler function")
	}
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info(
		"saw message send",
		"channel_id", channelID,
		"content", message,
	)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messagesSent = append(
		d.messagesSent,
		mockChannelMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{Content: message, ChannelID: channelID}, nil
}

func (d *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info("saw embed send", "channel_id", channelID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.embedsSent = append(
		d.embedsSent,
		mockChannelEmbed{ChannelID: channelID, Embed: embed},
	)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.logger.Info(
		"overwrite application commands",
		"app_id", appID,
		"guild_id", guildID,
	)
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return cmds, nil
}

func (d *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info("interaction respond", "type", resp.Type)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, resp)
	return nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info("interaction response edit")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responseEdits = append(d.responseEdits, newresp)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.logger.Info("updating custom status", "status", status)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customStatus = status
	return nil
}

func (d *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	d.logger.Info("set log level", "level", lvl)
	return nil
}

func (d *mockDiscordSession) lastResponse(
	t testing.TB,
) *discordgo.InteractionResponse {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.responses)
	return d.responses[len(d.responses)-1]
}

func (d *mockDiscordSession) lastMessage(t testing.TB) mockChannelMessage {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.messagesSent)
	return d.messagesSent[len(d.messagesSent)-1]
}

// testAppID is the bot's application ID in tests. Mention tokens only
// match numeric IDs, so this has to look like a real snowflake.
const testAppID = "999888777666555444"

func testConfig(t testing.TB) *Config {
	t.Helper()

	config := DefaultConfig()
	config.Discord.Token = "test-discord-token"
	config.Discord.ApplicationID = testAppID
	config.OpenAI.Token = "test-openai-token"
	return config
}

// newTestBot builds a Bot wired to a mock discord session and a mock
// completion client, without opening any connections.
func newTestBot(t testing.TB, client *mockCompletionClient) (
	*Bot,
	*mockDiscordSession,
) {
	t.Helper()

	config := testConfig(t)
	b, err := New(config)
	require.NoError(t, err)

	b.logger = testLogger(t)
	b.sessions.logger = b.logger.With(loggerNameKey, "session_store")
	b.openai.logger = b.logger.With(loggerNameKey, "openai")
	b.openai.client = client

	session := newMockDiscordSession(t)
	b.discord.logger = b.logger.With(loggerNameKey, "discord")
	b.discord.session = session
	return b, session
}

// userMention builds a message that @mentions the bot, the way the
// gateway delivers it.
func userMention(content string, config *Config) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "message-id",
			GuildID:   "guild-1",
			ChannelID: "channel-1",
			Content:   content,
			Author:    &discordgo.User{ID: "user-1", Username: "alice"},
			Mentions: []*discordgo.User{
				{ID: config.Discord.ApplicationID, Bot: true},
			},
		},
	}
}

// commandInteraction builds an application-command interaction as
// delivered to the gateway handler.
func commandInteraction(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:      "interaction-id",
			GuildID: "guild-1",
			Type:    discordgo.InteractionApplicationCommand,
			Member: &discordgo.Member{
				User: &discordgo.User{ID: "user-1", Username: "alice"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func boolOption(name string, value bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionBoolean,
		Value: value,
	}
}

func intOption(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		// discord delivers integers as json numbers
		Value: float64(value),
	}
}
