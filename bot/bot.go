package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/fockerev/bot-for-fmj/bot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot is the main application struct. It wires the Discord gateway to
// the OpenAI client through the per-guild session store, and owns the
// idle reaper and the hot-reloadable runtime configuration.
type Bot struct {
	config *Config

	// Runtime-configurable settings - things you may want to change
	// without restarting the bot. Swapped as a whole; read via
	// RuntimeConfig(), which returns a copy.
	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	// Standard logger. Missing loggers fall back to slog.Default()
	logger *slog.Logger

	// Handler for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Handles OpenAI API integration
	openai *OpenAI

	// Owns all per-guild conversation state and usage ledgers
	sessions *SessionStore

	// Periodically expires idle guilds
	reaper *idleReaper

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it once the discord session is
	// open and commands are registered
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	chatRequestsInProgress atomic.Int64
}

// New creates and initializes a new Bot from the given config. The
// config is validated here; an invalid config is the only fatal error
// path in the process after startup.
func New(config *Config) (*Bot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	runtimeCfg := DefaultRuntimeConfig()
	if config.Chat != nil {
		runtimeCfg = *config.Chat
	}
	if err := structValidator.Struct(runtimeCfg); err != nil {
		return nil, fmt.Errorf("invalid chat config: %w", err)
	}

	b := &Bot{
		config:        config,
		runtimeConfig: &runtimeCfg,
		signalStop:    make(chan struct{}, 1),
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)

	b.sessions = NewSessionStore(b.logger)
	b.openai = newOpenAI(config.OpenAI, nil)
	b.reaper = newIdleReaper(
		b.sessions,
		config.ReaperInterval,
		config.IdleThreshold,
		b.logger,
	)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		),
	)

	b.discord = newDiscord(config.Discord)
	b.discord.bot = b
	b.discord.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	return b, nil
}

// RuntimeConfig returns a copy of the current runtime configuration.
// Handlers call this once up front and use the copy for the whole
// request, so a concurrent reload never tears a request in half.
func (b *Bot) RuntimeConfig() RuntimeConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return *b.runtimeConfig
}

// setRuntimeConfig atomically replaces the runtime configuration.
func (b *Bot) setRuntimeConfig(cfg RuntimeConfig) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	b.runtimeConfig = &cfg
}

// Run connects to Discord, registers commands, starts the idle reaper
// and blocks until the context is cancelled or Stop is called.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	b.startedAt = time.Now()

	session, err := b.discord.newSession()
	if err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}
	b.discord.session = session

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				go b.handleDiscordMessage(ctx, m)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				go b.handleInteraction(ctx, i)
			},
		),
	}

	startupCtx, cancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer cancel()

	openErr := make(chan error, 1)
	go func() {
		openErr <- session.Open()
	}()
	select {
	case err = <-openErr:
		if err != nil {
			return fmt.Errorf("error opening discord session: %w", err)
		}
	case <-startupCtx.Done():
		return fmt.Errorf("startup timed out: %w", startupCtx.Err())
	}

	if _, err = b.discord.registerCommands(
		discordgo.WithContext(startupCtx),
	); err != nil {
		_ = session.Close()
		return fmt.Errorf("error registering discord commands: %w", err)
	}

	if err = b.reaper.start(); err != nil {
		_ = session.Close()
		return err
	}

	b.logger.Info("bot ready", "version", Version, "config", b.config)
	select {
	case b.signalReady <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
	case <-b.signalStop:
	}

	b.shutdown()
	return nil
}

// Stop signals Run to shut down.
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

func (b *Bot) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.reaper.stop()
		for _, removeHandler := range b.discord.discordgoRemoveHandlerFuncs {
			removeHandler()
		}
		if err := b.discord.session.Close(); err != nil {
			b.logger.Error("error closing discord session", tint.Err(err))
		}
	}()

	select {
	case <-done:
		b.logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		b.logger.Warn("shutdown timed out")
	}

	select {
	case b.eventShutdown <- struct{}{}:
	default:
	}
}

// askChat runs the full chat pipeline for one already-classified
// message: ensure a session, commit the user turn, dispatch to OpenAI,
// then commit the reply, account usage and trim. The session is never
// locked across the provider call - the request is built from a
// snapshot, and results are committed afterward. On provider failure
// the user's question stays in history (deliberate: the next request in
// the guild still sees it as context), and nothing else is mutated.
func (b *Bot) askChat(
	ctx context.Context,
	guildID string,
	userID string,
	parsed ParsedMessage,
) (string, error) {
	b.chatRequestsInProgress.Add(1)
	defer b.chatRequestsInProgress.Add(-1)

	cfg := b.RuntimeConfig()
	b.sessions.Ensure(guildID, cfg.Persona)
	if err := b.sessions.AppendUserTurn(
		guildID, parsed.Text, parsed.Reference,
	); err != nil {
		return "", err
	}

	var payloadImages []ImageRef
	if len(parsed.Images) > 0 {
		images := imageRefs(parsed.Images, cfg.ImageDetail)
		if cfg.SaveImageInput {
			if err := b.sessions.AppendImageTurn(guildID, images); err != nil {
				return "", err
			}
		} else {
			payloadImages = images
		}
	}

	request := buildChatRequest(cfg, b.sessions.Snapshot(guildID), payloadImages)
	text, tokens, err := b.openai.CreateCompletion(ctx, RequestModeChat, request)
	if err != nil {
		return "", err
	}

	b.commitReply(guildID, userID, cfg, text, tokens)
	return text, nil
}

// askSearch runs the search-mode pipeline: same session handling as
// chat, but the request declares the web-search tool and attachments
// aren't accepted.
func (b *Bot) askSearch(
	ctx context.Context,
	guildID string,
	userID string,
	query string,
) (string, error) {
	b.chatRequestsInProgress.Add(1)
	defer b.chatRequestsInProgress.Add(-1)

	cfg := b.RuntimeConfig()
	b.sessions.Ensure(guildID, cfg.Persona)
	if err := b.sessions.AppendUserTurn(guildID, query, ""); err != nil {
		return "", err
	}

	request := buildSearchRequest(cfg, b.sessions.Snapshot(guildID))
	text, tokens, err := b.openai.CreateCompletion(ctx, RequestModeSearch, request)
	if err != nil {
		return "", err
	}

	b.commitReply(guildID, userID, cfg, text, tokens)
	return text, nil
}

// commitReply settles a successful exchange: persist the assistant
// turn (if configured), account the user's token usage, and trim.
// Trimming always runs last, on settled state.
func (b *Bot) commitReply(
	guildID string,
	userID string,
	cfg RuntimeConfig,
	text string,
	tokens int,
) {
	if cfg.SaveResponses {
		if err := b.sessions.AppendAssistantTurn(guildID, text); err != nil {
			b.logger.Error("error saving assistant reply", tint.Err(err))
		}
	}
	if err := b.sessions.AddUsage(guildID, userID, tokens); err != nil {
		b.logger.Error("error updating usage ledger", tint.Err(err))
	}
	b.sessions.Trim(guildID, cfg.MaxHistoryLength)
}

// handleDiscordMessage processes incoming Discord messages. Only guild
// messages that @mention the bot (and nothing else) trigger the chat
// pipeline; everything else is ignored.
func (b *Bot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	logger := b.logger

	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil {
		return
	}
	if user.Bot || user.ID == b.config.Discord.ApplicationID {
		return
	}
	if m.MentionEveryone {
		logger.Debug("ignoring message mentioning everyone")
		return
	}
	if !messageMentionsUser(m.Message, b.config.Discord.ApplicationID) {
		return
	}
	if m.GuildID == "" {
		logger.Debug("ignoring mention outside a guild")
		return
	}

	logger = logger.With(
		"guild_id", m.GuildID,
		"channel_id", m.ChannelID,
		"user_id", user.ID,
	)

	var reference string
	if m.ReferencedMessage != nil {
		reference = m.ReferencedMessage.Content
	}
	attachmentURLs := make([]string, 0, len(m.Attachments))
	for _, attachment := range m.Attachments {
		attachmentURLs = append(attachmentURLs, attachment.URL)
	}

	// classification happens strictly before any session mutation, so a
	// rejected attachment leaves history untouched
	parsed, err := ParseMessage(m.Content, attachmentURLs, reference)
	if err != nil {
		logger.Warn("rejected message", tint.Err(err))
		b.sendErrorMessage(m.ChannelID, err)
		return
	}
	logger.Info(
		"question received",
		"question", parsed.Text,
		"images", len(parsed.Images),
		"has_reference", parsed.Reference != "",
	)

	reply, err := b.askChat(ctx, m.GuildID, user.ID, parsed)
	if err != nil {
		logger.Error("chat request failed", tint.Err(err))
		b.sendErrorMessage(m.ChannelID, err)
		return
	}

	for _, chunk := range chunkMessage(reply, discordMaxMessageLength) {
		if sendErr := b.discord.channelMessageSend(m.ChannelID, chunk); sendErr != nil {
			logger.Error("error sending reply", tint.Err(sendErr))
			return
		}
	}
}

// sendErrorMessage degrades a failure to a chat reply - the process
// never crashes on a per-message error.
func (b *Bot) sendErrorMessage(channelID string, err error) {
	msg := fmt.Sprintf("%s (%s)", b.config.Discord.ErrorMessage, err)
	if sendErr := b.discord.channelMessageSend(
		channelID,
		truncate(msg, discordMaxMessageLength),
	); sendErr != nil {
		b.logger.Error("error sending error message", tint.Err(sendErr))
	}
}

// chunkMessage splits s into pieces discord will accept.
func chunkMessage(s string, limit int) []string {
	if s == "" {
		return []string{""}
	}
	runes := []rune(s)
	var chunks []string
	for len(runes) > 0 {
		end := limit
		if len(runes) < limit {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[:end]))
		runes = runes[end:]
	}
	return chunks
}
