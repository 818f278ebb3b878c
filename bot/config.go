//nolint:lll // struct tags can't be split
package bot

import (
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	EnvvarSetEnvPrefix = "BOTFMJ_ENV_PREFIX"
	DefaultEnvPrefix   = "FMJ"

	DefaultLogLevel          = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultOpenAILogLevel    = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultReaperInterval is how often the idle reaper sweeps all guilds.
	DefaultReaperInterval = 5 * time.Minute

	// DefaultIdleThreshold is how long a guild must be inactive before the
	// reaper collapses its history back to the persona entry.
	DefaultIdleThreshold = 60 * time.Minute

	DefaultChatModel           = "gpt-4o-mini"
	DefaultChatMaxOutputTokens = 1000
	DefaultChatTemperature     = 1.0
	DefaultMaxHistoryLength    = 20
	DefaultPersona             = "You are a helpful assistant."

	// searchMaxOutputTokens caps search-mode responses. Deliberately fixed
	// rather than configured: search responses embed quoted sources and
	// blow past the chat cap otherwise.
	searchMaxOutputTokens = 800

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordCustomStatus  = "@mention me!"
	DefaultDiscordErrorMessage  = "sorry, something went wrong!"

	discordMaxMessageLength = 2000

	// historyPreviewLength is the per-entry truncation applied by the
	// /history command so the embed stays within Discord field limits.
	historyPreviewLength = 150

	// leaderboardSize is how many users the /leaderboard embed shows.
	leaderboardSize = 4
)

// ImageDetail is the resolution hint attached to image parts sent to
// OpenAI ("low" costs a fixed token amount, "high" scales with size).
type ImageDetail string

const (
	ImageDetailLow  ImageDetail = "low"
	ImageDetailHigh ImageDetail = "high"
)

// Config holds process-wide settings loaded once at startup. Settings
// that can change while the bot runs live in RuntimeConfig instead.
type Config struct {
	// Discord configures the bot's Discord integration
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// OpenAI configures the OpenAI API client
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// Chat holds the initial hot-reloadable settings. The `/reload_config`
	// command re-reads this section from ConfigFile.
	Chat *RuntimeConfig `yaml:"chat" mapstructure:"chat" json:"chat"`

	// ConfigFile is the path the Chat section was loaded from, used by
	// `/reload_config`. Empty disables reloading.
	ConfigFile string `yaml:"-" mapstructure:"-" json:"config_file"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to connect and register
	// commands before aborting startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time allowed for a graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// ReaperInterval is how often the idle reaper sweeps.
	ReaperInterval time.Duration `yaml:"reaper_interval" mapstructure:"reaper_interval" json:"reaper_interval" binding:"min=1s"`

	// IdleThreshold is the inactivity window after which a guild's
	// history is reset.
	IdleThreshold time.Duration `yaml:"idle_threshold" mapstructure:"idle_threshold" json:"idle_threshold" binding:"min=1m"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// CustomStatus is displayed as the bot user's status once connected
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// ErrorMessage is the generic reply sent when a request fails
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`
}

// OpenAIConfig configures OpenAI API integration
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)

	runtimeCfg := DefaultRuntimeConfig()

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		ReaperInterval:  DefaultReaperInterval,
		IdleThreshold:   DefaultIdleThreshold,
		Chat:            &runtimeCfg,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			CustomStatus:      DefaultDiscordCustomStatus,
			ErrorMessage:      DefaultDiscordErrorMessage,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		OpenAI: &OpenAIConfig{
			LogLevel: openaiLogLevel,
		},
	}
}
