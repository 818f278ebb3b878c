//nolint:lll // struct tags can't be split
package bot

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}

// RuntimeConfig holds the settings that can change while the bot is
// running, via `/update_config` or `/reload_config`. It is replaced as a
// whole on every change: handlers take a copy up front and use that copy
// for the duration of the request, so a reload mid-request never tears.
type RuntimeConfig struct {
	// Model is the OpenAI model name used for both request modes.
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// MaxOutputTokens caps chat-mode completions. Search mode uses its
	// own fixed cap.
	MaxOutputTokens int `yaml:"max_output_tokens" mapstructure:"max_output_tokens" json:"max_output_tokens" binding:"min=1"`

	// Temperature is the sampling temperature passed to OpenAI.
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`

	// ImageDetail is the resolution hint attached to image parts.
	ImageDetail ImageDetail `yaml:"image_detail" mapstructure:"image_detail" json:"image_detail" binding:"oneof=low high"`

	// MaxHistoryLength bounds the per-guild history, including the
	// persona entry.
	MaxHistoryLength int `yaml:"max_history_length" mapstructure:"max_history_length" json:"max_history_length" binding:"min=2"`

	// SaveResponses controls whether assistant replies are appended to
	// history. When false the bot answers each question with no memory
	// of its own replies.
	SaveResponses bool `yaml:"save_responses" mapstructure:"save_responses" json:"save_responses"`

	// SaveImageInput controls whether image parts stay in history after
	// the request they arrived with. Keeping them re-bills their tokens
	// on every subsequent request.
	SaveImageInput bool `yaml:"save_image_input" mapstructure:"save_image_input" json:"save_image_input"`

	// Persona is the default system prompt installed as entry 0 of every
	// new guild session.
	Persona string `yaml:"persona" mapstructure:"persona" json:"persona" binding:"required"`
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Model:            DefaultChatModel,
		MaxOutputTokens:  DefaultChatMaxOutputTokens,
		Temperature:      DefaultChatTemperature,
		ImageDetail:      ImageDetailLow,
		MaxHistoryLength: DefaultMaxHistoryLength,
		SaveResponses:    true,
		SaveImageInput:   false,
		Persona:          DefaultPersona,
	}
}

// RuntimeConfigUpdate is the subset of RuntimeConfig that
// `/update_config` can change. Nil fields are left untouched.
type RuntimeConfigUpdate struct {
	ImageDetail      *ImageDetail `json:"image_detail" binding:"omitnil,oneof=low high"`
	SaveResponses    *bool        `json:"save_responses"`
	SaveImageInput   *bool        `json:"save_image_input"`
	MaxHistoryLength *int         `json:"max_history_length" binding:"omitnil,min=2"`
}

// apply returns a copy of cfg with the non-nil fields of the update set.
func (u RuntimeConfigUpdate) apply(cfg RuntimeConfig) RuntimeConfig {
	if u.ImageDetail != nil {
		cfg.ImageDetail = *u.ImageDetail
	}
	if u.SaveResponses != nil {
		cfg.SaveResponses = *u.SaveResponses
	}
	if u.SaveImageInput != nil {
		cfg.SaveImageInput = *u.SaveImageInput
	}
	if u.MaxHistoryLength != nil {
		cfg.MaxHistoryLength = *u.MaxHistoryLength
	}
	return cfg
}

func (u RuntimeConfigUpdate) empty() bool {
	return u.ImageDetail == nil &&
		u.SaveResponses == nil &&
		u.SaveImageInput == nil &&
		u.MaxHistoryLength == nil
}

// loadRuntimeConfigFile re-reads the `chat` section of the given config
// file. The caller is responsible for swapping the result in; on any
// error the previous config stays in effect.
func loadRuntimeConfigFile(path string) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()
	if path == "" {
		return cfg, fmt.Errorf("no config file to reload from")
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("error reading config file: %w", err)
	}
	if err := v.UnmarshalKey("chat", &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing chat config: %w", err)
	}
	if err := structValidator.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid chat config: %w", err)
	}
	return cfg, nil
}
