package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

// RequestMode selects how a completion request is assembled and which
// capabilities it declares.
type RequestMode string

const (
	// RequestModeChat is a plain chat completion: persona + history +
	// the current turn, with image parts if the message carried any.
	RequestModeChat RequestMode = "chat"

	// RequestModeSearch declares the web-search tool and uses a fixed
	// output-token cap. Search mode doesn't accept attachments.
	RequestModeSearch RequestMode = "search"
)

// webSearchToolType is the tool declared on search-mode requests.
const webSearchToolType = openai.ToolType("web_search_preview")

// CompletionClient defines the single OpenAI API method this bot uses,
// to enable testing/mocking. Satisfied by *openai.Client.
type CompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAI handles the OpenAI API integration: building request payloads
// from a history snapshot, dispatching them, and interpreting replies.
// It never touches the session store - callers snapshot state, release
// their locks, and commit results after this returns.
type OpenAI struct {
	client CompletionClient
	logger *slog.Logger
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		logger: slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "openai"),
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

// turnMessage converts one history turn to the wire format. Image turns
// become multi-part content; plain turns stay plain (the API rejects
// empty MultiContent).
func turnMessage(t Turn) openai.ChatCompletionMessage {
	if len(t.Images) == 0 {
		return openai.ChatCompletionMessage{
			Role:    string(t.Role),
			Content: t.Content,
		}
	}

	parts := make([]openai.ChatMessagePart, 0, len(t.Images)+1)
	if t.Content != "" {
		parts = append(
			parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: t.Content,
			},
		)
	}
	for _, img := range t.Images {
		detail := openai.ImageURLDetailLow
		if img.Detail == ImageDetailHigh {
			detail = openai.ImageURLDetailHigh
		}
		parts = append(
			parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    img.URL,
					Detail: detail,
				},
			},
		)
	}
	return openai.ChatCompletionMessage{
		Role:         string(t.Role),
		MultiContent: parts,
	}
}

// buildChatRequest assembles a chat-mode payload from a history
// snapshot. If the triggering message carried images, they ride along
// as one extra user turn in the payload only - whether that turn also
// lands in stored history is the caller's decision (SaveImageInput).
func buildChatRequest(
	cfg RuntimeConfig,
	history []Turn,
	images []ImageRef,
) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, t := range history {
		messages = append(messages, turnMessage(t))
	}
	if len(images) > 0 {
		messages = append(
			messages,
			turnMessage(Turn{Role: RoleUser, Images: images}),
		)
	}
	return openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Messages:    messages,
		MaxTokens:   cfg.MaxOutputTokens,
		Temperature: cfg.Temperature,
	}
}

// buildSearchRequest assembles a search-mode payload: history only,
// web-search tool declared, fixed output cap.
func buildSearchRequest(
	cfg RuntimeConfig,
	history []Turn,
) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, t := range history {
		messages = append(messages, turnMessage(t))
	}
	return openai.ChatCompletionRequest{
		Model:     cfg.Model,
		Messages:  messages,
		MaxTokens: searchMaxOutputTokens,
		Tools:     []openai.Tool{{Type: webSearchToolType}},
	}
}

// CreateCompletion dispatches the request and returns the generated
// text plus the provider-reported total token count. Any failure -
// transport, provider-side, or an empty response - comes back as a
// *ProviderError; the caller leaves history and the usage ledger alone
// in that case.
func (o *OpenAI) CreateCompletion(
	ctx context.Context,
	mode RequestMode,
	request openai.ChatCompletionRequest,
) (string, int, error) {
	logger := o.logger.With("mode", string(mode), "model", request.Model)

	resp, err := o.client.CreateChatCompletion(ctx, request)
	if err != nil {
		logger.ErrorContext(ctx, "completion request failed", tint.Err(err))
		return "", 0, &ProviderError{Mode: mode, Err: err}
	}
	if len(resp.Choices) == 0 {
		err = fmt.Errorf("response contained no choices")
		logger.ErrorContext(ctx, "unusable completion response", tint.Err(err))
		return "", 0, &ProviderError{Mode: mode, Err: err}
	}

	text := resp.Choices[0].Message.Content
	logger.InfoContext(
		ctx,
		"completion finished",
		"total_tokens", resp.Usage.TotalTokens,
		"response", truncate(text, historyPreviewLength),
	)
	return text, resp.Usage.TotalTokens, nil
}
