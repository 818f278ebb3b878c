package bot

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedAttachment indicates a message carried (or linked to)
	// a file type outside the accepted image extensions. The request is
	// rejected before any OpenAI call is made.
	ErrUnsupportedAttachment = errors.New("unsupported attachment type")

	// ErrNoSession indicates a guild-scoped command was used before the
	// guild had any conversation state to operate on.
	ErrNoSession = errors.New("no session for guild")
)

// ProviderError wraps a failure from the OpenAI API (network error,
// provider-side error, or an unusable response). The user's question
// stays in history when this is returned; only the reply and usage
// accounting are skipped.
type ProviderError struct {
	Mode RequestMode
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai request failed (mode=%s): %s", e.Mode, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
