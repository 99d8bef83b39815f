package ai

import (
	"context"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the per-request model parameters.
type Options struct {
	Temperature float64
	// MaxTokens caps generated tokens; 0 leaves it to the backend.
	MaxTokens int
}

type Provider interface {
	Chat(ctx context.Context, messages []Message, opts Options) (string, error)
}

// GenerationError reports that the backing model service was unreachable
// or answered with a protocol error.
type GenerationError struct {
	Provider string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: generation failed: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func genErr(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &GenerationError{Provider: provider, Err: err}
}
