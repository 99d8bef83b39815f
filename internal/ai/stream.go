package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming chat.
//
// The returned fragment channel is finite and cannot be restarted. Both channels are
// closed when streaming ends; at most one error is delivered.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error)
}
