package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const openAIName = "openai"

// OpenAIProvider talks to any OpenAI-compatible endpoint through langchaingo.
// Ollama serves one under /v1.
type OpenAIProvider struct {
	Model string
	llm   llms.Model
}

func NewOpenAIProvider(baseURL, apiKey, model string) (*OpenAIProvider, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1/"
	}
	if apiKey == "" {
		// the openai client refuses an empty token; local runtimes ignore it
		apiKey = "local"
	}
	if model == "" {
		model = "llama3.2"
	}
	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, genErr(openAIName, err)
	}
	return &OpenAIProvider{Model: model, llm: llm}, nil
}

func toContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var role llms.ChatMessageType
		switch strings.ToLower(m.Role) {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func callOptions(opts Options) []llms.CallOption {
	co := []llms.CallOption{llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		co = append(co, llms.WithMaxTokens(opts.MaxTokens))
	}
	return co
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	resp, err := p.llm.GenerateContent(ctx, toContent(messages), callOptions(opts)...)
	if err != nil {
		return "", genErr(openAIName, err)
	}
	if len(resp.Choices) == 0 {
		return "", genErr(openAIName, errors.New("empty response"))
	}
	return resp.Choices[0].Content, nil
}

// StreamChat streams assistant content chunks via the langchaingo streaming callback.
func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		co := append(callOptions(opts), llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			select {
			case chunks <- string(chunk):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))

		if _, err := p.llm.GenerateContent(ctx, toContent(messages), co...); err != nil {
			errs <- genErr(openAIName, err)
		}
	}()

	return chunks, errs
}
