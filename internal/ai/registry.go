package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Defaults holds what NewDefaultRegistry needs to build the built-in providers.
type Defaults struct {
	OllamaBaseURL string
	OpenAIBaseURL string
	OpenAIAPIKey  string
}

// NewDefaultRegistry registers "ollama" and "openai" (OpenAI-compatible, e.g. Ollama's /v1).
func NewDefaultRegistry(d Defaults) *Registry {
	reg := NewRegistry()
	reg.Register(ollamaName, func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		return NewOllamaProvider(d.OllamaBaseURL, strings.TrimSpace(model)), nil
	})
	reg.Register(openAIName, func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		return NewOpenAIProvider(d.OpenAIBaseURL, d.OpenAIAPIKey, strings.TrimSpace(model))
	})
	return reg
}
