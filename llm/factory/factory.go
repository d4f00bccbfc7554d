// Package factory constructs provider clients from resolved client keys.
// It lives outside the llm package so llm itself never imports the adapters.
package factory

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/planforge/planforge/llm"
	"github.com/planforge/planforge/llm/anthropic"
	"github.com/planforge/planforge/llm/ollama"
	"github.com/planforge/planforge/llm/openai"
)

// Factory builds and caches provider clients. Clients are stateless apart
// from their connection pools, so one instance per key is shared.
type Factory struct {
	mu      sync.Mutex
	clients map[llm.ClientKey]llm.Client
	logger  zerolog.Logger
}

// New creates a Factory.
func New(logger zerolog.Logger) *Factory {
	return &Factory{
		clients: make(map[llm.ClientKey]llm.Client),
		logger:  logger,
	}
}

// Client returns the client for the given key, constructing it on first use.
func (f *Factory) Client(key *llm.ClientKey) (llm.Client, error) {
	if key == nil {
		return nil, fmt.Errorf("client key is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[*key]; ok {
		return client, nil
	}

	client, err := f.build(key)
	if err != nil {
		return nil, err
	}
	f.clients[*key] = client
	return client, nil
}

func (f *Factory) build(key *llm.ClientKey) (llm.Client, error) {
	logger := f.logger.With().Str("provider", key.Provider).Logger()

	switch key.Provider {
	case llm.ProviderAnthropic:
		return anthropic.New(key.APIKey, key.Model, logger)
	case llm.ProviderOpenAI:
		return openai.New(key.APIKey, key.BaseURL, key.Model, key.Organization, logger)
	case llm.ProviderOllama:
		return ollama.New(key.Host, key.Model, logger)
	default:
		return nil, fmt.Errorf("unknown provider: %s", key.Provider)
	}
}
