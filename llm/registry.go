package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/samber/lo"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
)

// ClientKey uniquely identifies a provider client configuration.
type ClientKey struct {
	Provider     string
	Model        string
	APIKey       string // For credential-based providers
	Host         string // For Ollama
	BaseURL      string // For OpenAI-compatible endpoints
	Organization string // For OpenAI
}

// BucketKey returns the rate-limit bucket identity for this client:
// one bucket per (provider, credential) pair. The credential is hashed so
// the key is safe to log.
func (k ClientKey) BucketKey() string {
	cred := k.APIKey
	if cred == "" {
		cred = k.Host
	}
	sum := sha256.Sum256([]byte(cred))
	return k.Provider + ":" + hex.EncodeToString(sum[:8])
}

// ProviderConfig holds the configuration needed for provider resolution.
// This avoids import cycles by not importing the config package.
type ProviderConfig struct {
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	OpenAIOrg       string
	OllamaHost      string
	OllamaModel     string
}

// Registry manages provider selection and configuration resolution.
// Client construction and caching is handled by the factory package.
type Registry struct {
	enabledProviders map[string]bool
	mu               sync.RWMutex
	config           *ProviderConfig
}

// NewRegistry creates a Registry with the given config and enabled providers.
func NewRegistry(providerConfig *ProviderConfig, enabledProviders []string) *Registry {
	return &Registry{
		enabledProviders: lo.SliceToMap(enabledProviders, func(p string) (string, bool) { return p, true }),
		config:           providerConfig,
	}
}

// IsProviderEnabled checks if a provider is in the enabled providers list.
func (r *Registry) IsProviderEnabled(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabledProviders[provider]
}

// IsProviderConfigured checks if a provider has the required configuration.
func (r *Registry) IsProviderConfigured(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isProviderConfiguredUnlocked(provider)
}

// Resolve returns a ClientKey for the named provider, applying config and
// environment fallbacks. modelOverride takes precedence over configured
// default models when non-empty.
func (r *Registry) Resolve(provider, modelOverride string) (*ClientKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.enabledProviders[provider] {
		return nil, fmt.Errorf("provider %s is not enabled (enabled: %v)", provider, lo.Keys(r.enabledProviders))
	}
	if !r.isProviderConfiguredUnlocked(provider) {
		return nil, fmt.Errorf("provider %s is not configured", provider)
	}
	return r.resolveProviderConfig(provider, modelOverride)
}

// isProviderConfiguredUnlocked must be called with r.mu already locked.
func (r *Registry) isProviderConfiguredUnlocked(provider string) bool {
	switch provider {
	case ProviderAnthropic:
		apiKey := r.config.AnthropicAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return apiKey != ""
	case ProviderOpenAI:
		apiKey := r.config.OpenAIAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return apiKey != ""
	case ProviderOllama:
		// Ollama needs no API key, just a host (which has a default).
		return true
	default:
		return false
	}
}

func (r *Registry) resolveProviderConfig(provider, modelOverride string) (*ClientKey, error) {
	key := &ClientKey{
		Provider: provider,
		Model:    modelOverride,
	}

	switch provider {
	case ProviderAnthropic:
		apiKey := r.config.AnthropicAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic API key not configured")
		}
		key.APIKey = apiKey
		if key.Model == "" {
			key.Model = r.config.AnthropicModel
		}
		if key.Model == "" {
			key.Model = "claude-sonnet-4-20250514"
		}

	case ProviderOpenAI:
		apiKey := r.config.OpenAIAPIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("openai API key not configured")
		}
		key.APIKey = apiKey

		baseURL := r.config.OpenAIBaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		key.BaseURL = baseURL

		org := r.config.OpenAIOrg
		if org == "" {
			org = os.Getenv("OPENAI_ORG_ID")
		}
		key.Organization = org

		if key.Model == "" {
			key.Model = r.config.OpenAIModel
		}
		if key.Model == "" {
			key.Model = "gpt-4o"
		}

	case ProviderOllama:
		host := r.config.OllamaHost
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		if host == "" {
			host = "http://localhost:11434"
		}
		key.Host = host

		if key.Model == "" {
			key.Model = r.config.OllamaModel
		}
		if key.Model == "" {
			key.Model = os.Getenv("OLLAMA_MODEL")
		}
		if key.Model == "" {
			return nil, fmt.Errorf("ollama model not specified and no default configured")
		}

	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}

	return key, nil
}
