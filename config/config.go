// Package config loads the planforge configuration: defaults merged with
// the user's config file, with environment fallbacks for credentials.
// Loaded once at startup and treated as immutable afterward.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/planforge/planforge/llm"
)

// AnthropicConfig represents configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key,omitempty"` // falls back to ANTHROPIC_API_KEY
	Model  string `yaml:"model,omitempty"`
}

// OpenAIConfig represents configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key,omitempty"` // falls back to OPENAI_API_KEY
	BaseURL      string `yaml:"base_url,omitempty"`
	Model        string `yaml:"model,omitempty"`
	Organization string `yaml:"organization,omitempty"`
}

// OllamaConfig represents configuration for the Ollama provider.
type OllamaConfig struct {
	Host  string `yaml:"host,omitempty"` // default http://localhost:11434
	Model string `yaml:"model,omitempty"`
}

// RateLimitsConfig holds per-provider requests-per-minute budgets.
type RateLimitsConfig struct {
	Anthropic int `yaml:"anthropic,omitempty"`
	OpenAI    int `yaml:"openai,omitempty"`
	Ollama    int `yaml:"ollama,omitempty"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	TTLMinutes int `yaml:"ttl_minutes,omitempty"`
	MaxEntries int `yaml:"max_entries,omitempty"`
	MaxSizeMB  int `yaml:"max_size_mb,omitempty"`
}

// Config is the complete planforge configuration.
type Config struct {
	Provider  string   `yaml:"provider,omitempty"`  // default provider name
	Providers []string `yaml:"providers,omitempty"` // enabled providers

	Anthropic AnthropicConfig `yaml:"anthropic,omitempty"`
	OpenAI    OpenAIConfig    `yaml:"openai,omitempty"`
	Ollama    OllamaConfig    `yaml:"ollama,omitempty"`

	RateLimits RateLimitsConfig `yaml:"rate_limits,omitempty"`
	Cache      CacheConfig      `yaml:"cache,omitempty"`

	MaxTokens    int64  `yaml:"max_tokens,omitempty"`
	DBPath       string `yaml:"db_path,omitempty"`
	TemplatesDir string `yaml:"templates_dir,omitempty"`
	LogFile      string `yaml:"log_file,omitempty"`
	LogPretty    bool   `yaml:"log_pretty,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Provider:  llm.ProviderAnthropic,
		Providers: []string{llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderOllama},
		RateLimits: RateLimitsConfig{
			Anthropic: 30,
			OpenAI:    60,
			Ollama:    30,
		},
		Cache: CacheConfig{
			TTLMinutes: 60,
			MaxEntries: 1000,
			MaxSizeMB:  1000,
		},
		MaxTokens: 4096,
		DBPath:    filepath.Join(home, ".planforge", "planforge.db"),
	}
}

// DefaultPath returns the config file location: PLANFORGE_CONFIG_PATH when
// set, otherwise ~/.planforge/config.yaml.
func DefaultPath() string {
	if envPath := os.Getenv("PLANFORGE_CONFIG_PATH"); envPath != "" {
		return envPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".planforge", "config.yaml")
}

// Load reads the config file at path (missing file is not an error) and
// merges it over the defaults; file values take precedence.
func Load(path string) (*Config, error) {
	defaults := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var fileConfig Config
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := mergo.Merge(defaults, fileConfig, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	return defaults, nil
}

// ProviderConfig converts the loaded config to the llm package's resolution
// input. Credential environment fallbacks happen inside the registry.
func (c *Config) ProviderConfig() *llm.ProviderConfig {
	return &llm.ProviderConfig{
		AnthropicAPIKey: c.Anthropic.APIKey,
		AnthropicModel:  c.Anthropic.Model,
		OpenAIAPIKey:    c.OpenAI.APIKey,
		OpenAIBaseURL:   c.OpenAI.BaseURL,
		OpenAIModel:     c.OpenAI.Model,
		OpenAIOrg:       c.OpenAI.Organization,
		OllamaHost:      c.Ollama.Host,
		OllamaModel:     c.Ollama.Model,
	}
}

// RateLimitFor returns the requests-per-minute budget for a provider.
func (c *Config) RateLimitFor(provider string) int {
	switch provider {
	case llm.ProviderAnthropic:
		return c.RateLimits.Anthropic
	case llm.ProviderOpenAI:
		return c.RateLimits.OpenAI
	case llm.ProviderOllama:
		return c.RateLimits.Ollama
	default:
		return 0
	}
}
