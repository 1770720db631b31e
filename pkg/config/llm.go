package config

import (
	"fmt"
	"sync"
)

// LLMProviderType selects the provider implementation.
type LLMProviderType string

// Supported provider types.
const (
	ProviderTypeOpenAI    LLMProviderType = "openai"
	ProviderTypeAnthropic LLMProviderType = "anthropic"
)

// LLMProviderConfig defines one named LLM provider entry.
type LLMProviderConfig struct {
	// Type selects the SDK implementation (required).
	Type LLMProviderType `yaml:"type"`

	// Model is the default model for this provider (required).
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// BaseURL overrides the provider endpoint (proxies, compatible servers).
	BaseURL string `yaml:"base_url,omitempty"`

	// Temperature is the default sampling temperature.
	Temperature float64 `yaml:"temperature,omitempty"`

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Active gates use of the provider. Inactive providers stay resolvable
	// so callers can fail fast with a clear error instead of "not found".
	Active *bool `yaml:"active,omitempty"`
}

// IsActive reports whether the provider may be used. Defaults to true.
func (c *LLMProviderConfig) IsActive() bool {
	return c.Active == nil || *c.Active
}

// LLMProviderRegistry stores provider configurations with thread-safe access.
type LLMProviderRegistry struct {
	providers map[string]*LLMProviderConfig
	mu        sync.RWMutex
}

// NewLLMProviderRegistry creates a registry from the parsed config map.
func NewLLMProviderRegistry(providers map[string]*LLMProviderConfig) *LLMProviderRegistry {
	copied := make(map[string]*LLMProviderConfig, len(providers))
	for k, v := range providers {
		copied[k] = v
	}
	return &LLMProviderRegistry{providers: copied}
}

// Get retrieves a provider configuration by name.
func (r *LLMProviderRegistry) Get(name string) (*LLMProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLLMProviderNotFound, name)
	}
	return p, nil
}

// Has checks whether a provider exists in the registry.
func (r *LLMProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Names returns all registered provider names.
func (r *LLMProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for k := range r.providers {
		names = append(names, k)
	}
	return names
}

// Len returns the number of registered providers.
func (r *LLMProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
