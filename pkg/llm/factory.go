package llm

import (
	"fmt"
	"os"
	"sync"

	"github.com/stratumhq/stratum/pkg/config"
)

// Factory resolves named providers from the configuration registry,
// constructing each SDK client once. Inactive providers resolve to a clear
// error instead of "not found" so misconfiguration is diagnosable.
type Factory struct {
	registry *config.LLMProviderRegistry

	mu    sync.Mutex
	cache map[string]Provider
}

// NewFactory creates a factory over the registry.
func NewFactory(registry *config.LLMProviderRegistry) *Factory {
	return &Factory{
		registry: registry,
		cache:    make(map[string]Provider),
	}
}

// Register installs a pre-built provider under name, bypassing the config
// registry. Used for custom providers and test doubles.
func (f *Factory) Register(name string, p Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[name] = p
}

// Get returns the provider registered under name.
func (f *Factory) Get(name string) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.cache[name]; ok {
		return p, nil
	}

	cfg, err := f.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrProviderInactive, name)
	}

	p, err := build(name, cfg)
	if err != nil {
		return nil, err
	}
	f.cache[name] = p
	return p, nil
}

func build(name string, cfg *config.LLMProviderConfig) (Provider, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	switch cfg.Type {
	case config.ProviderTypeOpenAI:
		return NewOpenAI(name, apiKey, cfg)
	case config.ProviderTypeAnthropic:
		return NewAnthropic(name, apiKey, cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider type %q for %s", cfg.Type, name)
	}
}
