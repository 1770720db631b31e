// Package config loads and validates the platform configuration: YAML files
// with env expansion, built-in defaults merged under user values, and
// thread-safe registries for LLM providers and MCP servers.
package config

// Config is the umbrella configuration object returned by Initialize and
// passed to the subsystems at wiring time.
type Config struct {
	configDir string

	Defaults  *Defaults
	Queue     *QueueConfig
	Sandbox   *SandboxConfig
	Redis     *RedisConfig
	Retention *RetentionConfig

	LLMProviderRegistry *LLMProviderRegistry
	MCPServerRegistry   *MCPServerRegistry
}

// RedisConfig locates the broker backing queues, status keys, and pub/sub.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Defaults contains system-wide fallbacks applied when agents or requests
// do not specify their own values.
type Defaults struct {
	// LLMProvider is the provider used when neither the message nor the
	// agent names one.
	LLMProvider string `yaml:"llm_provider,omitempty"`

	// MaxToolDepth bounds the tool-calling loop per agent turn.
	MaxToolDepth int `yaml:"max_tool_depth,omitempty"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// GetLLMProvider retrieves an LLM provider configuration by name.
func (c *Config) GetLLMProvider(name string) (*LLMProviderConfig, error) {
	return c.LLMProviderRegistry.Get(name)
}

// GetMCPServer retrieves an MCP server configuration by ID.
func (c *Config) GetMCPServer(serverID string) (*MCPServerConfig, error) {
	return c.MCPServerRegistry.Get(serverID)
}

// Stats contains counts of loaded configuration, for startup logging.
type Stats struct {
	LLMProviders int
	MCPServers   int
}

// Stats returns configuration statistics.
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.LLMProviderRegistry != nil {
		s.LLMProviders = c.LLMProviderRegistry.Len()
	}
	if c.MCPServerRegistry != nil {
		s.MCPServers = c.MCPServerRegistry.Len()
	}
	return s
}
