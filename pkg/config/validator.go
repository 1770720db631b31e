package config

import "fmt"

// validate checks the assembled configuration for inconsistencies that
// would otherwise surface as confusing runtime failures.
func validate(cfg *Config) error {
	if err := validateSandbox(cfg.Sandbox); err != nil {
		return err
	}
	if err := validateQueue(cfg.Queue); err != nil {
		return err
	}
	if err := validateProviders(cfg); err != nil {
		return err
	}
	return validateMCPServers(cfg)
}

func validateSandbox(s *SandboxConfig) error {
	if s.PoolMaxSize < 0 {
		return invalid("sandbox", "pool_max_size", ErrInvalidValue)
	}
	if s.PoolMinSize > s.PoolMaxSize {
		return invalid("sandbox", "pool_min_size",
			fmt.Errorf("%w: pool_min_size %d exceeds pool_max_size %d",
				ErrInvalidValue, s.PoolMinSize, s.PoolMaxSize))
	}
	if s.PoolMinIdle > s.PoolMaxSize {
		return invalid("sandbox", "pool_min_idle",
			fmt.Errorf("%w: pool_min_idle %d exceeds pool_max_size %d",
				ErrInvalidValue, s.PoolMinIdle, s.PoolMaxSize))
	}
	if s.PoolMaxExecutions <= 0 {
		return invalid("sandbox", "pool_max_executions", ErrInvalidValue)
	}
	if s.Image == "" {
		return invalid("sandbox", "image", ErrMissingRequiredField)
	}
	return nil
}

func validateQueue(q *QueueConfig) error {
	if q.FunctionConcurrency <= 0 {
		return invalid("queue", "queue_function_concurrency", ErrInvalidValue)
	}
	if q.AgentConcurrency <= 0 {
		return invalid("queue", "queue_agent_concurrency", ErrInvalidValue)
	}
	if q.MaxRetries < 0 {
		return invalid("queue", "queue_max_retries", ErrInvalidValue)
	}
	return nil
}

func validateProviders(cfg *Config) error {
	for _, name := range cfg.LLMProviderRegistry.Names() {
		p, _ := cfg.LLMProviderRegistry.Get(name)
		switch p.Type {
		case ProviderTypeOpenAI, ProviderTypeAnthropic:
		default:
			return invalid("llm_providers", name,
				fmt.Errorf("%w: unknown provider type %q", ErrInvalidValue, p.Type))
		}
		if p.Model == "" {
			return invalid("llm_providers", name+".model", ErrMissingRequiredField)
		}
	}
	if def := cfg.Defaults.LLMProvider; def != "" && !cfg.LLMProviderRegistry.Has(def) {
		return invalid("defaults", "llm_provider",
			fmt.Errorf("%w: %s", ErrLLMProviderNotFound, def))
	}
	return nil
}

func validateMCPServers(cfg *Config) error {
	for _, id := range cfg.MCPServerRegistry.ServerIDs() {
		s, _ := cfg.MCPServerRegistry.Get(id)
		switch s.Transport.Type {
		case TransportTypeStdio:
			if s.Transport.Command == "" {
				return invalid("mcp_servers", id+".transport.command", ErrMissingRequiredField)
			}
		case TransportTypeHTTP, TransportTypeSSE:
			if s.Transport.URL == "" {
				return invalid("mcp_servers", id+".transport.url", ErrMissingRequiredField)
			}
		default:
			return invalid("mcp_servers", id+".transport.type",
				fmt.Errorf("%w: %q", ErrInvalidValue, s.Transport.Type))
		}
	}
	return nil
}
