package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the structure of stratum.yaml.
type fileConfig struct {
	Defaults     *Defaults                    `yaml:"defaults"`
	Queue        *QueueConfig                 `yaml:"queue"`
	Sandbox      *SandboxConfig               `yaml:"sandbox"`
	Redis        *RedisConfig                 `yaml:"redis"`
	Retention    *RetentionConfig             `yaml:"retention"`
	LLMProviders map[string]*LLMProviderConfig `yaml:"llm_providers"`
	MCPServers   map[string]*MCPServerConfig   `yaml:"mcp_servers"`
}

// Initialize loads, merges, validates, and returns ready-to-use configuration.
//
// Steps:
//  1. Read stratum.yaml from configDir
//  2. Expand {{.ENV_VAR}} references
//  3. Parse YAML
//  4. Merge built-in defaults under user values
//  5. Build registries
//  6. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	fc, err := loadFile(filepath.Join(configDir, "stratum.yaml"))
	if err != nil {
		return nil, err
	}

	if err := applyDefaults(fc); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	cfg := &Config{
		configDir:           configDir,
		Defaults:            fc.Defaults,
		Queue:               fc.Queue,
		Sandbox:             fc.Sandbox,
		Redis:               fc.Redis,
		Retention:           fc.Retention,
		LLMProviderRegistry: NewLLMProviderRegistry(fc.LLMProviders),
		MCPServerRegistry:   NewMCPServerRegistry(fc.MCPServers),
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized",
		"llm_providers", stats.LLMProviders,
		"mcp_servers", stats.MCPServers)
	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	data = ExpandEnv(data)

	fc := &fileConfig{}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidYAML, path, err)
	}
	return fc, nil
}

// applyDefaults merges built-in defaults under any user-provided values.
func applyDefaults(fc *fileConfig) error {
	if fc.Queue == nil {
		fc.Queue = DefaultQueueConfig()
	} else if err := mergo.Merge(fc.Queue, DefaultQueueConfig()); err != nil {
		return err
	}
	if fc.Sandbox == nil {
		fc.Sandbox = DefaultSandboxConfig()
	} else if err := mergo.Merge(fc.Sandbox, DefaultSandboxConfig()); err != nil {
		return err
	}
	if fc.Redis == nil {
		fc.Redis = &RedisConfig{Addr: "localhost:6379"}
	} else if fc.Redis.Addr == "" {
		fc.Redis.Addr = "localhost:6379"
	}
	if fc.Retention == nil {
		fc.Retention = DefaultRetentionConfig()
	} else if err := mergo.Merge(fc.Retention, DefaultRetentionConfig()); err != nil {
		return err
	}
	if fc.Defaults == nil {
		fc.Defaults = &Defaults{}
	}
	if fc.Defaults.MaxToolDepth <= 0 {
		fc.Defaults.MaxToolDepth = 10
	}
	if fc.LLMProviders == nil {
		fc.LLMProviders = map[string]*LLMProviderConfig{}
	}
	if fc.MCPServers == nil {
		fc.MCPServers = map[string]*MCPServerConfig{}
	}
	return nil
}
