package config

import "time"

// SandboxConfig controls the pooled sandbox containers and the shared
// trusted worker containers.
type SandboxConfig struct {
	// Image is the container image run for both pooled sandboxes and
	// shared workers. The image ships the in-container executor that
	// speaks the file-based IPC protocol.
	Image string `yaml:"image"`

	// PoolMinSize is the minimum number of warm containers maintained.
	PoolMinSize int `yaml:"pool_min_size"`

	// PoolMaxSize is the hard ceiling on containers (idle + in-use).
	PoolMaxSize int `yaml:"pool_max_size"`

	// PoolMinIdle triggers replenishment when the idle count drops below it.
	PoolMinIdle int `yaml:"pool_min_idle"`

	// PoolMaxExecutions recycles a container after this many executions.
	PoolMaxExecutions int `yaml:"pool_max_executions"`

	// PoolAcquireTimeout bounds how long Acquire blocks on an empty pool.
	PoolAcquireTimeout time.Duration `yaml:"pool_acquire_timeout"`

	// FunctionTimeout is the per-execution wall-clock limit.
	FunctionTimeout time.Duration `yaml:"function_timeout"`

	// Resource caps applied to every sandbox container.
	MaxFunctionMemory  int64   `yaml:"max_function_memory"`  // bytes
	MaxFunctionCPU     float64 `yaml:"max_function_cpu"`     // cores
	MaxFunctionStorage int64   `yaml:"max_function_storage"` // bytes

	// DockerNetwork attaches sandbox containers to a specific network.
	DockerNetwork string `yaml:"docker_network,omitempty"`

	// DefaultWorkerCount is the initial shared (trusted) worker count.
	DefaultWorkerCount int `yaml:"default_worker_count"`

	// ReplenishInterval is the fallback wake interval of the replenish loop.
	ReplenishInterval time.Duration `yaml:"replenish_interval"`

	// HealthInterval is how often idle containers are health-checked.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// DefaultSandboxConfig returns the built-in sandbox defaults.
func DefaultSandboxConfig() *SandboxConfig {
	return &SandboxConfig{
		Image:              "stratum/sandbox:latest",
		PoolMinSize:        2,
		PoolMaxSize:        10,
		PoolMinIdle:        1,
		PoolMaxExecutions:  50,
		PoolAcquireTimeout: 30 * time.Second,
		FunctionTimeout:    5 * time.Minute,
		MaxFunctionMemory:  512 << 20,
		MaxFunctionCPU:     1.0,
		MaxFunctionStorage: 1 << 30,
		DefaultWorkerCount: 2,
		ReplenishInterval:  30 * time.Second,
		HealthInterval:     60 * time.Second,
	}
}
