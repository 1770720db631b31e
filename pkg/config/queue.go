package config

import "time"

// QueueConfig controls job dispatch, retries, and worker parallelism.
type QueueConfig struct {
	// FunctionConcurrency is the worker count for the functions queue.
	FunctionConcurrency int `yaml:"queue_function_concurrency"`

	// AgentConcurrency is the worker count for the agents queue.
	AgentConcurrency int `yaml:"queue_agent_concurrency"`

	// DefaultTimeout is the EnqueueAndWait deadline.
	DefaultTimeout time.Duration `yaml:"queue_default_timeout"`

	// MaxRetries is how many times a failed job is retried before the DLQ.
	MaxRetries int `yaml:"queue_max_retries"`

	// RetryDelay is the base delay before a retry; doubled per attempt and
	// capped at RetryDelayCap.
	RetryDelay    time.Duration `yaml:"queue_retry_delay"`
	RetryDelayCap time.Duration `yaml:"queue_retry_delay_cap"`

	// JobTimeout bounds a single job execution; expiry cancels the work.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// StatusTTL is the retention of job:status and job:result keys.
	StatusTTL time.Duration `yaml:"status_ttl"`

	// PollInterval is the base interval for blocking queue pops.
	PollInterval time.Duration `yaml:"poll_interval"`

	// HeartbeatInterval refreshes the status record of a running job.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanScanInterval is how often to look for jobs whose worker died.
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`

	// OrphanThreshold is the heartbeat age past which a running job is
	// considered orphaned and failed.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// GracefulShutdownTimeout bounds the worker drain on shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		FunctionConcurrency:     5,
		AgentConcurrency:        3,
		DefaultTimeout:          60 * time.Second,
		MaxRetries:              2,
		RetryDelay:              2 * time.Second,
		RetryDelayCap:           60 * time.Second,
		JobTimeout:              10 * time.Minute,
		StatusTTL:               24 * time.Hour,
		PollInterval:            time.Second,
		HeartbeatInterval:       15 * time.Second,
		OrphanScanInterval:      time.Minute,
		OrphanThreshold:         2 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}
