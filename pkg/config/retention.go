package config

import "time"

// RetentionConfig controls how long durable records are kept before the
// cleanup service prunes them.
type RetentionConfig struct {
	// ExecutionRetention is how long terminal execution records are kept.
	ExecutionRetention time.Duration `yaml:"execution_retention"`

	// ApprovalRetention is how long decided approvals are kept. Pending
	// approvals are never pruned.
	ApprovalRetention time.Duration `yaml:"approval_retention"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		ExecutionRetention: 90 * 24 * time.Hour,
		ApprovalRetention:  30 * 24 * time.Hour,
		CleanupInterval:    time.Hour,
	}
}
