// Package cleanup enforces data retention on the durable stores.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/stratumhq/stratum/pkg/config"
	"github.com/stratumhq/stratum/pkg/store"
)

// Service periodically enforces retention policies:
//   - Removes terminal execution records past their retention window
//   - Removes decided approvals past their retention window
//
// Pending approvals and non-terminal executions are never touched. All
// operations are idempotent and safe to run from multiple pods.
type Service struct {
	config *config.RetentionConfig
	stores *store.Stores
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, stores *store.Stores) *Service {
	return &Service{
		config: cfg,
		stores: stores,
		logger: slog.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"execution_retention", s.config.ExecutionRetention,
		"approval_retention", s.config.ApprovalRetention,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneExecutions(ctx)
	s.pruneApprovals(ctx)
}

func (s *Service) pruneExecutions(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.ExecutionRetention)
	count, err := s.stores.Executions.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: execution prune failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: pruned terminal executions", "count", count)
	}
}

func (s *Service) pruneApprovals(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.ApprovalRetention)
	count, err := s.stores.Approvals.DeleteDecidedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: approval prune failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: pruned decided approvals", "count", count)
	}
}
