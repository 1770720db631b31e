package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum/pkg/config"
	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/store"
	"github.com/stratumhq/stratum/pkg/store/memory"
)

func TestRunAll_PrunesOldTerminalExecutions(t *testing.T) {
	ctx := context.Background()
	stores := memory.New()

	old := &models.ExecutionRecord{
		ExecutionID:       "exec-old",
		FunctionNamespace: "tools",
		FunctionName:      "fetch",
		UserID:            "u1",
		Status:            models.ExecutionStatusCompleted,
		CreatedAt:         time.Now().Add(-48 * time.Hour),
	}
	recent := &models.ExecutionRecord{
		ExecutionID:       "exec-recent",
		FunctionNamespace: "tools",
		FunctionName:      "fetch",
		UserID:            "u1",
		Status:            models.ExecutionStatusCompleted,
		CreatedAt:         time.Now(),
	}
	paused := &models.ExecutionRecord{
		ExecutionID:       "exec-paused",
		FunctionNamespace: "tools",
		FunctionName:      "fetch",
		UserID:            "u1",
		Status:            models.ExecutionStatusAwaitingInput,
		CreatedAt:         time.Now().Add(-48 * time.Hour),
	}
	for _, rec := range []*models.ExecutionRecord{old, recent, paused} {
		require.NoError(t, stores.Executions.Create(ctx, rec))
	}

	svc := NewService(&config.RetentionConfig{
		ExecutionRetention: 24 * time.Hour,
		ApprovalRetention:  24 * time.Hour,
		CleanupInterval:    time.Hour,
	}, stores)
	svc.runAll(ctx)

	_, err := stores.Executions.Get(ctx, "exec-old")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = stores.Executions.Get(ctx, "exec-recent")
	require.NoError(t, err)
	// Paused executions outlive the retention window: the user may still
	// come back to resume them.
	_, err = stores.Executions.Get(ctx, "exec-paused")
	require.NoError(t, err)
}

func TestRunAll_PrunesDecidedApprovals(t *testing.T) {
	ctx := context.Background()
	stores := memory.New()

	decided := &models.PendingApproval{
		ApprovalID:  "ap-decided",
		ChatID:      "chat-1",
		UserID:      "u1",
		ToolCallID:  "tc-1",
		FunctionRef: "ops/delete_user",
		CreatedAt:   time.Now().Add(-72 * time.Hour),
	}
	pending := &models.PendingApproval{
		ApprovalID:  "ap-pending",
		ChatID:      "chat-1",
		UserID:      "u1",
		ToolCallID:  "tc-2",
		FunctionRef: "ops/delete_user",
		CreatedAt:   time.Now().Add(-72 * time.Hour),
	}
	require.NoError(t, stores.Approvals.Create(ctx, decided))
	require.NoError(t, stores.Approvals.Create(ctx, pending))
	_, err := stores.Approvals.Decide(ctx, "ap-decided", models.ApprovalApproved)
	require.NoError(t, err)

	svc := NewService(&config.RetentionConfig{
		ExecutionRetention: 24 * time.Hour,
		ApprovalRetention:  -time.Minute, // cutoff in the future, prunes fresh decisions
		CleanupInterval:    time.Hour,
	}, stores)
	svc.runAll(ctx)

	_, err = stores.Approvals.Get(ctx, "ap-decided")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = stores.Approvals.Get(ctx, "ap-pending")
	require.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	stores := memory.New()
	svc := NewService(&config.RetentionConfig{
		ExecutionRetention: 24 * time.Hour,
		ApprovalRetention:  24 * time.Hour,
		CleanupInterval:    50 * time.Millisecond,
	}, stores)

	svc.Start(context.Background())
	time.Sleep(120 * time.Millisecond)
	svc.Stop()

	// Stop again is a no-op.
	svc.Stop()
}
