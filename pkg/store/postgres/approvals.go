package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/store"
)

// ApprovalStore persists pending approvals. The UNIQUE constraint on
// tool_call_id guarantees at most one approval per tool call; decisions are
// write-once and enforced under a row lock.
type ApprovalStore struct {
	pool *pgxpool.Pool
}

var _ store.ApprovalStore = (*ApprovalStore)(nil)

// NewApprovalStore creates an approval store on the given pool.
func NewApprovalStore(pool *pgxpool.Pool) *ApprovalStore {
	return &ApprovalStore{pool: pool}
}

func (s *ApprovalStore) Create(ctx context.Context, approval *models.PendingApproval) error {
	snapshot, err := json.Marshal(approval.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode conversation snapshot: %w", err)
	}
	allCalls, err := encodeJSON(approval.AllToolCalls)
	if err != nil {
		return fmt.Errorf("failed to encode tool calls: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approvals (
			approval_id, chat_id, assistant_message_id, user_id,
			tool_call_id, function_ref, arguments, all_tool_calls, snapshot
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		approval.ApprovalID, approval.ChatID, approval.AssistantMessageID,
		approval.UserID, approval.ToolCallID, approval.FunctionRef,
		[]byte(approval.Arguments), allCalls, snapshot)
	return mapErr(err)
}

func (s *ApprovalStore) Get(ctx context.Context, approvalID string) (*models.PendingApproval, error) {
	row := s.pool.QueryRow(ctx, approvalQuery+` WHERE approval_id = $1`, approvalID)
	return scanApproval(row)
}

// Decide records a terminal decision under a row lock so concurrent decisions
// on the same approval cannot both win.
func (s *ApprovalStore) Decide(ctx context.Context, approvalID string, decision models.ApprovalDecision) (*models.PendingApproval, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx,
		`SELECT decision FROM approvals WHERE approval_id = $1 FOR UPDATE`,
		approvalID).Scan(&current)
	if err != nil {
		return nil, mapErr(err)
	}
	if current != "" {
		return nil, store.ErrAlreadyDecided
	}

	_, err = tx.Exec(ctx,
		`UPDATE approvals SET decision = $2, decided_at = now() WHERE approval_id = $1`,
		approvalID, decision)
	if err != nil {
		return nil, mapErr(err)
	}

	approval, err := scanApproval(tx.QueryRow(ctx, approvalQuery+` WHERE approval_id = $1`, approvalID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return approval, nil
}

func (s *ApprovalStore) DeleteDecidedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM approvals
		WHERE decision <> '' AND decided_at < $1`,
		cutoff)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

const approvalQuery = `
	SELECT approval_id, chat_id, assistant_message_id, user_id,
		tool_call_id, function_ref, arguments, all_tool_calls, snapshot,
		decision, created_at, decided_at
	FROM approvals`

func scanApproval(row pgx.Row) (*models.PendingApproval, error) {
	var a models.PendingApproval
	var args, allCalls, snapshot []byte
	err := row.Scan(&a.ApprovalID, &a.ChatID, &a.AssistantMessageID, &a.UserID,
		&a.ToolCallID, &a.FunctionRef, &args, &allCalls, &snapshot,
		&a.Decision, &a.CreatedAt, &a.DecidedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	a.Arguments = json.RawMessage(args)
	if err := decodeJSON(allCalls, &a.AllToolCalls); err != nil {
		return nil, fmt.Errorf("failed to decode tool calls: %w", err)
	}
	if err := json.Unmarshal(snapshot, &a.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode conversation snapshot: %w", err)
	}
	return &a, nil
}
