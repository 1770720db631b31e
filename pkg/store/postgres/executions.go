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

// ExecutionStore persists execution records. The execution_id primary key
// makes Create a natural idempotency gate: a duplicate insert reports
// ErrAlreadyExists and the caller loads the existing record instead.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

var _ store.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore creates an execution store on the given pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionColumns = `execution_id, function_namespace, function_name,
	trigger_type, trigger_id, user_id, COALESCE(chat_id, ''), status,
	input_data, output_data, error, traceback,
	pause_prompt, pause_schema, generator_state,
	started_at, completed_at, duration_ms, created_at`

func scanExecution(row pgx.Row) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	var input, output, pauseSchema []byte
	err := row.Scan(
		&rec.ExecutionID, &rec.FunctionNamespace, &rec.FunctionName,
		&rec.TriggerType, &rec.TriggerID, &rec.UserID, &rec.ChatID, &rec.Status,
		&input, &output, &rec.Error, &rec.Traceback,
		&rec.PausePrompt, &pauseSchema, &rec.GeneratorState,
		&rec.StartedAt, &rec.CompletedAt, &rec.DurationMS, &rec.CreatedAt,
	)
	if err != nil {
		return nil, mapErr(err)
	}
	rec.InputData = json.RawMessage(input)
	rec.OutputData = json.RawMessage(output)
	rec.PauseSchema = json.RawMessage(pauseSchema)
	return &rec, nil
}

func (s *ExecutionStore) Create(ctx context.Context, rec *models.ExecutionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (
			execution_id, function_namespace, function_name,
			trigger_type, trigger_id, user_id, chat_id, status,
			input_data, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)`,
		rec.ExecutionID, rec.FunctionNamespace, rec.FunctionName,
		rec.TriggerType, rec.TriggerID, rec.UserID, rec.ChatID, rec.Status,
		[]byte(rec.InputData), rec.StartedAt,
	)
	return mapErr(err)
}

func (s *ExecutionStore) Get(ctx context.Context, executionID string) (*models.ExecutionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE execution_id = $1`,
		executionID)
	return scanExecution(row)
}

// Update rewrites the mutable fields after validating the status transition
// under a row lock. Two workers racing on the same execution serialise here;
// the loser observes the new status and fails the transition check.
func (s *ExecutionStore) Update(ctx context.Context, rec *models.ExecutionRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current models.ExecutionStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM executions WHERE execution_id = $1 FOR UPDATE`,
		rec.ExecutionID).Scan(&current)
	if err != nil {
		return mapErr(err)
	}
	if current != rec.Status && !current.CanTransitionTo(rec.Status) {
		return store.ErrInvalidTransition
	}

	_, err = tx.Exec(ctx, `
		UPDATE executions SET
			status = $2, output_data = $3, error = $4, traceback = $5,
			pause_prompt = $6, pause_schema = $7, generator_state = $8,
			started_at = $9, completed_at = $10, duration_ms = $11
		WHERE execution_id = $1`,
		rec.ExecutionID, rec.Status,
		[]byte(rec.OutputData), rec.Error, rec.Traceback,
		rec.PausePrompt, []byte(rec.PauseSchema), rec.GeneratorState,
		rec.StartedAt, rec.CompletedAt, rec.DurationMS,
	)
	if err != nil {
		return mapErr(err)
	}
	return tx.Commit(ctx)
}

func (s *ExecutionStore) ListAwaitingInput(ctx context.Context, userID, chatID string) ([]*models.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE status = 'awaiting_input' AND user_id = $1 AND chat_id = $2
		ORDER BY created_at`,
		userID, chatID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ExecutionStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM executions
		WHERE status IN ('completed', 'failed') AND created_at < $1`,
		cutoff)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}
