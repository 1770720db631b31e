package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/store"
)

// StateStore persists agent state as (user_id, namespace, key) rows.
// Set is an upsert: concurrent writers are last-writer-wins.
type StateStore struct {
	pool *pgxpool.Pool
}

var _ store.StateStore = (*StateStore)(nil)

// NewStateStore creates a state store on the given pool.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

func (s *StateStore) Get(ctx context.Context, userID, namespace, key string) (*models.StateRecord, error) {
	var rec models.StateRecord
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, namespace, key, value, updated_at
		FROM agent_state WHERE user_id = $1 AND namespace = $2 AND key = $3`,
		userID, namespace, key).
		Scan(&rec.UserID, &rec.Namespace, &rec.Key, &rec.Value, &rec.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

func (s *StateStore) Set(ctx context.Context, rec *models.StateRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_state (user_id, namespace, key, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, namespace, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		rec.UserID, rec.Namespace, rec.Key, rec.Value)
	return mapErr(err)
}

func (s *StateStore) Delete(ctx context.Context, userID, namespace, key string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM agent_state WHERE user_id = $1 AND namespace = $2 AND key = $3`,
		userID, namespace, key)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *StateStore) List(ctx context.Context, userID, namespace string) ([]*models.StateRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, namespace, key, value, updated_at
		FROM agent_state WHERE user_id = $1 AND namespace = $2 ORDER BY key`,
		userID, namespace)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*models.StateRecord
	for rows.Next() {
		var rec models.StateRecord
		if err := rows.Scan(&rec.UserID, &rec.Namespace, &rec.Key, &rec.Value, &rec.UpdatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
