// Package postgres implements the store interfaces on PostgreSQL via pgx.
// All repositories share an externally-owned pool; the caller creates and
// closes it through the database client.
package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratumhq/stratum/pkg/store"
)

// New builds a Stores bundle backed by the given pool.
func New(pool *pgxpool.Pool) *store.Stores {
	return &store.Stores{
		Resources:  NewResourceStore(pool),
		Executions: NewExecutionStore(pool),
		Chats:      NewChatStore(pool),
		Approvals:  NewApprovalStore(pool),
		State:      NewStateStore(pool),
	}
}

const uniqueViolation = "23505"

// mapErr translates pgx errors into the store sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return store.ErrAlreadyExists
	}
	return err
}
