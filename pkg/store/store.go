// Package store defines the persistence interfaces the execution core
// consumes. The core never talks to a database directly; it sees resource
// records (agents, functions, skills), execution records, chats, pending
// approvals, and agent state through these interfaces. Implementations live
// in store/postgres (production) and store/memory (tests, single-node dev).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stratumhq/stratum/pkg/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a uniqueness constraint was violated.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrAlreadyDecided indicates a terminal decision was already recorded
	// for a pending approval.
	ErrAlreadyDecided = errors.New("approval already decided")

	// ErrInvalidTransition indicates an execution status update that the
	// state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ResourceStore returns the declarative agent/function/skill records.
// Object modelling and versioning happen outside the core.
type ResourceStore interface {
	GetAgent(ctx context.Context, namespace, name string) (*models.Agent, error)
	GetFunction(ctx context.Context, namespace, name string) (*models.Function, error)
	GetSkill(ctx context.Context, namespace, name string) (*models.Skill, error)

	PutAgent(ctx context.Context, agent *models.Agent) error
	PutFunction(ctx context.Context, fn *models.Function) error
	PutSkill(ctx context.Context, skill *models.Skill) error
}

// ExecutionStore persists execution records. Concurrent writers to the same
// execution_id are forbidden; the unique key makes retries idempotent.
type ExecutionStore interface {
	// Create inserts a new record. Returns ErrAlreadyExists when the
	// execution_id is taken (the caller then loads the existing record).
	Create(ctx context.Context, rec *models.ExecutionRecord) error

	Get(ctx context.Context, executionID string) (*models.ExecutionRecord, error)

	// Update overwrites the mutable fields of an existing record after
	// checking the status transition against the lifecycle state machine.
	Update(ctx context.Context, rec *models.ExecutionRecord) error

	// ListAwaitingInput returns executions paused for user input in a chat.
	ListAwaitingInput(ctx context.Context, userID, chatID string) ([]*models.ExecutionRecord, error)

	// DeleteTerminalBefore removes completed and failed records created
	// before the cutoff. Returns the number of records removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ChatStore persists chats and their ordered message transcripts.
type ChatStore interface {
	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)

	AppendMessage(ctx context.Context, msg *models.Message) error

	// ListMessages returns messages ordered by created_at ascending.
	// limit <= 0 means no limit.
	ListMessages(ctx context.Context, chatID string, limit int) ([]*models.Message, error)
}

// ApprovalStore persists pending approvals for privileged tool calls.
type ApprovalStore interface {
	Create(ctx context.Context, approval *models.PendingApproval) error
	Get(ctx context.Context, approvalID string) (*models.PendingApproval, error)

	// Decide records a terminal decision. Returns ErrAlreadyDecided when a
	// decision exists; decisions are immutable.
	Decide(ctx context.Context, approvalID string, decision models.ApprovalDecision) (*models.PendingApproval, error)

	// DeleteDecidedBefore removes decided approvals whose decision was
	// recorded before the cutoff. Pending approvals are never touched.
	DeleteDecidedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// StateStore persists the key/value records agents read and write through
// state tools. Writes under the same (user, namespace, key) are
// last-writer-wins.
type StateStore interface {
	Get(ctx context.Context, userID, namespace, key string) (*models.StateRecord, error)
	Set(ctx context.Context, rec *models.StateRecord) error
	Delete(ctx context.Context, userID, namespace, key string) error
	List(ctx context.Context, userID, namespace string) ([]*models.StateRecord, error)
}

// Stores bundles every persistence interface for wiring convenience.
type Stores struct {
	Resources  ResourceStore
	Executions ExecutionStore
	Chats      ChatStore
	Approvals  ApprovalStore
	State      StateStore
}
