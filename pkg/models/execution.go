// Package models defines the domain types shared across the execution core:
// execution records, queued jobs, chats and messages, pending approvals, and
// the declarative agent/function resources the core consumes.
package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus tracks an invocation from creation to a terminal state.
type ExecutionStatus string

// Execution status constants.
const (
	ExecutionStatusPending       ExecutionStatus = "pending"
	ExecutionStatusRunning       ExecutionStatus = "running"
	ExecutionStatusAwaitingInput ExecutionStatus = "awaiting_input"
	ExecutionStatusCompleted     ExecutionStatus = "completed"
	ExecutionStatusFailed        ExecutionStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// CanTransitionTo reports whether the status machine permits moving to next.
// Allowed: pending→running, running→{completed,failed,awaiting_input},
// awaiting_input→running.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case ExecutionStatusPending:
		return next == ExecutionStatusRunning
	case ExecutionStatusRunning:
		return next == ExecutionStatusCompleted ||
			next == ExecutionStatusFailed ||
			next == ExecutionStatusAwaitingInput
	case ExecutionStatusAwaitingInput:
		return next == ExecutionStatusRunning
	default:
		return false
	}
}

// TriggerType identifies what initiated a function invocation.
type TriggerType string

// Trigger type constants.
const (
	TriggerAPI      TriggerType = "api"
	TriggerAgent    TriggerType = "agent"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
	TriggerManual   TriggerType = "manual"
)

// ExecutionRecord is the durable row tracking one function invocation.
// The execution ID is stable across queue retries: a retry that finds the
// record already completed returns the stored result without re-running.
type ExecutionRecord struct {
	ExecutionID       string          `json:"execution_id"`
	FunctionNamespace string          `json:"function_namespace"`
	FunctionName      string          `json:"function_name"`
	TriggerType       TriggerType     `json:"trigger_type"`
	TriggerID         string          `json:"trigger_id,omitempty"`
	UserID            string          `json:"user_id"`
	ChatID            string          `json:"chat_id,omitempty"`
	Status            ExecutionStatus `json:"status"`
	InputData         json.RawMessage `json:"input_data,omitempty"`
	OutputData        json.RawMessage `json:"output_data,omitempty"`
	Error             string          `json:"error,omitempty"`
	Traceback         string          `json:"traceback,omitempty"`

	// Pause state for resumable functions: the prompt and schema shown to
	// the user, plus the opaque cursor the function handed back when it
	// yielded. The cursor is passed through verbatim on resume.
	PausePrompt    string          `json:"pause_prompt,omitempty"`
	PauseSchema    json.RawMessage `json:"pause_schema,omitempty"`
	GeneratorState []byte          `json:"generator_state,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// FunctionRef returns the "namespace/name" reference for this execution.
func (r *ExecutionRecord) FunctionRef() string {
	return r.FunctionNamespace + "/" + r.FunctionName
}
