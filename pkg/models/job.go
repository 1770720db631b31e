package models

import (
	"encoding/json"
	"time"
)

// QueueName identifies one of the two durable work queues.
type QueueName string

// Queue name constants.
const (
	QueueFunctions QueueName = "functions"
	QueueAgents    QueueName = "agents"
)

// JobKind identifies the payload shape carried by a job.
type JobKind string

// Job kind constants.
const (
	JobKindFunction     JobKind = "function"
	JobKindAgentMessage JobKind = "agent_message"
	JobKindAgentResume  JobKind = "agent_resume"
)

// JobStatus tracks a queued job through its lifecycle.
type JobStatus string

// Job status constants.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is the wire-level envelope for one unit of queued work.
// Serialised as JSON into the durable queue; at-least-once delivery.
type Job struct {
	JobID      string          `json:"job_id"`
	Queue      QueueName       `json:"queue"`
	Kind       JobKind         `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	DeferUntil *time.Time      `json:"defer_until,omitempty"`
}

// FunctionJobPayload is the payload for kind=function jobs.
type FunctionJobPayload struct {
	FunctionNamespace string          `json:"function_namespace"`
	FunctionName      string          `json:"function_name"`
	InputData         json.RawMessage `json:"input_data"`
	ExecutionID       string          `json:"execution_id"`
	TriggerType       TriggerType     `json:"trigger_type"`
	TriggerID         string          `json:"trigger_id,omitempty"`
	UserID            string          `json:"user_id"`
	ChatID            string          `json:"chat_id,omitempty"`
	ResumeData        json.RawMessage `json:"resume_data,omitempty"`
}

// AgentMessageJobPayload is the payload for kind=agent_message jobs.
// Provider and Model are optional per-message overrides; the engine falls
// back to the agent's setting and then the system default.
type AgentMessageJobPayload struct {
	ChatID      string          `json:"chat_id"`
	UserID      string          `json:"user_id"`
	Permissions []string        `json:"permissions,omitempty"`
	Content     json.RawMessage `json:"content"`
	ChannelID   string          `json:"channel_id"`
	Provider    string          `json:"provider,omitempty"`
	Model       string          `json:"model,omitempty"`
}

// UserCtx reconstructs the caller identity carried by the job.
func (p *AgentMessageJobPayload) UserCtx() *UserContext {
	return &UserContext{UserID: p.UserID, Permissions: p.Permissions}
}

// AgentResumeJobPayload is the payload for kind=agent_resume jobs.
type AgentResumeJobPayload struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	ChannelID  string `json:"channel_id"`
}

// JobStatusRecord is stored under job:status:<job_id> with a 24h TTL.
type JobStatusRecord struct {
	Status      JobStatus `json:"status"`
	ExecutionID string    `json:"execution_id,omitempty"`
	ChannelID   string    `json:"channel_id,omitempty"`
	Queue       QueueName `json:"queue"`
	Kind        JobKind   `json:"kind"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Error       string    `json:"error,omitempty"`

	// Heartbeat fields for orphan detection. WorkerID identifies the claiming
	// worker; LastHeartbeat is refreshed while the job runs.
	WorkerID      string     `json:"worker_id,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// DeadLetter is the envelope pushed to the queue:dlq list when a job
// exhausts its retry budget.
type DeadLetter struct {
	JobID    string          `json:"job_id"`
	Queue    QueueName       `json:"queue"`
	Kind     JobKind         `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

// CompletionNotice is published exactly once per execution run on the
// job:done:<execution_id> channel.
type CompletionNotice struct {
	Status ExecutionStatus `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
