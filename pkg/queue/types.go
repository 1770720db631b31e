// Package queue dispatches function and agent work to background workers
// over the broker: durable at-least-once delivery, per-queue concurrency,
// retries with capped backoff, a dead-letter sink, status/result tracking,
// and synchronous enqueue-and-wait.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stratumhq/stratum/pkg/models"
)

var (
	// ErrJobNotFound indicates an unknown or expired job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrWaitTimeout indicates EnqueueAndWait's deadline passed before the
	// completion notice arrived.
	ErrWaitTimeout = errors.New("timed out waiting for job completion")

	// ErrNoHandler indicates a job kind with no registered handler.
	ErrNoHandler = errors.New("no handler registered for job kind")
)

// Handler processes one job and returns its result payload. The queue layer
// stores the result, updates status, and publishes the completion notice;
// handlers only run the work.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *models.Job) (json.RawMessage, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is a snapshot of one worker for the health surface.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Queue         string       `json:"queue"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// statusRecordFor builds the stored status record for a job, extracting the
// execution and channel ids from the kind-specific payload.
func statusRecordFor(job *models.Job, status models.JobStatus) (*models.JobStatusRecord, error) {
	rec := &models.JobStatusRecord{
		Status:     status,
		Queue:      job.Queue,
		Kind:       job.Kind,
		EnqueuedAt: job.EnqueuedAt,
	}
	switch job.Kind {
	case models.JobKindFunction:
		var p models.FunctionJobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode function payload: %w", err)
		}
		rec.ExecutionID = p.ExecutionID
		rec.ChannelID = ""
	case models.JobKindAgentMessage:
		var p models.AgentMessageJobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode agent message payload: %w", err)
		}
		rec.ChannelID = p.ChannelID
	case models.JobKindAgentResume:
		var p models.AgentResumeJobPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode agent resume payload: %w", err)
		}
		rec.ChannelID = p.ChannelID
	}
	return rec, nil
}
