package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stratumhq/stratum/pkg/broker"
	"github.com/stratumhq/stratum/pkg/config"
	"github.com/stratumhq/stratum/pkg/models"
)

// JobQueue is the producer side: it serialises jobs onto the broker, tracks
// their status, and supports synchronous waits on completion.
type JobQueue struct {
	broker broker.Broker
	cfg    *config.QueueConfig
	logger *slog.Logger
}

// NewJobQueue creates a producer on the given broker.
func NewJobQueue(b broker.Broker, cfg *config.QueueConfig) *JobQueue {
	return &JobQueue{
		broker: b,
		cfg:    cfg,
		logger: slog.With("component", "job_queue"),
	}
}

// EnqueueFunction queues a function job, optionally delayed.
func (q *JobQueue) EnqueueFunction(ctx context.Context, payload *models.FunctionJobPayload, delay time.Duration) (string, error) {
	return q.enqueue(ctx, models.QueueFunctions, models.JobKindFunction, payload, delay)
}

// EnqueueAgentMessage queues a user message for the agent worker.
func (q *JobQueue) EnqueueAgentMessage(ctx context.Context, payload *models.AgentMessageJobPayload) (string, error) {
	return q.enqueue(ctx, models.QueueAgents, models.JobKindAgentMessage, payload, 0)
}

// EnqueueAgentResume queues the continuation of an approval-paused
// conversation.
func (q *JobQueue) EnqueueAgentResume(ctx context.Context, payload *models.AgentResumeJobPayload) (string, error) {
	return q.enqueue(ctx, models.QueueAgents, models.JobKindAgentResume, payload, 0)
}

func (q *JobQueue) enqueue(ctx context.Context, queueName models.QueueName, kind models.JobKind, payload any, delay time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode job payload: %w", err)
	}
	job := &models.Job{
		JobID:      uuid.NewString(),
		Queue:      queueName,
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now(),
	}
	if delay > 0 {
		t := time.Now().Add(delay)
		job.DeferUntil = &t
	}

	if err := q.setStatus(ctx, job, models.JobStatusQueued, ""); err != nil {
		return "", err
	}

	envelope, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job envelope: %w", err)
	}
	if delay > 0 {
		err = q.broker.PushDeferred(ctx, string(queueName), envelope, delay)
	} else {
		err = q.broker.Push(ctx, string(queueName), envelope)
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}

	q.logger.Info("Job enqueued",
		"job_id", job.JobID, "queue", queueName, "kind", kind, "delay", delay)
	return job.JobID, nil
}

// EnqueueAndWait queues a function job and blocks until the completion
// notice for its execution arrives, the timeout elapses, or ctx is
// cancelled. Subscribing happens before the enqueue so a fast worker cannot
// complete between the two. A missed publish is still recoverable: results
// are stored before the notice is published, so the timeout path re-checks
// the status once.
func (q *JobQueue) EnqueueAndWait(ctx context.Context, payload *models.FunctionJobPayload, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}

	sub, err := q.broker.Subscribe(ctx, broker.DoneChannel(payload.ExecutionID))
	if err != nil {
		return nil, models.WrapError(models.ErrKindInfrastructure, err, "failed to subscribe to completion channel")
	}
	defer func() { _ = sub.Close() }()

	jobID, err := q.EnqueueFunction(ctx, payload, 0)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			if result, err := q.lateResult(ctx, jobID); err == nil {
				return result, nil
			}
			return nil, models.WrapError(models.ErrKindTimeout, ErrWaitTimeout,
				"no completion for execution %s within %s", payload.ExecutionID, timeout)
		case raw, ok := <-sub.Messages():
			if !ok {
				return nil, models.NewError(models.ErrKindInfrastructure, "completion channel closed")
			}
			var notice models.CompletionNotice
			if err := json.Unmarshal(raw, &notice); err != nil {
				q.logger.Warn("Dropping undecodable completion notice",
					"execution_id", payload.ExecutionID, "error", err)
				continue
			}
			if notice.Status == models.ExecutionStatusCompleted {
				return notice.Result, nil
			}
			return nil, models.NewError(models.ErrKindExecutionFailure, "%s", notice.Error)
		}
	}
}

// lateResult covers the race where the publish fired before our timer but
// the result is durably stored.
func (q *JobQueue) lateResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	status, err := q.GetStatus(ctx, jobID)
	if err != nil || status.Status != models.JobStatusCompleted {
		return nil, ErrJobNotFound
	}
	return q.GetResult(ctx, jobID)
}

// GetStatus returns the stored status record for a job.
func (q *JobQueue) GetStatus(ctx context.Context, jobID string) (*models.JobStatusRecord, error) {
	raw, err := q.broker.Get(ctx, broker.StatusKey(jobID))
	if errors.Is(err, broker.ErrKeyNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job status: %w", err)
	}
	var rec models.JobStatusRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode job status: %w", err)
	}
	return &rec, nil
}

// GetResult returns the stored result payload for a job.
func (q *JobQueue) GetResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	raw, err := q.broker.Get(ctx, broker.ResultKey(jobID))
	if errors.Is(err, broker.ErrKeyNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job result: %w", err)
	}
	return raw, nil
}

// DeadLetters returns up to limit DLQ entries, newest first.
func (q *JobQueue) DeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	raws, err := q.broker.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl models.DeadLetter
		if err := json.Unmarshal(raw, &dl); err != nil {
			q.logger.Warn("Skipping undecodable dead letter", "error", err)
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *JobQueue) setStatus(ctx context.Context, job *models.Job, status models.JobStatus, errMsg string) error {
	rec, err := statusRecordFor(job, status)
	if err != nil {
		return err
	}
	rec.Error = errMsg
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode job status: %w", err)
	}
	if err := q.broker.Set(ctx, broker.StatusKey(job.JobID), raw, q.cfg.StatusTTL); err != nil {
		return fmt.Errorf("failed to store job status: %w", err)
	}
	return nil
}
