package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stratumhq/stratum/pkg/broker"
	"github.com/stratumhq/stratum/pkg/config"
	"github.com/stratumhq/stratum/pkg/models"
)

// Worker polls one queue and processes jobs through registered handlers.
// Failed function jobs retry with capped exponential backoff until the DLQ;
// agent jobs are never retried because replaying a conversation replays its
// side effects.
type Worker struct {
	id       string
	queue    models.QueueName
	broker   broker.Broker
	cfg      *config.QueueConfig
	handlers map[models.JobKind]Handler
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking.
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a queue worker. Handlers are shared across workers.
func NewWorker(id string, queue models.QueueName, b broker.Broker, cfg *config.QueueConfig, handlers map[models.JobKind]Handler) *Worker {
	return &Worker{
		id:           id,
		queue:        queue,
		broker:       b,
		cfg:          cfg,
		handlers:     handlers,
		logger:       slog.With("worker_id", id, "queue", queue),
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker and waits for the in-flight job to finish.
// Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns a snapshot of this worker.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Queue:         string(w.queue),
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, broker.ErrNoJob) {
					continue
				}
				w.logger.Error("Error processing job", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Deferred jobs ride the same queue once due; promotion is idempotent
	// across workers.
	if err := w.broker.PromoteDeferred(ctx, string(w.queue)); err != nil {
		w.logger.Warn("Deferred promotion failed", "error", err)
	}

	payload, err := w.broker.Pop(ctx, string(w.queue), w.cfg.PollInterval)
	if err != nil {
		return err
	}

	var job models.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("failed to decode job envelope: %w", err)
	}
	w.process(ctx, &job)
	return nil
}

func (w *Worker) process(ctx context.Context, job *models.Job) {
	log := w.logger.With("job_id", job.JobID, "kind", job.Kind, "attempt", job.Attempt)

	w.setWorking(job.JobID)
	defer w.setIdle()

	if err := w.markRunning(ctx, job); err != nil {
		log.Error("Failed to mark job running", "error", err)
	}

	// Heartbeats keep the status fresh so the orphan scanner can tell a
	// slow job from a dead worker.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	w.wg.Add(1)
	go w.heartbeat(hbCtx, job)

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	result, err := w.dispatch(jobCtx, job)
	cancel()
	stopHeartbeat()

	if err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			err = models.WrapError(models.ErrKindTimeout, err, "job timed out after %s", w.cfg.JobTimeout)
		}
		w.handleFailure(ctx, job, err, log)
		return
	}

	w.complete(ctx, job, result, log)
}

func (w *Worker) dispatch(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	handler, ok := w.handlers[job.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, job.Kind)
	}
	return handler.Handle(ctx, job)
}

// complete stores the result, marks the status, and only then publishes the
// completion notice. Callers that miss the publish can poll status.
func (w *Worker) complete(ctx context.Context, job *models.Job, result json.RawMessage, log *slog.Logger) {
	if result != nil {
		if err := w.broker.Set(ctx, broker.ResultKey(job.JobID), result, w.cfg.StatusTTL); err != nil {
			log.Error("Failed to store job result", "error", err)
		}
	}
	if err := w.setJobStatus(ctx, job, models.JobStatusCompleted, ""); err != nil {
		log.Error("Failed to mark job completed", "error", err)
	}
	w.publishCompletion(ctx, job, &models.CompletionNotice{
		Status: models.ExecutionStatusCompleted,
		Result: result,
	})
	log.Info("Job completed")
}

func (w *Worker) handleFailure(ctx context.Context, job *models.Job, jobErr error, log *slog.Logger) {
	retryable := job.Kind == models.JobKindFunction && models.IsRetryable(jobErr)
	if retryable && job.Attempt < w.cfg.MaxRetries {
		job.Attempt++
		delay := w.backoff(job.Attempt)
		log.Warn("Job failed, scheduling retry", "error", jobErr, "delay", delay)

		envelope, err := json.Marshal(job)
		if err != nil {
			log.Error("Failed to re-encode job for retry", "error", err)
			return
		}
		if err := w.setJobStatus(ctx, job, models.JobStatusQueued, jobErr.Error()); err != nil {
			log.Error("Failed to mark job queued for retry", "error", err)
		}
		if err := w.broker.PushDeferred(ctx, string(job.Queue), envelope, delay); err != nil {
			log.Error("Failed to schedule retry", "error", err)
		}
		return
	}

	log.Error("Job failed terminally", "error", jobErr, "attempts", job.Attempt+1)

	dl := models.DeadLetter{
		JobID:    job.JobID,
		Queue:    job.Queue,
		Kind:     job.Kind,
		Payload:  job.Payload,
		Error:    jobErr.Error(),
		Attempts: job.Attempt + 1,
		FailedAt: time.Now(),
	}
	if raw, err := json.Marshal(dl); err == nil {
		if err := w.broker.PushDeadLetter(ctx, raw); err != nil {
			log.Error("Failed to push dead letter", "error", err)
		}
	}
	if err := w.setJobStatus(ctx, job, models.JobStatusFailed, jobErr.Error()); err != nil {
		log.Error("Failed to mark job failed", "error", err)
	}
	w.publishCompletion(ctx, job, &models.CompletionNotice{
		Status: models.ExecutionStatusFailed,
		Error:  jobErr.Error(),
	})
}

// backoff doubles the base delay per attempt, capped.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.cfg.RetryDelayCap {
			return w.cfg.RetryDelayCap
		}
	}
	if delay > w.cfg.RetryDelayCap {
		delay = w.cfg.RetryDelayCap
	}
	return delay
}

// publishCompletion notifies waiters on the execution's done channel.
// Only function jobs have one; agent jobs stream through the relay instead.
func (w *Worker) publishCompletion(ctx context.Context, job *models.Job, notice *models.CompletionNotice) {
	if job.Kind != models.JobKindFunction {
		return
	}
	rec, err := statusRecordFor(job, models.JobStatusCompleted)
	if err != nil || rec.ExecutionID == "" {
		return
	}
	raw, err := json.Marshal(notice)
	if err != nil {
		return
	}
	if err := w.broker.Publish(ctx, broker.DoneChannel(rec.ExecutionID), raw); err != nil {
		w.logger.Warn("Failed to publish completion notice",
			"execution_id", rec.ExecutionID, "error", err)
	}
}

func (w *Worker) markRunning(ctx context.Context, job *models.Job) error {
	return w.setJobStatus(ctx, job, models.JobStatusRunning, "")
}

func (w *Worker) setJobStatus(ctx context.Context, job *models.Job, status models.JobStatus, errMsg string) error {
	rec, err := statusRecordFor(job, status)
	if err != nil {
		return err
	}
	rec.Error = errMsg
	if status == models.JobStatusRunning {
		now := time.Now()
		rec.WorkerID = w.id
		rec.LastHeartbeat = &now
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode job status: %w", err)
	}
	return w.broker.Set(ctx, broker.StatusKey(job.JobID), raw, w.cfg.StatusTTL)
}

func (w *Worker) heartbeat(ctx context.Context, job *models.Job) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.markRunning(ctx, job); err != nil {
				w.logger.Warn("Heartbeat failed", "job_id", job.JobID, "error", err)
			}
		}
	}
}

func (w *Worker) setWorking(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = WorkerStatusWorking
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}

func (w *Worker) setIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = WorkerStatusIdle
	w.currentJobID = ""
	w.jobsProcessed++
	w.lastActivity = time.Now()
}
