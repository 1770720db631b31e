package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stratumhq/stratum/pkg/broker"
	"github.com/stratumhq/stratum/pkg/config"
	"github.com/stratumhq/stratum/pkg/models"
)

// WorkerPool runs the configured number of workers per queue plus the
// orphan scanner. Handlers are registered before Start.
type WorkerPool struct {
	podID   string
	broker  broker.Broker
	cfg     *config.QueueConfig
	workers []*Worker

	mu       sync.RWMutex
	handlers map[models.JobKind]Handler
	started  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorkerPool creates a pool identified by podID (used in worker ids and
// status records so orphans can be traced to a process).
func NewWorkerPool(podID string, b broker.Broker, cfg *config.QueueConfig) *WorkerPool {
	return &WorkerPool{
		podID:    podID,
		broker:   b,
		cfg:      cfg,
		handlers: make(map[models.JobKind]Handler),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler binds a job kind to its handler. Must be called before
// Start.
func (p *WorkerPool) RegisterHandler(kind models.JobKind, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// Start spawns the per-queue workers and the orphan scanner. Safe to call
// once; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true
	p.mu.Unlock()

	slog.Info("Starting worker pool",
		"pod_id", p.podID,
		"function_concurrency", p.cfg.FunctionConcurrency,
		"agent_concurrency", p.cfg.AgentConcurrency)

	spawn := func(queue models.QueueName, count int) {
		for i := 0; i < count; i++ {
			id := fmt.Sprintf("%s-%s-%d", p.podID, queue, i)
			w := NewWorker(id, queue, p.broker, p.cfg, p.handlers)
			p.workers = append(p.workers, w)
			w.Start(ctx)
		}
	}
	spawn(models.QueueFunctions, p.cfg.FunctionConcurrency)
	spawn(models.QueueAgents, p.cfg.AgentConcurrency)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanScan(ctx)
	}()

	slog.Info("Worker pool started", "workers", len(p.workers))
	return nil
}

// Stop drains the workers gracefully: each finishes its current job. The
// drain is bounded by GracefulShutdownTimeout; whatever is still running
// past the deadline is abandoned to the orphan scanner of a healthy pod.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully", "pod_id", p.podID)
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		for _, w := range p.workers {
			w.Stop()
		}
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		slog.Warn("Worker pool drain timed out, abandoning in-flight jobs",
			"timeout", p.cfg.GracefulShutdownTimeout)
	}
}

// Health returns a snapshot of every worker.
func (p *WorkerPool) Health() []WorkerHealth {
	out := make([]WorkerHealth, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.Health())
	}
	return out
}

// runOrphanScan periodically fails jobs whose worker stopped heartbeating.
// Every pod runs this; the operations are idempotent.
func (p *WorkerPool) runOrphanScan(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.scanOrphans(ctx); err != nil {
				slog.Error("Orphan scan failed", "error", err)
			}
		}
	}
}

// scanOrphans marks running jobs with stale heartbeats as failed and
// publishes a failure notice so synchronous waiters unblock. The job itself
// is lost with its worker; re-running it is the caller's decision because
// the executor's idempotency only holds per execution_id.
func (p *WorkerPool) scanOrphans(ctx context.Context) error {
	keys, err := p.broker.Keys(ctx, "job:status:*")
	if err != nil {
		return fmt.Errorf("failed to list job statuses: %w", err)
	}

	threshold := time.Now().Add(-p.cfg.OrphanThreshold)
	recovered := 0
	for _, key := range keys {
		raw, err := p.broker.Get(ctx, key)
		if err != nil {
			continue // expired between scan and read
		}
		var rec models.JobStatusRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Status != models.JobStatusRunning ||
			rec.LastHeartbeat == nil || rec.LastHeartbeat.After(threshold) {
			continue
		}

		rec.Status = models.JobStatusFailed
		rec.Error = fmt.Sprintf("orphaned: worker %s stopped heartbeating", rec.WorkerID)
		updated, err := json.Marshal(&rec)
		if err != nil {
			continue
		}
		if err := p.broker.Set(ctx, key, updated, p.cfg.StatusTTL); err != nil {
			slog.Error("Failed to mark orphaned job", "key", key, "error", err)
			continue
		}
		if rec.ExecutionID != "" {
			notice, _ := json.Marshal(&models.CompletionNotice{
				Status: models.ExecutionStatusFailed,
				Error:  rec.Error,
			})
			_ = p.broker.Publish(ctx, broker.DoneChannel(rec.ExecutionID), notice)
		}
		recovered++
		slog.Warn("Recovered orphaned job", "key", key, "worker_id", rec.WorkerID)
	}

	if recovered > 0 {
		slog.Info("Orphan scan recovered jobs", "count", recovered)
	}
	return nil
}
