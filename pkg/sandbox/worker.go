package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/stratumhq/stratum/pkg/config"
)

// workerNamePrefix is the naming scheme for shared worker containers.
const workerNamePrefix = "worker-"

// Worker is one long-running trusted container. Workers keep interpreter
// state warm between calls and are never scrubbed; only trusted,
// platform-owned functions run here.
type Worker struct {
	Name        string
	ContainerID string
	CreatedAt   time.Time

	// One execution at a time per worker: the IPC files are per container.
	mu sync.Mutex
}

// SharedWorkerPool hosts shared workers for functions marked shared_pool,
// picked round-robin. Recycling happens only through Scale or restart.
type SharedWorkerPool struct {
	cfg     *config.SandboxConfig
	runtime ContainerRuntime
	logger  *slog.Logger

	mu      sync.Mutex
	workers []*Worker
	next    int
	nextID  int
}

// NewSharedWorkerPool creates an uninitialized worker pool.
func NewSharedWorkerPool(cfg *config.SandboxConfig, runtime ContainerRuntime) *SharedWorkerPool {
	return &SharedWorkerPool{
		cfg:     cfg,
		runtime: runtime,
		logger:  slog.With("component", "shared_worker_pool"),
	}
}

// Initialize adopts existing worker containers and scales to the configured
// default count. Idempotent across restarts.
func (p *SharedWorkerPool) Initialize(ctx context.Context) error {
	existing, err := p.runtime.List(ctx, workerNamePrefix)
	if err != nil {
		return fmt.Errorf("failed to discover shared workers: %w", err)
	}

	maxSuffix := 0
	for _, info := range existing {
		suffix, err := strconv.Atoi(info.Name[len(workerNamePrefix):])
		if err != nil {
			continue
		}
		if suffix > maxSuffix {
			maxSuffix = suffix
		}
		if !info.Running {
			if err := p.runtime.Start(ctx, info.ID); err != nil {
				p.logger.Warn("Failed to restart worker, destroying", "name", info.Name, "error", err)
				_ = p.runtime.Destroy(ctx, info.ID)
				continue
			}
		}
		p.mu.Lock()
		p.workers = append(p.workers, &Worker{
			Name:        info.Name,
			ContainerID: info.ID,
			CreatedAt:   info.Created,
		})
		p.mu.Unlock()
	}
	p.mu.Lock()
	p.nextID = maxSuffix + 1
	p.mu.Unlock()

	if err := p.Scale(ctx, p.cfg.DefaultWorkerCount); err != nil {
		return err
	}
	p.logger.Info("Shared worker pool initialized", "workers", len(p.ListWorkers()))
	return nil
}

// ListWorkers returns the current worker names.
func (p *SharedWorkerPool) ListWorkers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.Name
	}
	return out
}

// Scale grows or shrinks the worker set to n containers.
func (p *SharedWorkerPool) Scale(ctx context.Context, n int) error {
	for {
		p.mu.Lock()
		count := len(p.workers)
		p.mu.Unlock()

		switch {
		case count < n:
			p.mu.Lock()
			name := workerNamePrefix + strconv.Itoa(p.nextID)
			p.nextID++
			p.mu.Unlock()

			id, err := p.runtime.Create(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to create worker %s: %w", name, err)
			}
			p.mu.Lock()
			p.workers = append(p.workers, &Worker{
				Name:        name,
				ContainerID: id,
				CreatedAt:   time.Now(),
			})
			p.mu.Unlock()
			p.logger.Info("Created shared worker", "name", name)

		case count > n:
			p.mu.Lock()
			w := p.workers[len(p.workers)-1]
			p.workers = p.workers[:len(p.workers)-1]
			p.mu.Unlock()

			// Wait out an in-flight execution before destroying.
			w.mu.Lock()
			err := p.runtime.Destroy(ctx, w.ContainerID)
			w.mu.Unlock()
			if err != nil {
				return fmt.Errorf("failed to destroy worker %s: %w", w.Name, err)
			}
			p.logger.Info("Destroyed shared worker", "name", w.Name)

		default:
			return nil
		}
	}
}

// ReloadPackages installs the approved package set into every worker.
func (p *SharedWorkerPool) ReloadPackages(ctx context.Context) error {
	p.mu.Lock()
	snapshot := make([]*Worker, len(p.workers))
	copy(snapshot, p.workers)
	p.mu.Unlock()

	for _, w := range snapshot {
		w.mu.Lock()
		_, err := runIPC(ctx, p.runtime, w.ContainerID, &ExecRequest{Action: ActionLoadFunctions}, p.cfg.FunctionTimeout)
		w.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to reload packages in %s: %w", w.Name, err)
		}
	}
	return nil
}

// Execute runs one request on the next worker round-robin. The worker is not
// released or recycled afterwards.
func (p *SharedWorkerPool) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	p.mu.Lock()
	if len(p.workers) == 0 {
		p.mu.Unlock()
		return nil, ErrNoWorkers
	}
	w := p.workers[p.next%len(p.workers)]
	p.next++
	p.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	return runIPC(ctx, p.runtime, w.ContainerID, req, p.cfg.FunctionTimeout)
}

// Shutdown destroys every worker.
func (p *SharedWorkerPool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		if err := p.runtime.Destroy(ctx, w.ContainerID); err != nil {
			p.logger.Error("Failed to destroy worker", "name", w.Name, "error", err)
		}
	}
	p.logger.Info("Shared worker pool shut down")
}
