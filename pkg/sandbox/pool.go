package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stratumhq/stratum/pkg/config"
)

// poolNamePrefix is the naming scheme for pooled sandbox containers.
// Discovery on startup matches pool-<N> and resumes numbering past the
// highest suffix found.
const poolNamePrefix = "pool-"

// PooledContainer is one managed sandbox. Executions counts completed runs;
// once it reaches the pool's budget the container is destroyed instead of
// returning to idle.
type PooledContainer struct {
	Name        string
	ContainerID string
	Executions  int
	CreatedAt   time.Time
}

// PoolStats is a point-in-time snapshot for admin and health surfaces.
type PoolStats struct {
	Idle       int `json:"idle"`
	InUse      int `json:"in_use"`
	MinSize    int `json:"min_size"`
	MaxSize    int `json:"max_size"`
	Destroyed  int `json:"destroyed"`
	Created    int `json:"created"`
	Executions int `json:"executions"`
}

// ContainerPool maintains a warm pool of generic sandbox containers. Any
// container can run any user's code because no user state survives a
// release: IPC files are scrubbed between occupants and tainted containers
// are destroyed.
type ContainerPool struct {
	cfg     *config.SandboxConfig
	runtime ContainerRuntime
	logger  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*PooledContainer // FIFO: acquire pops the front
	inUse    map[string]*PooledContainer
	creating int // capacity reserved for in-flight creations
	nextID   int
	closed   bool

	created    int
	destroyed  int
	executions int

	replenish chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewContainerPool creates an uninitialized pool. Call Initialize before use.
func NewContainerPool(cfg *config.SandboxConfig, runtime ContainerRuntime) *ContainerPool {
	p := &ContainerPool{
		cfg:       cfg,
		runtime:   runtime,
		logger:    slog.With("component", "container_pool"),
		inUse:     make(map[string]*PooledContainer),
		replenish: make(chan struct{}, 1),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Initialize discovers pre-existing pool containers, restarts stopped ones,
// scales up to the minimum size, and starts the replenish and health loops.
// Idempotent; safe to call after a leader restart because existing
// containers are reused rather than recreated.
func (p *ContainerPool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.discover(ctx); err != nil {
		return err
	}

	// Scale up to min size synchronously so callers see a warm pool.
	for {
		p.mu.Lock()
		total := len(p.idle) + len(p.inUse)
		p.mu.Unlock()
		if total >= p.cfg.PoolMinSize || total >= p.cfg.PoolMaxSize {
			break
		}
		if err := p.createOne(ctx); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.runLoops(loopCtx)

	p.logger.Info("Container pool initialized",
		"min_size", p.cfg.PoolMinSize,
		"max_size", p.cfg.PoolMaxSize,
		"min_idle", p.cfg.PoolMinIdle,
		"max_executions", p.cfg.PoolMaxExecutions)
	return nil
}

// discover adopts containers left over from a previous process.
func (p *ContainerPool) discover(ctx context.Context) error {
	existing, err := p.runtime.List(ctx, poolNamePrefix)
	if err != nil {
		return fmt.Errorf("failed to discover pool containers: %w", err)
	}

	maxSuffix := 0
	adopted := 0
	for _, info := range existing {
		suffix, ok := parsePoolSuffix(info.Name)
		if !ok {
			continue
		}
		if suffix > maxSuffix {
			maxSuffix = suffix
		}
		if !info.Running {
			if err := p.runtime.Start(ctx, info.ID); err != nil {
				p.logger.Warn("Failed to restart discovered container, destroying",
					"name", info.Name, "error", err)
				_ = p.runtime.Destroy(ctx, info.ID)
				continue
			}
		}
		p.mu.Lock()
		p.idle = append(p.idle, &PooledContainer{
			Name:        info.Name,
			ContainerID: info.ID,
			CreatedAt:   info.Created,
		})
		p.mu.Unlock()
		adopted++
	}

	p.mu.Lock()
	p.nextID = maxSuffix + 1
	p.mu.Unlock()

	if adopted > 0 {
		p.logger.Info("Adopted existing pool containers", "count", adopted)
	}
	return nil
}

func parsePoolSuffix(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, poolNamePrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Acquire removes one container from the idle queue, blocking up to timeout
// when the pool is empty. Returns ErrPoolExhausted when the deadline passes
// with nothing available.
func (p *ContainerPool) Acquire(ctx context.Context, timeout time.Duration) (*PooledContainer, error) {
	deadline := time.Now().Add(timeout)

	// The condvar has no deadline of its own; these wakers force re-checks.
	timer := time.AfterFunc(timeout, func() { p.cond.Broadcast() })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { p.cond.Broadcast() })
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, ErrPoolClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(p.idle) > 0 {
			c := p.idle[0]
			p.idle = p.idle[1:]
			p.inUse[c.Name] = c
			if len(p.idle) < p.cfg.PoolMinIdle {
				p.signalReplenish()
			}
			return c, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrPoolExhausted
		}
		p.signalReplenish()
		p.cond.Wait()
	}
}

// Release returns a container to the pool. Tainted containers and containers
// at their execution budget are destroyed; otherwise the IPC files are
// scrubbed and the container rejoins the idle queue. A failed scrub counts
// as tainted.
func (p *ContainerPool) Release(ctx context.Context, name string, tainted bool) {
	p.mu.Lock()
	c, ok := p.inUse[name]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("Release of unknown container", "name", name)
		return
	}
	delete(p.inUse, name)
	closed := p.closed
	p.mu.Unlock()

	if closed || tainted || c.Executions >= p.cfg.PoolMaxExecutions {
		p.destroy(ctx, c, releaseReason(closed, tainted))
		return
	}

	if err := scrubIPC(ctx, p.runtime, c.ContainerID); err != nil {
		p.logger.Warn("IPC scrub failed, destroying container", "name", name, "error", err)
		p.destroy(ctx, c, "scrub_failed")
		return
	}

	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.cond.Broadcast()
	p.mu.Unlock()
}

func releaseReason(closed, tainted bool) string {
	switch {
	case closed:
		return "pool_closed"
	case tainted:
		return "tainted"
	default:
		return "execution_budget"
	}
}

// Execute acquires a container, runs one request through the IPC handshake,
// and releases it. Any error taints the container.
func (p *ContainerPool) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	c, err := p.Acquire(ctx, p.cfg.PoolAcquireTimeout)
	if err != nil {
		return nil, err
	}

	result, err := runIPC(ctx, p.runtime, c.ContainerID, req, p.cfg.FunctionTimeout)

	c.Executions++
	p.mu.Lock()
	p.executions++
	p.mu.Unlock()

	p.Release(context.WithoutCancel(ctx), c.Name, err != nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Scale adjusts the pool toward target total containers. Growth creates
// containers immediately; shrinking only removes idle ones.
func (p *ContainerPool) Scale(ctx context.Context, target int) (added, removed int, err error) {
	if target > p.cfg.PoolMaxSize {
		target = p.cfg.PoolMaxSize
	}
	for {
		p.mu.Lock()
		total := len(p.idle) + len(p.inUse)
		if total < target {
			p.mu.Unlock()
			if err := p.createOne(ctx); err != nil {
				if errors.Is(err, ErrPoolAtCapacity) {
					// The replenish loop won the remaining headroom.
					return added, removed, nil
				}
				return added, removed, err
			}
			added++
			continue
		}
		if total > target && len(p.idle) > 0 {
			c := p.idle[0]
			p.idle = p.idle[1:]
			p.mu.Unlock()
			p.destroy(ctx, c, "scale_down")
			removed++
			continue
		}
		p.mu.Unlock()
		return added, removed, nil
	}
}

// ReloadPackages asks every idle container to reinstall the approved package
// set. In-use containers pick the change up on their next recycle.
func (p *ContainerPool) ReloadPackages(ctx context.Context) error {
	p.mu.Lock()
	snapshot := make([]*PooledContainer, len(p.idle))
	copy(snapshot, p.idle)
	p.mu.Unlock()

	for _, c := range snapshot {
		_, err := runIPC(ctx, p.runtime, c.ContainerID, &ExecRequest{Action: ActionLoadFunctions}, p.cfg.FunctionTimeout)
		if err != nil {
			return fmt.Errorf("failed to reload packages in %s: %w", c.Name, err)
		}
	}
	return nil
}

// Stats returns a snapshot of pool counters.
func (p *ContainerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Idle:       len(p.idle),
		InUse:      len(p.inUse),
		MinSize:    p.cfg.PoolMinSize,
		MaxSize:    p.cfg.PoolMaxSize,
		Destroyed:  p.destroyed,
		Created:    p.created,
		Executions: p.executions,
	}
}

// Shutdown stops the background loops and destroys every container. In-use
// containers are destroyed as they are released.
func (p *ContainerPool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancel := p.cancel
	done := p.done
	idle := p.idle
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, c := range idle {
		p.destroy(ctx, c, "shutdown")
	}
	p.logger.Info("Container pool shut down")
}

// createOne provisions a new container and appends it to idle. Capacity is
// reserved under the mutex before the runtime call, so concurrent creators
// cannot push the pool past its maximum size.
func (p *ContainerPool) createOne(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if len(p.idle)+len(p.inUse)+p.creating >= p.cfg.PoolMaxSize {
		p.mu.Unlock()
		return ErrPoolAtCapacity
	}
	p.creating++
	name := poolNamePrefix + strconv.Itoa(p.nextID)
	p.nextID++
	p.mu.Unlock()

	id, err := p.runtime.Create(ctx, name)
	if err != nil {
		p.mu.Lock()
		p.creating--
		p.mu.Unlock()
		return fmt.Errorf("failed to create pool container %s: %w", name, err)
	}

	p.mu.Lock()
	p.creating--
	p.created++
	p.idle = append(p.idle, &PooledContainer{
		Name:        name,
		ContainerID: id,
		CreatedAt:   time.Now(),
	})
	p.cond.Broadcast()
	p.mu.Unlock()

	p.logger.Debug("Created pool container", "name", name)
	return nil
}

func (p *ContainerPool) destroy(ctx context.Context, c *PooledContainer, reason string) {
	if err := p.runtime.Destroy(ctx, c.ContainerID); err != nil {
		p.logger.Error("Failed to destroy container", "name", c.Name, "error", err)
	}
	p.mu.Lock()
	p.destroyed++
	closed := p.closed
	p.mu.Unlock()

	p.logger.Debug("Destroyed pool container",
		"name", c.Name, "reason", reason, "executions", c.Executions)
	if !closed {
		p.signalReplenish()
	}
}

// signalReplenish nudges the replenish loop without blocking.
func (p *ContainerPool) signalReplenish() {
	select {
	case p.replenish <- struct{}{}:
	default:
	}
}

func (p *ContainerPool) runLoops(ctx context.Context) {
	defer close(p.done)

	replenishTicker := time.NewTicker(p.cfg.ReplenishInterval)
	defer replenishTicker.Stop()
	healthTicker := time.NewTicker(p.cfg.HealthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.replenish:
			p.replenishOnce(ctx)
		case <-replenishTicker.C:
			p.replenishOnce(ctx)
		case <-healthTicker.C:
			p.healthCheckIdle(ctx)
		}
	}
}

// replenishOnce creates containers while idle is below the threshold and the
// pool has headroom. A creation failure logs and stops; the next wake
// retries.
func (p *ContainerPool) replenishOnce(ctx context.Context) {
	for {
		p.mu.Lock()
		needs := len(p.idle) < p.cfg.PoolMinIdle &&
			len(p.idle)+len(p.inUse) < p.cfg.PoolMaxSize &&
			!p.closed
		p.mu.Unlock()
		if !needs {
			return
		}
		if err := p.createOne(ctx); err != nil {
			if !errors.Is(err, ErrPoolAtCapacity) {
				p.logger.Error("Replenish failed", "error", err)
			}
			return
		}
	}
}

// healthCheckIdle removes idle containers the runtime no longer reports as
// running. In-use containers are not checked; the active execution detects
// failure and taints.
func (p *ContainerPool) healthCheckIdle(ctx context.Context) {
	p.mu.Lock()
	snapshot := make([]*PooledContainer, len(p.idle))
	copy(snapshot, p.idle)
	p.mu.Unlock()

	for _, c := range snapshot {
		running, err := p.runtime.Running(ctx, c.ContainerID)
		if err != nil {
			p.logger.Warn("Health check error", "name", c.Name, "error", err)
			continue
		}
		if running {
			continue
		}

		p.mu.Lock()
		removed := false
		for i, idle := range p.idle {
			if idle.Name == c.Name {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				removed = true
				break
			}
		}
		p.mu.Unlock()

		// Skip if it was acquired between snapshot and now.
		if removed {
			p.logger.Warn("Idle container unhealthy, destroying", "name", c.Name)
			p.destroy(ctx, c, "health_check")
		}
	}
}
