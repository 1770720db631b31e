// Package sandbox manages the containers that run user code: a warm pool of
// generic sandboxes for untrusted functions and a small set of shared
// workers for trusted ones. Containers are driven through the
// ContainerRuntime abstraction; Docker is the production implementation.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPoolClosed is returned for operations on a shut-down pool.
	ErrPoolClosed = errors.New("container pool is closed")

	// ErrPoolExhausted is returned when Acquire times out with no idle
	// container available.
	ErrPoolExhausted = errors.New("container pool exhausted")

	// ErrPoolAtCapacity is returned when a creation would exceed the
	// pool's maximum size.
	ErrPoolAtCapacity = errors.New("container pool at maximum size")

	// ErrExecutionTimeout is returned when the in-container executor did not
	// produce a result within the function timeout.
	ErrExecutionTimeout = errors.New("sandbox execution timed out")

	// ErrNoWorkers is returned when the shared worker pool has no workers.
	ErrNoWorkers = errors.New("no shared workers available")
)

// ContainerInfo describes one container known to the runtime.
type ContainerInfo struct {
	ID      string
	Name    string
	Running bool
	Created time.Time
}

// ContainerRuntime abstracts the container engine. All blocking calls take a
// context; implementations must be safe for concurrent use.
type ContainerRuntime interface {
	// Create creates and starts a container with the given name, returning
	// its runtime ID.
	Create(ctx context.Context, name string) (string, error)

	// Start starts a stopped container.
	Start(ctx context.Context, id string) error

	// Destroy force-removes a container.
	Destroy(ctx context.Context, id string) error

	// Running reports whether the container is in a running state.
	Running(ctx context.Context, id string) (bool, error)

	// List returns all containers (running or not) whose name starts with
	// the given prefix.
	List(ctx context.Context, namePrefix string) ([]ContainerInfo, error)

	// WriteFile places a file at the given path inside the container.
	WriteFile(ctx context.Context, id, path string, data []byte) error

	// ReadFile reads a file from inside the container. Implementations
	// return an error satisfying IsNotExist semantics via ErrFileNotFound.
	ReadFile(ctx context.Context, id, path string) ([]byte, error)

	// RemoveFile deletes a file inside the container. Missing files are not
	// an error.
	RemoveFile(ctx context.Context, id, path string) error
}

// ErrFileNotFound signals that a path does not exist inside the container.
var ErrFileNotFound = errors.New("file not found in container")
