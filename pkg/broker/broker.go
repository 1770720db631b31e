// Package broker abstracts the durable queue and pub/sub transport behind a
// small interface. The Redis implementation backs production; the in-memory
// implementation backs tests and single-node development.
//
// Key scheme:
//
//	queue:<name>          list of serialized jobs
//	queue:<name>:deferred sorted set of delayed jobs scored by ready time
//	queue:dlq             list of dead-lettered jobs
//	job:status:<job_id>   status record, 24h TTL
//	job:result:<job_id>   result payload, 24h TTL
//	job:done:<exec_id>    pub/sub completion channel
//	stream:<channel_id>   pub/sub streaming channel
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoJob indicates a pop timed out with nothing available.
	ErrNoJob = errors.New("no job available")

	// ErrKeyNotFound indicates a missing or expired status/result key.
	ErrKeyNotFound = errors.New("key not found")
)

// Subscription is an active pub/sub subscription. Messages closes when the
// subscription is closed or the broker shuts down.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Broker is the durable queue and pub/sub transport.
type Broker interface {
	// Push appends a payload to the named queue.
	Push(ctx context.Context, queue string, payload []byte) error

	// PushDeferred schedules a payload to become poppable after delay.
	PushDeferred(ctx context.Context, queue string, payload []byte, delay time.Duration) error

	// Pop blocks up to timeout for the next payload. Returns ErrNoJob on
	// timeout. Callers promote due deferred payloads by calling
	// PromoteDeferred before popping.
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)

	// PromoteDeferred moves payloads whose delay has elapsed onto the queue.
	PromoteDeferred(ctx context.Context, queue string) error

	// Set stores a value under key with a TTL. Get returns ErrKeyNotFound
	// for missing or expired keys.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)

	// Keys returns all live keys matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Publish sends a payload to every current subscriber of the channel.
	// Never blocks on slow subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription to the channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// PushDeadLetter appends to the DLQ list; ListDeadLetters returns up to
	// limit entries, newest first.
	PushDeadLetter(ctx context.Context, payload []byte) error
	ListDeadLetters(ctx context.Context, limit int) ([][]byte, error)

	// Close releases the broker's resources.
	Close() error
}

// QueueKey returns the list key for a queue name.
func QueueKey(queue string) string { return "queue:" + queue }

// DeferredKey returns the sorted-set key holding a queue's delayed jobs.
func DeferredKey(queue string) string { return "queue:" + queue + ":deferred" }

// DeadLetterKey is the DLQ list key.
const DeadLetterKey = "queue:dlq"

// StatusKey returns the job status key.
func StatusKey(jobID string) string { return "job:status:" + jobID }

// ResultKey returns the job result key.
func ResultKey(jobID string) string { return "job:result:" + jobID }

// DoneChannel returns the completion channel for an execution.
func DoneChannel(executionID string) string { return "job:done:" + executionID }

// StreamChannel returns the streaming channel for a channel id.
func StreamChannel(channelID string) string { return "stream:" + channelID }
