package broker

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker for tests and single-node dev.
// Semantics mirror the Redis implementation: FIFO queues, TTL'd keys, and
// fan-out pub/sub that drops messages for slow subscribers instead of
// blocking the publisher.
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string][][]byte
	deferred map[string][]deferredEntry
	kv       map[string]kvEntry
	subs     map[string][]*memorySubscription
	dlq      [][]byte
	closed   bool

	// waiters are signalled on every push so blocking pops wake up.
	cond *sync.Cond
}

type deferredEntry struct {
	payload []byte
	readyAt time.Time
}

type kvEntry struct {
	value     []byte
	expiresAt time.Time
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	b := &MemoryBroker{
		queues:   make(map[string][][]byte),
		deferred: make(map[string][]deferredEntry),
		kv:       make(map[string]kvEntry),
		subs:     make(map[string][]*memorySubscription),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			s.mu.Lock()
			if !s.closed {
				s.closed = true
				close(s.messages)
			}
			s.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) Push(_ context.Context, queue string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = append(b.queues[queue], payload)
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) PushDeferred(_ context.Context, queue string, payload []byte, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deferred[queue] = append(b.deferred[queue], deferredEntry{
		payload: payload,
		readyAt: time.Now().Add(delay),
	})
	return nil
}

func (b *MemoryBroker) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() { b.cond.Broadcast() })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { b.cond.Broadcast() })
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q := b.queues[queue]; len(q) > 0 {
			payload := q[0]
			b.queues[queue] = q[1:]
			return payload, nil
		}
		if b.closed || !time.Now().Before(deadline) {
			return nil, ErrNoJob
		}
		b.cond.Wait()
	}
}

func (b *MemoryBroker) PromoteDeferred(_ context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var remaining []deferredEntry
	for _, entry := range b.deferred[queue] {
		if entry.readyAt.After(now) {
			remaining = append(remaining, entry)
			continue
		}
		b.queues[queue] = append(b.queues[queue], entry.payload)
	}
	b.deferred[queue] = remaining
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := kvEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	b.kv[key] = entry
	return nil
}

func (b *MemoryBroker) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.kv[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(b.kv, key)
		return nil, ErrKeyNotFound
	}
	return entry.value, nil
}

func (b *MemoryBroker) Keys(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var out []string
	for key, entry := range b.kv {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := make([]*memorySubscription, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(payload)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s := &memorySubscription{
		broker:   b,
		channel:  channel,
		messages: make(chan []byte, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], s)
	b.mu.Unlock()
	return s, nil
}

func (b *MemoryBroker) PushDeadLetter(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Newest first, matching LPUSH.
	b.dlq = append([][]byte{payload}, b.dlq...)
	return nil
}

func (b *MemoryBroker) ListDeadLetters(_ context.Context, limit int) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.dlq) {
		limit = len(b.dlq)
	}
	out := make([][]byte, limit)
	copy(out, b.dlq[:limit])
	return out, nil
}

type memorySubscription struct {
	broker   *MemoryBroker
	channel  string
	messages chan []byte

	mu     sync.Mutex
	closed bool
}

// deliver hands the payload to the subscriber without ever blocking the
// publisher; a full buffer drops the message.
func (s *memorySubscription) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.messages <- payload:
	default:
	}
}

func (s *memorySubscription) Messages() <-chan []byte { return s.messages }

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	b := s.broker
	b.mu.Lock()
	subs := b.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			b.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	close(s.messages)
	return nil
}
