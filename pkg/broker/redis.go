package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratumhq/stratum/pkg/config"
)

// RedisBroker implements Broker on a Redis server. Queues are lists
// (LPUSH/BRPOP), deferred jobs are a sorted set scored by ready time, and
// channels are native pub/sub.
type RedisBroker struct {
	client *redis.Client
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to Redis and verifies connectivity.
func NewRedisBroker(ctx context.Context, cfg *config.RedisConfig) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisBroker{client: client}, nil
}

// Client exposes the underlying client for health checks.
func (b *RedisBroker) Client() *redis.Client { return b.client }

func (b *RedisBroker) Close() error { return b.client.Close() }

func (b *RedisBroker) Push(ctx context.Context, queue string, payload []byte) error {
	if err := b.client.LPush(ctx, QueueKey(queue), payload).Err(); err != nil {
		return fmt.Errorf("failed to push to queue %s: %w", queue, err)
	}
	return nil
}

func (b *RedisBroker) PushDeferred(ctx context.Context, queue string, payload []byte, delay time.Duration) error {
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	err := b.client.ZAdd(ctx, DeferredKey(queue), redis.Z{Score: readyAt, Member: payload}).Err()
	if err != nil {
		return fmt.Errorf("failed to defer job on queue %s: %w", queue, err)
	}
	return nil
}

func (b *RedisBroker) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := b.client.BRPop(ctx, timeout, QueueKey(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from queue %s: %w", queue, err)
	}
	// BRPOP returns [key, value].
	return []byte(res[1]), nil
}

// PromoteDeferred moves due jobs from the deferred set to the queue. ZREM
// before LPUSH guarantees each job is promoted by exactly one process.
func (b *RedisBroker) PromoteDeferred(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, DeferredKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read deferred jobs on queue %s: %w", queue, err)
	}

	for _, payload := range due {
		removed, err := b.client.ZRem(ctx, DeferredKey(queue), payload).Result()
		if err != nil {
			return fmt.Errorf("failed to claim deferred job on queue %s: %w", queue, err)
		}
		if removed == 0 {
			continue // another process promoted it
		}
		if err := b.client.LPush(ctx, QueueKey(queue), payload).Err(); err != nil {
			return fmt.Errorf("failed to promote deferred job on queue %s: %w", queue, err)
		}
	}
	return nil
}

func (b *RedisBroker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

func (b *RedisBroker) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := b.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys %s: %w", pattern, err)
	}
	return out, nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so publishes
	// that follow Subscribe are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		pubsub:   pubsub,
		messages: make(chan []byte, subscriberBuffer),
	}
	go sub.pump()
	return sub, nil
}

// subscriberBuffer bounds the per-subscription buffer; go-redis drops
// messages past its own internal buffer for slow consumers.
const subscriberBuffer = 256

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan []byte
}

func (s *redisSubscription) pump() {
	defer close(s.messages)
	for msg := range s.pubsub.Channel(redis.WithChannelSize(subscriberBuffer)) {
		s.messages <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.messages }

func (s *redisSubscription) Close() error { return s.pubsub.Close() }

func (b *RedisBroker) PushDeadLetter(ctx context.Context, payload []byte) error {
	if err := b.client.LPush(ctx, DeadLetterKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

func (b *RedisBroker) ListDeadLetters(ctx context.Context, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = 100
	}
	vals, err := b.client.LRange(ctx, DeadLetterKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}
