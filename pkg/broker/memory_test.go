package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_QueueFIFO(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer func() { _ = b.Close() }()

	require.NoError(t, b.Push(ctx, "functions", []byte("a")))
	require.NoError(t, b.Push(ctx, "functions", []byte("b")))

	first, err := b.Pop(ctx, "functions", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", string(first))

	second, err := b.Pop(ctx, "functions", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", string(second))

	_, err = b.Pop(ctx, "functions", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestMemoryBroker_PopWakesOnPush(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer func() { _ = b.Close() }()

	got := make(chan []byte, 1)
	go func() {
		payload, err := b.Pop(ctx, "functions", 2*time.Second)
		require.NoError(t, err)
		got <- payload
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Push(ctx, "functions", []byte("x")))

	select {
	case payload := <-got:
		assert.Equal(t, "x", string(payload))
	case <-time.After(time.Second):
		t.Fatal("blocked pop never woke up")
	}
}

func TestMemoryBroker_DeferredPromotion(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer func() { _ = b.Close() }()

	require.NoError(t, b.PushDeferred(ctx, "functions", []byte("later"), 40*time.Millisecond))
	require.NoError(t, b.PromoteDeferred(ctx, "functions"))
	_, err := b.Pop(ctx, "functions", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoJob)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.PromoteDeferred(ctx, "functions"))
	payload, err := b.Pop(ctx, "functions", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "later", string(payload))
}

func TestMemoryBroker_KVWithTTL(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer func() { _ = b.Close() }()

	_, err := b.Get(ctx, StatusKey("j1"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, b.Set(ctx, StatusKey("j1"), []byte(`{"status":"queued"}`), 30*time.Millisecond))
	val, err := b.Get(ctx, StatusKey("j1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"queued"}`, string(val))

	keys, err := b.Keys(ctx, "job:status:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"job:status:j1"}, keys)

	time.Sleep(40 * time.Millisecond)
	_, err = b.Get(ctx, StatusKey("j1"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryBroker_PubSubFanOut(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer func() { _ = b.Close() }()

	sub1, err := b.Subscribe(ctx, StreamChannel("c1"))
	require.NoError(t, err)
	sub2, err := b.Subscribe(ctx, StreamChannel("c1"))
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, StreamChannel("c2"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, StreamChannel("c1"), []byte("hello")))

	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			assert.Equal(t, "hello", string(msg))
		case <-time.After(time.Second):
			t.Fatal("subscriber missed publish")
		}
	}
	select {
	case <-other.Messages():
		t.Fatal("channel isolation broken")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, sub1.Close())
	// Closed subscriber is removed; publish still reaches sub2.
	require.NoError(t, b.Publish(ctx, StreamChannel("c1"), []byte("again")))
	select {
	case msg := <-sub2.Messages():
		assert.Equal(t, "again", string(msg))
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber missed publish")
	}
}

func TestMemoryBroker_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer func() { _ = b.Close() }()

	sub, err := b.Subscribe(ctx, StreamChannel("c1"))
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	// Publish past the buffer without consuming; must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			_ = b.Publish(ctx, StreamChannel("c1"), []byte("m"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestMemoryBroker_DeadLetters(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	defer func() { _ = b.Close() }()

	require.NoError(t, b.PushDeadLetter(ctx, []byte("first")))
	require.NoError(t, b.PushDeadLetter(ctx, []byte("second")))

	letters, err := b.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	// Newest first.
	assert.Equal(t, "second", string(letters[0]))
	assert.Equal(t, "first", string(letters[1]))
}
