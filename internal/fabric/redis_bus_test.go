package fabric

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLists is an in-memory RedisQueueClient. Index 0 is the list head (LEFT).
type memLists struct {
	mu    sync.Mutex
	lists map[string][][]byte
}

func newMemLists() *memLists {
	return &memLists{lists: make(map[string][][]byte)}
}

func (m *memLists) LPush(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([][]byte{value}, m.lists[key]...)
	return nil
}

func (m *memLists) LMove(ctx context.Context, source, destination string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.lists[source]
	if len(src) == 0 {
		return nil, ErrQueueEmpty
	}
	v := src[len(src)-1]
	m.lists[source] = src[:len(src)-1]
	m.lists[destination] = append([][]byte{v}, m.lists[destination]...)
	return v, nil
}

func (m *memLists) BLMove(ctx context.Context, source, destination string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		v, err := m.LMove(ctx, source, destination)
		if err == nil || time.Now().After(deadline) {
			return v, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *memLists) LRem(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	for i, v := range list {
		if bytes.Equal(v, value) {
			m.lists[key] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memLists) len(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists[key])
}

func newTestRedisBus(client RedisQueueClient) *RedisBus {
	b := NewRedisBus(client, "ace:")
	b.pollTimeout = 10 * time.Millisecond
	return b
}

func TestRedisBusPublishConsumeAck(t *testing.T) {
	lists := newMemLists()
	bus := newTestRedisBus(lists)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := NewRoutedMessage(ControlBus, ControlBus, "[User Mission] plant trees")
	require.NoError(t, bus.Publish(ctx, "layer2-control", msg))
	assert.Equal(t, 1, lists.len("ace:layer2-control"))

	received := make(chan Delivery, 1)
	go bus.Consume(ctx, "layer2-control", ControlBus, func(ctx context.Context, d Delivery) {
		received <- d
	})

	d := <-received
	assert.Equal(t, msg.ID, d.ID())
	assert.Equal(t, "[User Mission] plant trees", d.Body())
	assert.Equal(t, 1, lists.len("ace:layer2-control:processing"))

	require.NoError(t, d.Ack())
	assert.Equal(t, 0, lists.len("ace:layer2-control:processing"))
	assert.Equal(t, 0, lists.len("ace:layer2-control"))
}

func TestRedisBusIsFIFO(t *testing.T) {
	lists := newMemLists()
	bus := newTestRedisBus(lists)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, bus.Publish(ctx, "q", NewRoutedMessage("", "", body)))
	}

	received := make(chan string, 3)
	go bus.Consume(ctx, "q", DataBus, func(ctx context.Context, d Delivery) {
		received <- d.Body()
		_ = d.Ack()
	})

	assert.Equal(t, "one", <-received)
	assert.Equal(t, "two", <-received)
	assert.Equal(t, "three", <-received)
}

func TestRedisBusNackRequeues(t *testing.T) {
	lists := newMemLists()
	bus := newTestRedisBus(lists)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Publish(ctx, "q", NewRoutedMessage("", "", "retry me")))

	received := make(chan Delivery, 2)
	go bus.Consume(ctx, "q", DataBus, func(ctx context.Context, d Delivery) {
		received <- d
	})

	first := <-received
	require.NoError(t, first.Nack())

	second := <-received
	assert.Equal(t, first.ID(), second.ID())
	require.NoError(t, second.Ack())
	assert.Equal(t, 0, lists.len("ace:q:processing"))
}

func TestRedisBusRequeuesOrphansOnStart(t *testing.T) {
	lists := newMemLists()
	orphan, err := NewRoutedMessage(ControlBus, ControlBus, "orphan").Encode()
	require.NoError(t, err)
	require.NoError(t, lists.LPush(context.Background(), "ace:q:processing", orphan))

	bus := newTestRedisBus(lists)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Delivery, 1)
	go bus.Consume(ctx, "q", ControlBus, func(ctx context.Context, d Delivery) {
		received <- d
	})

	select {
	case d := <-received:
		assert.Equal(t, "orphan", d.Body())
	case <-time.After(time.Second):
		t.Fatal("orphan was not redelivered")
	}
}

func TestRedisBusClosed(t *testing.T) {
	bus := newTestRedisBus(newMemLists())
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), "q", NewRoutedMessage("", "", "x"))
	assert.ErrorIs(t, err, ErrBusClosed)
}
