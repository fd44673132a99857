// Redis-backed queues for cross-process layer traffic.
//
// Each queue is a Redis list. Producers LPUSH, consumers BLMOVE the oldest
// entry into "<queue>:processing" and LREM it from there on ack. A nack moves
// the entry back to the queue. Entries left in the processing list by a
// crashed consumer are returned to the queue when Consume starts.

package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RedisQueueClient is the minimal list API the bus needs. Implementations
// return ErrQueueEmpty when a move finds nothing to move.
type RedisQueueClient interface {
	LPush(ctx context.Context, key string, value []byte) error
	// BLMove pops the oldest entry of source into destination, waiting up to timeout.
	BLMove(ctx context.Context, source, destination string, timeout time.Duration) ([]byte, error)
	// LMove is the non-blocking form of BLMove.
	LMove(ctx context.Context, source, destination string) ([]byte, error)
	LRem(ctx context.Context, key string, value []byte) error
}

const processingSuffix = ":processing"

// RedisBus distributes layer messages through Redis lists.
type RedisBus struct {
	client      RedisQueueClient
	prefix      string // key prefix, e.g. "ace:"
	pollTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewRedisBus creates a new Redis-backed bus.
func NewRedisBus(client RedisQueueClient, keyPrefix string) *RedisBus {
	return &RedisBus{
		client:      client,
		prefix:      keyPrefix,
		pollTimeout: 5 * time.Second,
	}
}

func (b *RedisBus) key(queue string) string {
	return b.prefix + queue
}

func (b *RedisBus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Publish appends msg to queue.
func (b *RedisBus) Publish(ctx context.Context, queue string, msg *RoutedMessage) error {
	if b.isClosed() {
		return ErrBusClosed
	}

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.client.LPush(ctx, b.key(queue), data); err != nil {
		return fmt.Errorf("redis publish to %s: %w", queue, err)
	}
	return nil
}

// Consume delivers messages from queue until ctx is done or the bus is closed.
func (b *RedisBus) Consume(ctx context.Context, queue string, bus BusID, handler Handler) error {
	if b.isClosed() {
		return ErrBusClosed
	}

	source := b.key(queue)
	processing := source + processingSuffix

	if n, err := b.requeueOrphans(ctx, processing, source); err != nil {
		slog.Warn("[RedisBus] Failed to requeue orphaned messages", "queue", queue, "error", err)
	} else if n > 0 {
		slog.Info("[RedisBus] Requeued orphaned messages", "queue", queue, "count", n)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if b.isClosed() {
			return nil
		}

		data, err := b.client.BLMove(ctx, source, processing, b.pollTimeout)
		if errors.Is(err, ErrQueueEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("[RedisBus] Receive failed, retrying", "queue", queue, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		handler(ctx, &redisDelivery{
			bus:        b,
			busID:      bus,
			raw:        data,
			msg:        DecodeRoutedMessage(data),
			source:     source,
			processing: processing,
		})
	}
}

func (b *RedisBus) requeueOrphans(ctx context.Context, processing, source string) (int, error) {
	n := 0
	for {
		_, err := b.client.LMove(ctx, processing, source)
		if errors.Is(err, ErrQueueEmpty) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Close stops consumers at their next poll.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	slog.Info("[RedisBus] Closed")
	return nil
}

type redisDelivery struct {
	bus        *RedisBus
	busID      BusID
	raw        []byte
	msg        *RoutedMessage
	source     string
	processing string
}

func (d *redisDelivery) ID() string   { return d.msg.ID }
func (d *redisDelivery) Bus() BusID   { return d.busID }
func (d *redisDelivery) Body() string { return d.msg.Body }

func (d *redisDelivery) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.bus.client.LRem(ctx, d.processing, d.raw); err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	return nil
}

func (d *redisDelivery) Nack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.bus.client.LRem(ctx, d.processing, d.raw); err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	if err := d.bus.client.LPush(ctx, d.source, d.raw); err != nil {
		return fmt.Errorf("redis requeue: %w", err)
	}
	return nil
}
