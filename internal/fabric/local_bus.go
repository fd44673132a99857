package fabric

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// LOCAL BUS (in-process, for single-process runs and tests)
// ============================================================================

// LocalBus provides in-memory queues with ack/nack bookkeeping.
// Nacked messages are redelivered after RedeliveryDelay.
type LocalBus struct {
	mu     sync.Mutex
	queues map[string]chan *RoutedMessage
	done   chan struct{}
	closed bool

	RedeliveryDelay time.Duration

	acked  atomic.Int64
	nacked atomic.Int64
}

const localQueueSize = 1024

// NewLocalBus creates a new in-memory bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		queues:          make(map[string]chan *RoutedMessage),
		done:            make(chan struct{}),
		RedeliveryDelay: time.Second,
	}
}

func (b *LocalBus) queue(name string) (chan *RoutedMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = make(chan *RoutedMessage, localQueueSize)
		b.queues[name] = q
	}
	return q, nil
}

// Publish enqueues msg, blocking while the queue is full.
func (b *LocalBus) Publish(ctx context.Context, queue string, msg *RoutedMessage) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}

	select {
	case q <- msg:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume delivers messages from queue until ctx is done or the bus closes.
func (b *LocalBus) Consume(ctx context.Context, queue string, bus BusID, handler Handler) error {
	q, err := b.queue(queue)
	if err != nil {
		return err
	}

	for {
		select {
		case msg := <-q:
			handler(ctx, &localDelivery{bus: b, queue: q, busID: bus, msg: msg})
		case <-b.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next returns the next message on queue without consuming it through a
// handler, or ErrQueueEmpty after wait.
func (b *LocalBus) Next(queue string, wait time.Duration) (*RoutedMessage, error) {
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}
	select {
	case msg := <-q:
		return msg, nil
	case <-time.After(wait):
		return nil, ErrQueueEmpty
	}
}

// Len returns the number of messages waiting on queue.
func (b *LocalBus) Len(queue string) int {
	q, err := b.queue(queue)
	if err != nil {
		return 0
	}
	return len(q)
}

// Acked returns the number of acknowledged deliveries.
func (b *LocalBus) Acked() int64 { return b.acked.Load() }

// Nacked returns the number of negatively acknowledged deliveries.
func (b *LocalBus) Nacked() int64 { return b.nacked.Load() }

// Close shuts down the bus. Pending redeliveries are dropped.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

type localDelivery struct {
	bus   *LocalBus
	queue chan *RoutedMessage
	busID BusID
	msg   *RoutedMessage
}

func (d *localDelivery) ID() string   { return d.msg.ID }
func (d *localDelivery) Bus() BusID   { return d.busID }
func (d *localDelivery) Body() string { return d.msg.Body }

func (d *localDelivery) Ack() error {
	d.bus.acked.Add(1)
	return nil
}

func (d *localDelivery) Nack() error {
	d.bus.nacked.Add(1)
	time.AfterFunc(d.bus.RedeliveryDelay, func() {
		select {
		case d.queue <- d.msg:
		case <-d.bus.done:
		}
	})
	return nil
}
