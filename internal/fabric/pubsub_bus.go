package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// Message attributes carrying the envelope metadata on Pub/Sub.
const (
	AttrMessageID      = "message_id"
	AttrSourceBus      = "source_bus"
	AttrDestinationBus = "destination_bus"
	AttrTimestamp      = "timestamp"
)

// PubSubBus maps layer queues onto Google Cloud Pub/Sub: publish queues are
// topic IDs and consume queues are subscription IDs. The payload is the plain
// message text; envelope metadata travels as attributes.
//
// Usage:
//
//	bus, err := fabric.NewPubSubBus(ctx, "my-project", 32)
//	go bus.Consume(ctx, "layer-1-control-sub", fabric.ControlBus, router.HandleControl)
//	defer bus.Close()
type PubSubBus struct {
	client         *pubsub.Client
	maxOutstanding int

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

// NewPubSubBus creates a Pub/Sub-backed bus for projectID.
func NewPubSubBus(ctx context.Context, projectID string, maxOutstanding int) (*PubSubBus, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	slog.Info("[PubSubBus] Connected", "project", projectID)
	return NewPubSubBusWithClient(client, maxOutstanding), nil
}

// NewPubSubBusWithClient wraps an existing client. The bus owns it from then on.
func NewPubSubBusWithClient(client *pubsub.Client, maxOutstanding int) *PubSubBus {
	if maxOutstanding <= 0 {
		maxOutstanding = 32
	}
	return &PubSubBus{
		client:         client,
		maxOutstanding: maxOutstanding,
		topics:         make(map[string]*pubsub.Topic),
	}
}

// EnsureTopics creates any of topicIDs that do not exist yet.
func (b *PubSubBus) EnsureTopics(ctx context.Context, topicIDs ...string) error {
	for _, id := range topicIDs {
		topic := b.client.Topic(id)
		exists, err := topic.Exists(ctx)
		if err != nil {
			return fmt.Errorf("topic.Exists(%s): %w", id, err)
		}
		if !exists {
			if _, err := b.client.CreateTopic(ctx, id); err != nil {
				return fmt.Errorf("CreateTopic(%s): %w", id, err)
			}
			slog.Info("[PubSubBus] Created topic", "topic", id)
		}
		topic.Stop()
	}
	return nil
}

func (b *PubSubBus) topic(id string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	t, ok := b.topics[id]
	if !ok {
		t = b.client.Topic(id)
		b.topics[id] = t
	}
	return t, nil
}

// Publish sends msg to the topic named queue and waits for the server ID,
// so publish failures reach the caller.
func (b *PubSubBus) Publish(ctx context.Context, queue string, msg *RoutedMessage) error {
	topic, err := b.topic(queue)
	if err != nil {
		return err
	}

	attrs := map[string]string{
		AttrMessageID: msg.ID,
		AttrTimestamp: msg.Timestamp.Format(time.RFC3339Nano),
	}
	if msg.Source != "" {
		attrs[AttrSourceBus] = string(msg.Source)
	}
	if msg.Destination != "" {
		attrs[AttrDestinationBus] = string(msg.Destination)
	}

	result := topic.Publish(ctx, &pubsub.Message{
		Data:       []byte(msg.Body),
		Attributes: attrs,
	})
	serverID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("pubsub publish to %s: %w", queue, err)
	}

	slog.Debug("[PubSubBus] Published", "topic", queue, "id", msg.ID, "server_id", serverID)
	return nil
}

// Consume receives from the subscription named queue until ctx is done.
func (b *PubSubBus) Consume(ctx context.Context, queue string, bus BusID, handler Handler) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	sub := b.client.Subscription(queue)
	sub.ReceiveSettings.MaxOutstandingMessages = b.maxOutstanding

	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		handler(ctx, &pubsubDelivery{busID: bus, msg: m})
	})
	if err != nil {
		return fmt.Errorf("pubsub receive on %s: %w", queue, err)
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (b *PubSubBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, t := range b.topics {
		t.Stop()
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	slog.Info("[PubSubBus] Closed")
	return nil
}

type pubsubDelivery struct {
	busID BusID
	msg   *pubsub.Message
}

func (d *pubsubDelivery) ID() string {
	if id := d.msg.Attributes[AttrMessageID]; id != "" {
		return id
	}
	return d.msg.ID
}

func (d *pubsubDelivery) Bus() BusID   { return d.busID }
func (d *pubsubDelivery) Body() string { return string(d.msg.Data) }

func (d *pubsubDelivery) Ack() error {
	d.msg.Ack()
	return nil
}

func (d *pubsubDelivery) Nack() error {
	d.msg.Nack()
	return nil
}
