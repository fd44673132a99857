// Package fabric is the message bus transport for a layer.
//
// A layer talks to its neighbours over two logical buses: the Control Bus
// (directives, southbound) and the Data Bus (status and results, northbound).
// Each bus is backed by named queues resolved from configuration. The Bus
// interface lets the router run unchanged on an in-process queue, Redis lists
// or Cloud Pub/Sub.
package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// BusID names one of the two logical buses. The values double as the
// human-readable metadata tags on outbound envelopes.
type BusID string

const (
	ControlBus BusID = "Control Bus"
	DataBus    BusID = "Data Bus"
)

func (b BusID) String() string { return string(b) }

var (
	ErrBusClosed  = errors.New("bus is closed")
	ErrQueueEmpty = errors.New("queue is empty")
)

// RoutedMessage is the outbound envelope produced by the router.
type RoutedMessage struct {
	ID          string    `json:"id"`
	Destination BusID     `json:"destination_bus,omitempty"`
	Source      BusID     `json:"source_bus,omitempty"`
	Body        string    `json:"body"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewRoutedMessage creates an envelope with a fresh ID.
func NewRoutedMessage(source, destination BusID, body string) *RoutedMessage {
	return &RoutedMessage{
		ID:          uuid.New().String(),
		Destination: destination,
		Source:      source,
		Body:        body,
		Timestamp:   time.Now().UTC(),
	}
}

// Encode serializes the envelope for transports without message attributes.
func (m *RoutedMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeRoutedMessage parses an envelope written by Encode. Payloads from
// producers that publish plain text are wrapped as-is, untagged.
func DecodeRoutedMessage(data []byte) *RoutedMessage {
	var m RoutedMessage
	if err := json.Unmarshal(data, &m); err == nil && m.ID != "" {
		return &m
	}
	return &RoutedMessage{Body: string(data)}
}

// Delivery is one inbound message awaiting acknowledgement.
type Delivery interface {
	ID() string
	Bus() BusID
	Body() string
	// Ack removes the message from its queue.
	Ack() error
	// Nack hands the message back to the broker for redelivery.
	Nack() error
}

// Handler receives deliveries from Consume.
type Handler func(ctx context.Context, d Delivery)

// Publisher sends envelopes to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg *RoutedMessage) error
}

// Bus is a queue transport with explicit acknowledgement.
type Bus interface {
	Publisher

	// Consume delivers messages from queue, tagged with bus, until ctx is
	// done or the bus is closed.
	Consume(ctx context.Context, queue string, bus BusID, handler Handler) error

	// Close shuts down the bus.
	Close() error
}
