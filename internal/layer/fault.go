package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ace/aspirant/internal/events"
	"github.com/ace/aspirant/internal/fabric"
	"github.com/ace/aspirant/internal/ledger"
)

// FaultKind names the collaborator that failed while routing a message.
type FaultKind string

const (
	FaultOracle  FaultKind = "oracle"
	FaultPublish FaultKind = "publish"
)

// ErrInterrupted marks a message whose routing was cut short by cancellation
// of the processing context. Such a message is handed back to the broker
// rather than dead-lettered.
var ErrInterrupted = errors.New("routing interrupted")

func interrupted(cause error) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, cause)
}

// FaultError reports a message that could not be routed. The inbound
// delivery is still acknowledged; the inbound body goes to the dead-letter
// queue when one is configured.
type FaultError struct {
	Kind         FaultKind
	Bus          fabric.BusID
	MessageID    string
	DeadLettered bool
	Err          error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s fault on %s message %s: %v", e.Kind, e.Bus, e.MessageID, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

func (r *Router) fault(ctx context.Context, d fabric.Delivery, bus fabric.BusID, kind FaultKind, cause error, dec *ledger.Decision) error {
	if ctx.Err() != nil {
		return interrupted(cause)
	}
	fe := &FaultError{Kind: kind, Bus: bus, MessageID: d.ID(), Err: cause}
	dec.Fault = string(kind) + ": " + cause.Error()

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordFault(bus.String(), string(kind))
	}

	if r.cfg.DeadLetterQueue != "" {
		dl := fabric.NewRoutedMessage(bus, "", d.Body())
		if err := r.publish(ctx, r.cfg.DeadLetterQueue, dl); err != nil {
			slog.Error("[Router] Dead-letter publish failed, message dropped", "bus", bus, "id", d.ID(), "error", err)
			fe.Err = errors.Join(cause, fmt.Errorf("dead letter: %w", err))
		} else {
			fe.DeadLettered = true
			if r.deps.Metrics != nil {
				r.deps.Metrics.DeadLetters.WithLabelValues(bus.String()).Inc()
			}
		}
	}

	r.emit(events.TypeFault, d.ID(), map[string]interface{}{
		"inbound_bus":   bus.String(),
		"kind":          string(kind),
		"error":         cause.Error(),
		"dead_lettered": fe.DeadLettered,
	})
	return fe
}
