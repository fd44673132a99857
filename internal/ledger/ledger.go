// Package ledger records one decision per processed inbound message so an
// operator can see why a message went where it went.
package ledger

import (
	"context"
	"sync"
	"time"
)

// Decision is the routing outcome of a single inbound message.
type Decision struct {
	MessageID   string    `json:"message_id"`
	InboundBus  string    `json:"inbound_bus"`
	Judgement   string    `json:"judgement"`
	Status      string    `json:"status,omitempty"` // empty unless the completion gate ran
	Source      string    `json:"source_bus,omitempty"`
	Destination string    `json:"destination_bus,omitempty"`
	Body        string    `json:"body,omitempty"`
	Mission     string    `json:"mission,omitempty"`
	Fault       string    `json:"fault,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	PrevHash    string    `json:"prev_hash,omitempty"`
	Hash        string    `json:"hash,omitempty"` // set by Chain
}

// Ledger stores decisions.
type Ledger interface {
	Record(ctx context.Context, d Decision) error
	// Recent returns up to limit decisions, newest first.
	Recent(ctx context.Context, limit int) ([]Decision, error)
}

// MemoryLedger keeps the last N decisions in a ring buffer.
type MemoryLedger struct {
	mu    sync.RWMutex
	ring  []Decision
	next  int
	count int
}

// NewMemoryLedger creates a ring buffer ledger holding capacity decisions.
func NewMemoryLedger(capacity int) *MemoryLedger {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryLedger{ring: make([]Decision, capacity)}
}

func (l *MemoryLedger) Record(ctx context.Context, d Decision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = d
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
	return nil
}

func (l *MemoryLedger) Recent(ctx context.Context, limit int) ([]Decision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > l.count {
		limit = l.count
	}
	out := make([]Decision, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out, nil
}
