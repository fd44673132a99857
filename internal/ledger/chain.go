package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrChainBroken is returned by Verify when a decision was altered, dropped
// or reordered.
var ErrChainBroken = errors.New("decision chain broken")

// Chain links each decision to its predecessor with a SHA-256 hash before
// handing it to the underlying ledger.
type Chain struct {
	mu   sync.Mutex
	next Ledger
	head string
}

// NewChain wraps next, resuming from the newest decision it already holds.
func NewChain(ctx context.Context, next Ledger) (*Chain, error) {
	latest, err := next.Recent(ctx, 1)
	if err != nil {
		return nil, fmt.Errorf("resume decision chain: %w", err)
	}
	c := &Chain{next: next}
	if len(latest) == 1 {
		c.head = latest[0].Hash
	}
	return c, nil
}

func (c *Chain) Record(ctx context.Context, d Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	// Postgres keeps microseconds; hash what survives a round trip.
	d.CreatedAt = d.CreatedAt.UTC().Truncate(time.Microsecond)
	d.PrevHash = c.head
	d.Hash = hashDecision(d)

	if err := c.next.Record(ctx, d); err != nil {
		return err
	}
	c.head = d.Hash
	return nil
}

func (c *Chain) Recent(ctx context.Context, limit int) ([]Decision, error) {
	return c.next.Recent(ctx, limit)
}

// Head returns the hash of the newest decision.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Verify checks the newest limit decisions.
func (c *Chain) Verify(ctx context.Context, limit int) error {
	recent, err := c.next.Recent(ctx, limit)
	if err != nil {
		return err
	}
	return VerifyDecisions(recent)
}

// VerifyDecisions checks a newest-first run of decisions: every hash must
// match its content and link to the entry before it.
func VerifyDecisions(newestFirst []Decision) error {
	for i, d := range newestFirst {
		if got := hashDecision(d); got != d.Hash {
			return fmt.Errorf("%w: decision %s hash mismatch", ErrChainBroken, d.MessageID)
		}
		if i+1 < len(newestFirst) && d.PrevHash != newestFirst[i+1].Hash {
			return fmt.Errorf("%w: decision %s does not follow %s", ErrChainBroken, d.MessageID, newestFirst[i+1].MessageID)
		}
	}
	return nil
}

func hashDecision(d Decision) string {
	fields := []string{
		d.PrevHash,
		d.MessageID,
		d.InboundBus,
		d.Judgement,
		d.Status,
		d.Source,
		d.Destination,
		d.Body,
		d.Mission,
		d.Fault,
		d.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

var _ Ledger = (*Chain)(nil)
