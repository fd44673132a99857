package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ace/aspirant/internal/circuitbreaker"
	"github.com/ace/aspirant/internal/metrics"
)

// ResilientConfig bounds every oracle call.
type ResilientConfig struct {
	Timeout        time.Duration // per attempt
	MaxRetries     uint64
	InitialBackoff time.Duration
}

// Resilient wraps an Oracle with a per-attempt timeout, exponential retry
// and a circuit breaker. An open breaker is never retried.
type Resilient struct {
	next    Oracle
	cfg     ResilientConfig
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// NewResilient wraps next. breaker and m may be nil.
func NewResilient(next Oracle, cfg ResilientConfig, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics) *Resilient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("oracle", 0, 0))
	}
	return &Resilient{next: next, cfg: cfg, breaker: breaker, metrics: m}
}

func (r *Resilient) Complete(ctx context.Context, prompt string) (string, error) {
	var reply string
	attempt := 0

	op := func() error {
		attempt++
		err := r.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()

			start := time.Now()
			out, err := r.next.Complete(callCtx, prompt)
			if r.metrics != nil {
				r.metrics.RecordOracleCall(time.Since(start).Seconds(), err)
			}
			if err != nil {
				return err
			}
			reply = out
			return nil
		})

		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxElapsedTime = 0

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.MaxRetries), ctx)); err != nil {
		return "", fmt.Errorf("oracle completion failed after %d attempt(s): %w", attempt, err)
	}
	return reply, nil
}
