// Package layer implements the message-routing and judgement-gating loop of
// one layer in the cognitive-architecture stack.
//
// Messages arriving on the Control Bus (directives from above) and the Data
// Bus (reports from below) are judged by the oracle and forwarded to exactly
// one of the two buses. Both handlers feed a single mailbox drained by one
// goroutine, which is the only writer of the layer's Mission.
package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ace/aspirant/internal/circuitbreaker"
	"github.com/ace/aspirant/internal/events"
	"github.com/ace/aspirant/internal/fabric"
	"github.com/ace/aspirant/internal/gate"
	"github.com/ace/aspirant/internal/ledger"
	"github.com/ace/aspirant/internal/metrics"
	"github.com/ace/aspirant/internal/mission"
	"github.com/ace/aspirant/internal/prompts"
)

// MissionTag prefixes an approved mission re-published on the Control Bus.
const MissionTag = "[User Mission] "

// Config holds the router's queue names and policies.
type Config struct {
	Name               string
	ControlBusPubQueue string
	DataBusPubQueue    string
	DeadLetterQueue    string // empty disables dead-lettering
	ProcessMessages    bool
	MailboxSize        int
	PublishRetries     uint64
	PublishBackoff     time.Duration
	DeferDelay         time.Duration // pause before handing back a message while processing is disabled
}

// Deps are the router's collaborators. Ledger, Events, Metrics and
// PublishBreaker are optional.
type Deps struct {
	Judgement      *gate.JudgementGate
	Completion     *gate.CompletionGate
	Publisher      fabric.Publisher
	Missions       mission.Store
	Ledger         ledger.Ledger
	Events         events.EventEmitter
	Metrics        *metrics.Metrics
	PublishBreaker *circuitbreaker.CircuitBreaker
}

type envelope struct {
	bus      fabric.BusID
	delivery fabric.Delivery
}

// Router routes inbound bus messages through the judgement and completion gates.
type Router struct {
	cfg  Config
	deps Deps

	inbox      chan envelope
	mission    atomic.Pointer[string]
	processing atomic.Bool
	running    atomic.Bool
}

// NewRouter validates cfg and creates a router.
func NewRouter(cfg Config, deps Deps) (*Router, error) {
	if cfg.ControlBusPubQueue == "" || cfg.DataBusPubQueue == "" {
		return nil, errors.New("control and data bus publish queues are required")
	}
	if deps.Judgement == nil || deps.Completion == nil || deps.Publisher == nil {
		return nil, errors.New("judgement gate, completion gate and publisher are required")
	}
	if cfg.Name == "" {
		cfg.Name = "layer"
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 64
	}
	if cfg.PublishBackoff == 0 {
		cfg.PublishBackoff = 200 * time.Millisecond
	}
	if cfg.DeferDelay == 0 {
		cfg.DeferDelay = time.Second
	}
	if deps.Missions == nil {
		deps.Missions = mission.NewMemoryStore()
	}
	if deps.PublishBreaker == nil {
		deps.PublishBreaker = circuitbreaker.New(circuitbreaker.DefaultConfig("publish", 0, 0))
	}

	r := &Router{
		cfg:   cfg,
		deps:  deps,
		inbox: make(chan envelope, cfg.MailboxSize),
	}
	r.SetProcessing(cfg.ProcessMessages)
	return r, nil
}

// ============================================================================
// MAILBOX
// ============================================================================

// HandleControl accepts a delivery from the Control Bus. It matches fabric.Handler.
func (r *Router) HandleControl(ctx context.Context, d fabric.Delivery) {
	r.enqueue(ctx, fabric.ControlBus, d)
}

// HandleData accepts a delivery from the Data Bus. It matches fabric.Handler.
func (r *Router) HandleData(ctx context.Context, d fabric.Delivery) {
	r.enqueue(ctx, fabric.DataBus, d)
}

// enqueue blocks while the mailbox is full, pushing back on the consumer.
func (r *Router) enqueue(ctx context.Context, bus fabric.BusID, d fabric.Delivery) {
	select {
	case r.inbox <- envelope{bus: bus, delivery: d}:
	case <-ctx.Done():
		if err := d.Nack(); err != nil {
			slog.Warn("[Router] Nack failed", "bus", bus, "id", d.ID(), "error", err)
		}
	}
}

// Run restores the persisted mission and processes the mailbox until ctx is
// done. Messages still queued at shutdown are handed back to the broker.
func (r *Router) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("router already running")
	}
	defer r.running.Store(false)

	if m, ok, err := r.deps.Missions.Load(ctx); err != nil {
		slog.Warn("[Router] Could not restore mission", "layer", r.cfg.Name, "error", err)
	} else if ok {
		r.mission.Store(&m)
		r.observeMission(ctx)
		slog.Info("[Router] Restored mission", "layer", r.cfg.Name, "mission", m)
	}

	slog.Info("[Router] Started", "layer", r.cfg.Name, "processing", r.Processing())
	for {
		select {
		case env := <-r.inbox:
			if err := r.Process(ctx, env.bus, env.delivery); errors.Is(err, ErrInterrupted) {
				slog.Info("[Router] Message handed back on shutdown", "layer", r.cfg.Name, "bus", env.bus, "id", env.delivery.ID())
			} else if err != nil {
				slog.Error("[Router] Message fault", "layer", r.cfg.Name, "bus", env.bus, "id", env.delivery.ID(), "error", err)
			}
		case <-ctx.Done():
			r.drain()
			slog.Info("[Router] Stopped", "layer", r.cfg.Name)
			return nil
		}
	}
}

func (r *Router) drain() {
	for {
		select {
		case env := <-r.inbox:
			if err := env.delivery.Nack(); err != nil {
				slog.Warn("[Router] Nack failed during drain", "id", env.delivery.ID(), "error", err)
			}
		default:
			return
		}
	}
}

// ============================================================================
// PROCESSING
// ============================================================================

// Process runs one delivery through the gates and acknowledges it. It must
// only be called from a single goroutine (Run does this); it is exported for
// callers that drive the router synchronously.
//
// If ctx is cancelled before the message is routed, the delivery is Nacked
// instead and the returned error matches ErrInterrupted.
func (r *Router) Process(ctx context.Context, bus fabric.BusID, d fabric.Delivery) error {
	if !r.Processing() {
		r.deferDelivery(ctx, bus, d)
		return nil
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.MessagesReceived.WithLabelValues(bus.String()).Inc()
	}

	dec := ledger.Decision{MessageID: d.ID(), InboundBus: bus.String()}

	var err error
	switch bus {
	case fabric.ControlBus:
		err = r.processControl(ctx, d, &dec)
	case fabric.DataBus:
		err = r.processData(ctx, d, &dec)
	default:
		err = fmt.Errorf("unknown bus %q", bus)
	}

	if errors.Is(err, ErrInterrupted) {
		if nackErr := d.Nack(); nackErr != nil {
			slog.Warn("[Router] Nack failed", "bus", bus, "id", d.ID(), "error", nackErr)
			err = errors.Join(err, fmt.Errorf("nack: %w", nackErr))
		}
		return err
	}

	// Acknowledged unconditionally: faults were already dead-lettered.
	if ackErr := d.Ack(); ackErr != nil {
		slog.Warn("[Router] Ack failed", "bus", bus, "id", d.ID(), "error", ackErr)
		err = errors.Join(err, fmt.Errorf("ack: %w", ackErr))
	}

	if m, ok := r.Mission(); ok {
		dec.Mission = m
	}
	r.record(ctx, dec)
	return err
}

// processControl handles a directive from the layer above.
func (r *Router) processControl(ctx context.Context, d fabric.Delivery, dec *ledger.Decision) error {
	msg := d.Body()
	slog.Info("[Router] Mission from user", "layer", r.cfg.Name, "mission", msg)
	r.setMission(ctx, &msg)

	j, err := r.deps.Judgement.Evaluate(ctx, msg, prompts.SourceUserRequest)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(err)
		}
		r.setMission(ctx, nil)
		return r.fault(ctx, d, fabric.ControlBus, FaultOracle, err, dec)
	}
	dec.Judgement = j.Verdict.String()
	r.observeJudgement(fabric.ControlBus, j)

	var queue string
	var out *fabric.RoutedMessage
	if j.Allowed() {
		slog.Info("[Router] Mission allowed", "layer", r.cfg.Name)
		queue = r.cfg.ControlBusPubQueue
		out = fabric.NewRoutedMessage(fabric.ControlBus, fabric.ControlBus, MissionTag+msg)
	} else {
		slog.Info("[Router] Mission denied", "layer", r.cfg.Name)
		queue = r.cfg.DataBusPubQueue
		out = fabric.NewRoutedMessage(fabric.ControlBus, fabric.DataBus, j.Raw)
	}

	// A mission that never reached the layer below is not held either.
	err = r.route(ctx, queue, out, dec)
	if err != nil && ctx.Err() != nil {
		return interrupted(err)
	}
	if !j.Allowed() || err != nil {
		r.setMission(ctx, nil)
	}
	if err != nil {
		return r.fault(ctx, d, fabric.ControlBus, FaultPublish, err, dec)
	}
	return nil
}

// processData handles a report from the layer below.
func (r *Router) processData(ctx context.Context, d fabric.Delivery, dec *ledger.Decision) error {
	msg := d.Body()
	slog.Info("[Router] Report from layer below", "layer", r.cfg.Name, "message", msg)

	j, err := r.deps.Judgement.Evaluate(ctx, msg, prompts.SourceLayerBelow)
	if err != nil {
		return r.fault(ctx, d, fabric.DataBus, FaultOracle, err, dec)
	}
	dec.Judgement = j.Verdict.String()
	r.observeJudgement(fabric.DataBus, j)

	if !j.Allowed() {
		slog.Info("[Router] Report denied", "layer", r.cfg.Name)
		out := fabric.NewRoutedMessage(fabric.DataBus, fabric.ControlBus, j.Raw)
		if err := r.route(ctx, r.cfg.ControlBusPubQueue, out, dec); err != nil {
			return r.fault(ctx, d, fabric.DataBus, FaultPublish, err, dec)
		}
		return nil
	}

	c, err := r.deps.Completion.Evaluate(ctx, msg, r.mission.Load())
	if err != nil {
		return r.fault(ctx, d, fabric.DataBus, FaultOracle, err, dec)
	}
	dec.Status = c.Status.String()
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordCompletion(c.Status.String(), c.Parsed == c.Status)
	}

	if c.Complete() {
		slog.Info("[Router] Mission completed", "layer", r.cfg.Name)
		out := fabric.NewRoutedMessage(fabric.DataBus, fabric.DataBus, msg)
		if err := r.route(ctx, r.cfg.DataBusPubQueue, out, dec); err != nil {
			return r.fault(ctx, d, fabric.DataBus, FaultPublish, err, dec)
		}
		r.setMission(ctx, nil)
		return nil
	}

	slog.Info("[Router] Mission not yet completed", "layer", r.cfg.Name, "status", c.Status)
	out := fabric.NewRoutedMessage(fabric.DataBus, fabric.ControlBus, c.Raw)
	if err := r.route(ctx, r.cfg.ControlBusPubQueue, out, dec); err != nil {
		return r.fault(ctx, d, fabric.DataBus, FaultPublish, err, dec)
	}
	return nil
}

// route publishes out and fills in the decision's destination.
func (r *Router) route(ctx context.Context, queue string, out *fabric.RoutedMessage, dec *ledger.Decision) error {
	dec.Source = out.Source.String()
	dec.Destination = out.Destination.String()
	dec.Body = out.Body

	if err := r.publish(ctx, queue, out); err != nil {
		return err
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordRouted(out.Source.String(), out.Destination.String())
	}
	r.emit(events.TypeRouted, out.ID, map[string]interface{}{
		"inbound_bus":     dec.InboundBus,
		"judgement":       dec.Judgement,
		"status":          dec.Status,
		"source_bus":      out.Source.String(),
		"destination_bus": out.Destination.String(),
		"queue":           queue,
		"body":            out.Body,
	})
	return nil
}

// publish retries transient broker failures. An open breaker, a closed bus or
// a cancelled context end the retries at once.
func (r *Router) publish(ctx context.Context, queue string, msg *fabric.RoutedMessage) error {
	op := func() error {
		err := r.deps.PublishBreaker.ExecuteContext(ctx, func(ctx context.Context) error {
			return r.deps.Publisher.Publish(ctx, queue, msg)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrCircuitOpen),
			errors.Is(err, circuitbreaker.ErrTooManyRequests),
			errors.Is(err, fabric.ErrBusClosed),
			ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		slog.Warn("[Router] Publish failed, retrying", "queue", queue, "id", msg.ID, "error", err)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.PublishBackoff
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.PublishRetries), ctx))
}

// deferDelivery hands d back to the broker. The pause keeps brokers that
// redeliver at once from spinning while the layer is paused.
func (r *Router) deferDelivery(ctx context.Context, bus fabric.BusID, d fabric.Delivery) {
	slog.Debug("[Router] Processing disabled, deferring message", "layer", r.cfg.Name, "bus", bus, "id", d.ID())
	if r.deps.Metrics != nil {
		r.deps.Metrics.MessagesDeferred.WithLabelValues(bus.String()).Inc()
	}
	select {
	case <-time.After(r.cfg.DeferDelay):
	case <-ctx.Done():
	}
	if err := d.Nack(); err != nil {
		slog.Warn("[Router] Nack failed", "bus", bus, "id", d.ID(), "error", err)
	}
}

// ============================================================================
// STATE
// ============================================================================

// Mission returns the active mission, if any. Safe for concurrent use.
func (r *Router) Mission() (string, bool) {
	m := r.mission.Load()
	if m == nil {
		return "", false
	}
	return *m, true
}

// setMission is only called from the processing goroutine.
func (r *Router) setMission(ctx context.Context, m *string) {
	r.mission.Store(m)

	var err error
	if m == nil {
		err = r.deps.Missions.Clear(ctx)
	} else {
		err = r.deps.Missions.Save(ctx, *m)
	}
	if err != nil {
		slog.Warn("[Router] Mission persistence failed", "layer", r.cfg.Name, "error", err)
	}
	r.observeMission(ctx)
}

func (r *Router) observeMission(ctx context.Context) {
	m, ok := r.Mission()
	if r.deps.Metrics != nil {
		r.deps.Metrics.SetMissionActive(ok)
	}
	r.emit(events.TypeMission, "", map[string]interface{}{
		"active":  ok,
		"mission": m,
	})
}

// Processing reports whether inbound messages are being routed.
func (r *Router) Processing() bool {
	return r.processing.Load()
}

// SetProcessing enables or pauses routing. Paused deliveries are handed back
// to the broker for redelivery.
func (r *Router) SetProcessing(enabled bool) {
	r.processing.Store(enabled)
	if r.deps.Metrics != nil {
		r.deps.Metrics.SetProcessing(enabled)
	}
}

// ToggleProcessing flips the processing flag and returns the new value.
func (r *Router) ToggleProcessing() bool {
	for {
		cur := r.processing.Load()
		if r.processing.CompareAndSwap(cur, !cur) {
			if r.deps.Metrics != nil {
				r.deps.Metrics.SetProcessing(!cur)
			}
			slog.Info("[Router] Message processing toggled", "layer", r.cfg.Name, "processing", !cur)
			return !cur
		}
	}
}

// Name returns the layer name.
func (r *Router) Name() string {
	return r.cfg.Name
}

func (r *Router) observeJudgement(bus fabric.BusID, j gate.Judgement) {
	slog.Info("[Router] Judgement", "layer", r.cfg.Name, "bus", bus, "verdict", j.Verdict, "parsed", j.Parsed)
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordJudgement(bus.String(), j.Verdict.String(), j.Parsed == j.Verdict)
	}
}

func (r *Router) record(ctx context.Context, dec ledger.Decision) {
	if r.deps.Ledger == nil {
		return
	}
	if err := r.deps.Ledger.Record(ctx, dec); err != nil {
		slog.Warn("[Router] Ledger write failed", "id", dec.MessageID, "error", err)
	}
}

func (r *Router) emit(eventType, subject string, data map[string]interface{}) {
	if r.deps.Events == nil {
		return
	}
	r.deps.Events.Emit(eventType, "/layers/"+r.cfg.Name, subject, data)
}
