// Command aspirant runs the aspirational layer: it consumes its Control Bus
// and Data Bus subscriptions, judges every message with the oracle, and routes
// it onward until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ace/aspirant/internal/api"
	"github.com/ace/aspirant/internal/circuitbreaker"
	"github.com/ace/aspirant/internal/config"
	"github.com/ace/aspirant/internal/events"
	"github.com/ace/aspirant/internal/fabric"
	"github.com/ace/aspirant/internal/gate"
	"github.com/ace/aspirant/internal/infra"
	"github.com/ace/aspirant/internal/layer"
	"github.com/ace/aspirant/internal/ledger"
	"github.com/ace/aspirant/internal/metrics"
	"github.com/ace/aspirant/internal/mission"
	"github.com/ace/aspirant/internal/oracle"
	"github.com/ace/aspirant/internal/prompts"
)

func main() {
	configPath := flag.String("config", os.Getenv("ACE_CONFIG"), "path to the YAML config file")
	envPath := flag.String("env", ".env", "path to the .env file")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		slog.Error("Failed to load environment file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Aspirant layer failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Aspirant layer stopped")
}

// closers run in reverse order of registration at shutdown.
type closers []func() error

func (c *closers) add(f func() error) { *c = append(*c, f) }

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			slog.Warn("Shutdown step failed", "error", err)
		}
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cleanup closers
	defer cleanup.closeAll()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	breakers := circuitbreaker.NewManager()
	res := cfg.Resilience
	oracleBreaker := breakers.GetOrCreate("oracle",
		circuitbreaker.DefaultConfig("oracle", res.BreakerFailures, res.BreakerOpenTimeout))
	publishBreaker := breakers.GetOrCreate("publish",
		circuitbreaker.DefaultConfig("publish", res.BreakerFailures, res.BreakerOpenTimeout))

	// --- Redis (bus and/or mission store) ---
	var rdb *infra.GoRedisAdapter
	if cfg.Bus.Backend == "redis" || cfg.Mission.Backend == "redis" {
		var err error
		rdb, err = infra.NewGoRedisAdapter(cfg.Bus.Redis.Addr, cfg.Bus.Redis.Password, cfg.Bus.Redis.DB)
		if err != nil {
			return err
		}
		cleanup.add(rdb.Close)
	}

	bus, err := buildBus(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	cleanup.add(bus.Close)

	base, err := buildOracle(ctx, cfg)
	if err != nil {
		return err
	}
	o := oracle.NewResilient(base, oracle.ResilientConfig{
		Timeout:        res.OracleTimeout,
		MaxRetries:     res.OracleRetries,
		InitialBackoff: res.OracleBackoff,
	}, oracleBreaker, m)

	var missions mission.Store = mission.NewMemoryStore()
	if cfg.Mission.Backend == "redis" {
		missions = mission.NewRedisStore(rdb, cfg.Bus.Redis.KeyPrefix+cfg.Layer.Name+":")
	}

	decisions, err := buildLedger(ctx, cfg, &cleanup)
	if err != nil {
		return err
	}

	eventBus := events.NewEventBus()

	router, err := layer.NewRouter(layer.Config{
		Name:               cfg.Layer.Name,
		ControlBusPubQueue: cfg.Bus.ControlPubQueue,
		DataBusPubQueue:    cfg.Bus.DataPubQueue,
		DeadLetterQueue:    cfg.Bus.DeadLetterQueue,
		ProcessMessages:    cfg.Layer.ProcessMessages,
		MailboxSize:        cfg.Layer.MailboxSize,
		DeferDelay:         cfg.Layer.DeferDelay,
		PublishRetries:     res.PublishRetries,
		PublishBackoff:     res.PublishBackoff,
	}, layer.Deps{
		Judgement:      gate.NewJudgementGate(o),
		Completion:     gate.NewCompletionGate(o),
		Publisher:      bus,
		Missions:       missions,
		Ledger:         decisions,
		Events:         eventBus,
		Metrics:        m,
		PublishBreaker: publishBreaker,
	})
	if err != nil {
		return err
	}

	// --- Processing ---
	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := router.Run(ctx); err != nil {
			errCh <- fmt.Errorf("router: %w", err)
		}
	}()
	consume := func(queue string, id fabric.BusID, h fabric.Handler) {
		defer wg.Done()
		slog.Info("Consuming", "bus", id, "queue", queue)
		if err := bus.Consume(ctx, queue, id, h); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("consume %s: %w", queue, err)
		}
	}
	go consume(cfg.Bus.ControlSubQueue, fabric.ControlBus, router.HandleControl)
	go consume(cfg.Bus.DataSubQueue, fabric.DataBus, router.HandleData)

	// --- Admin ---
	var admin *api.Server
	if cfg.Admin.Enabled {
		admin = api.NewServer(router, api.Deps{
			Ledger:   decisions,
			Events:   eventBus,
			Health:   breakers,
			Gatherer: reg,
		})
		go func() {
			if err := admin.ListenAndServe(cfg.Admin.Addr); err != nil {
				errCh <- err
			}
		}()
	}

	slog.Info("Aspirant layer started",
		"layer", cfg.Layer.Name,
		"bus", cfg.Bus.Backend,
		"oracle", cfg.Oracle.Backend,
		"processing", router.Processing(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, shutting down gracefully...")
	case runErr = <-errCh:
		slog.Error("Component failed, shutting down", "error", runErr)
	}

	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := admin.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Admin shutdown error", "error", err)
		}
		shutdownCancel()
	}

	// The router hands queued deliveries back through the bus, so the bus
	// closes only after it has stopped.
	cancel()
	wg.Wait()
	return runErr
}

func buildBus(ctx context.Context, cfg *config.Config, rdb *infra.GoRedisAdapter) (fabric.Bus, error) {
	switch cfg.Bus.Backend {
	case "redis":
		return fabric.NewRedisBus(rdb, cfg.Bus.Redis.KeyPrefix), nil
	case "pubsub":
		ps, err := fabric.NewPubSubBus(ctx, cfg.Bus.PubSub.ProjectID, cfg.Bus.PubSub.MaxOutstanding)
		if err != nil {
			return nil, err
		}
		if cfg.Bus.PubSub.CreateTopics {
			topics := []string{cfg.Bus.ControlPubQueue, cfg.Bus.DataPubQueue}
			if cfg.Bus.DeadLetterQueue != "" {
				topics = append(topics, cfg.Bus.DeadLetterQueue)
			}
			if err := ps.EnsureTopics(ctx, topics...); err != nil {
				ps.Close()
				return nil, err
			}
		}
		return ps, nil
	default:
		slog.Warn("Using in-process bus; messages do not leave this process")
		return fabric.NewLocalBus(), nil
	}
}

func buildOracle(ctx context.Context, cfg *config.Config) (oracle.Oracle, error) {
	if cfg.Oracle.Backend == "scripted" {
		slog.Warn("Using scripted oracle", "rules", len(cfg.Oracle.Rules))
		return oracle.NewScripted(cfg.Oracle.Default, cfg.Oracle.Rules...), nil
	}

	system := cfg.Oracle.SystemInstruction
	if system == "" {
		system = prompts.PrimaryDirective
	}
	return oracle.NewGenAIOracle(ctx, oracle.GenAIConfig{
		APIKey:            cfg.Oracle.APIKey,
		Model:             cfg.Oracle.Model,
		Project:           cfg.Oracle.Project,
		Location:          cfg.Oracle.Location,
		SystemInstruction: system,
	})
}

func buildLedger(ctx context.Context, cfg *config.Config, cleanup *closers) (ledger.Ledger, error) {
	switch cfg.Ledger.Backend {
	case "postgres":
		pg, err := ledger.NewPostgresLedger(ctx, cfg.Ledger.DSN, cfg.Layer.Name)
		if err != nil {
			return nil, err
		}
		cleanup.add(pg.Close)
		return ledger.NewChain(ctx, pg)
	case "memory":
		return ledger.NewChain(ctx, ledger.NewMemoryLedger(cfg.Ledger.Capacity))
	default:
		return nil, nil
	}
}
