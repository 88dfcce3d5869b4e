package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/policyd/internal/alert"
	"github.com/basket/policyd/internal/bus"
	"github.com/basket/policyd/internal/config"
	"github.com/basket/policyd/internal/engine"
	"github.com/basket/policyd/internal/lease"
	"github.com/basket/policyd/internal/lifecycle"
	otelPkg "github.com/basket/policyd/internal/otel"
	"github.com/basket/policyd/internal/persistence"
	"github.com/basket/policyd/internal/reducer"
)

// runtime is the wired reducer stack shared by run and ingest.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	otel     *otelPkg.Provider
	metrics  *otelPkg.Metrics
	store    *persistence.Store
	registry *lifecycle.LiveRegistry
	emitter  *alert.Emitter
	reducer  *reducer.Reducer
	engine   *engine.Engine

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	rt.bus = bus.New(bus.WithDropHandler(func(topic string) {
		logger.Warn("bus subscriber lagging; event dropped", "topic", topic)
	}))
	rt.closers = append(rt.closers, rt.bus)
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	rt.otel = provider
	rt.closers = append(rt.closers, closerFunc(func() error { return provider.Shutdown(context.Background()) }))
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	rt.metrics = metrics

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, store)
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	registry, err := lifecycle.NewLiveRegistry(cfg.Gates)
	if err != nil {
		return nil, fmt.Errorf("load gates: %w", err)
	}
	rt.registry = registry
	if kinds := registry.Snapshot().Kinds(); len(kinds) == 0 {
		logger.Warn("no gates configured; every event will be rejected")
	} else {
		logger.Info("startup phase", "phase", "gates_loaded", "kinds", kinds, "gates_version", registry.Snapshot().Version())
	}

	notifiers := []alert.Notifier{
		alert.BusNotifier{Bus: rt.bus},
		alert.LogNotifier{Logger: logger},
	}
	if cfg.Kafka.AlertTopic != "" {
		kn := alert.NewKafkaNotifier(alert.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic))
		rt.closers = append(rt.closers, kn)
		notifiers = append(notifiers, kn)
	}
	rt.emitter = alert.NewEmitter(store, alert.EmitterConfig{
		DrainBatch: cfg.Alerts.DrainBatch,
		Metrics:    metrics,
		Logger:     logger,
	}, notifiers...)

	rt.reducer = reducer.New(store, registry, reducer.Config{
		MaxConflictRetries: cfg.MaxConflictRetries,
		PersistTimeout:     cfg.PersistTimeout(),
		Bus:                rt.bus,
		Alerts:             rt.emitter,
		Metrics:            metrics,
		Tracer:             provider.Tracer,
		Logger:             logger,
	})

	leaser, err := newLeaser(cfg, store)
	if err != nil {
		return nil, err
	}
	if c, isCloser := leaser.(io.Closer); isCloser {
		rt.closers = append(rt.closers, c)
	}
	rt.engine = engine.New(rt.reducer, leaser, engine.Config{
		Shards:     cfg.WorkerCount,
		QueueDepth: cfg.QueueDepth,
		LeaseTTL:   cfg.LeaseTTL(),
		Metrics:    metrics,
		Logger:     logger,
	})
	logger.Info("startup phase", "phase", "engine_ready",
		"shards", cfg.WorkerCount, "lease_backend", cfg.Lease.Backend, "owner", rt.engine.Status().Owner)

	ok = true
	return rt, nil
}

func newLeaser(cfg config.Config, store *persistence.Store) (lease.Leaser, error) {
	switch cfg.Lease.Backend {
	case config.LeaseBackendMemory:
		return lease.NewMemory(), nil
	case config.LeaseBackendSQLite:
		return lease.NewSQL(store), nil
	case config.LeaseBackendRedis:
		r, err := lease.NewRedis(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("lease backend: %w", err)
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown lease backend %q", cfg.Lease.Backend)
}

// reloadGates swaps in the gates from a freshly loaded config. The running
// gates stay active when the file does not load or validate.
func (rt *runtime) reloadGates() error {
	next, err := config.LoadFrom(rt.cfg.HomeDir)
	if err != nil {
		return err
	}
	if err := rt.registry.Reload(next.Gates); err != nil {
		return err
	}
	rt.logger.Info("gates reloaded", "gates_version", rt.registry.Snapshot().Version(), "fingerprint", next.Fingerprint())
	return nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
