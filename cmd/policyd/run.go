package main

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/policyd/internal/config"
	"github.com/basket/policyd/internal/ingest"
	"github.com/basket/policyd/internal/retention"
)

// workerStopTimeout bounds the wait for shard workers after their context is
// cancelled following a timed-out drain.
const workerStopTimeout = 5 * time.Second

func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_RUNTIME_INIT", err)
	}
	defer rt.Close()

	// Workers outlive the signal so queued events can finish during drain.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	rt.engine.Start(workCtx)

	// Alerts committed before a crash are handed off before new work starts.
	if n, err := rt.emitter.Drain(ctx); err != nil {
		logger.Warn("startup alert drain incomplete", "delivered", n, "error", err)
	} else {
		logger.Info("startup phase", "phase", "alerts_recovered", "delivered", n)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.emitter.Run(gctx, cfg.AlertDrainInterval())
		return nil
	})

	sched, err := retention.NewScheduler(retention.Config{
		Store:      rt.store,
		Logger:     logger,
		Schedule:   cfg.Retention.Cron,
		MarkerDays: cfg.Retention.MarkerDays,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	sched.Start(gctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "cron", cfg.Retention.Cron)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config watcher unavailable; gates will not hot-reload", "error", err)
	} else {
		g.Go(func() error {
			for range watcher.Events() {
				if err := rt.reloadGates(); err != nil {
					logger.Warn("gates reload rejected; keeping current gates", "error", err)
				}
			}
			return nil
		})
	}

	if cfg.Kafka.Topic != "" {
		decoder, err := ingest.NewDecoder()
		if err != nil {
			fatalStartup(logger, "E_SCHEMA_COMPILE", err)
		}
		reader, err := ingest.NewKafkaReader(ingest.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
		if err != nil {
			fatalStartup(logger, "E_KAFKA_READER", err)
		}
		src := ingest.NewKafkaSource(reader, decoder, rt.engine, logger)
		src.SetMetrics(rt.metrics)
		defer src.Close()
		logger.Info("startup phase", "phase", "consumer_started", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
		g.Go(func() error {
			return src.Run(gctx)
		})
	} else {
		logger.Info("no kafka topic configured; use `policyd ingest` to apply events")
	}

	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info("shutdown signal received")
	}

	// Stop intake first, then let the shards finish what they hold.
	drained := rt.engine.Drain(cfg.DrainTimeout())
	cancelWork()
	if !drained && !rt.engine.Wait(workerStopTimeout) {
		logger.Warn("engine workers still running at shutdown", "timeout", workerStopTimeout)
	}
	waitErr := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := rt.emitter.Drain(flushCtx); err != nil {
		logger.Warn("final alert drain incomplete", "delivered", n, "error", err)
	}

	st := rt.engine.Status()
	logger.Info("shutdown complete", "drained", drained, "applied", st.Applied, "failed", st.Failed, "retries", st.Retries)
	if waitErr != nil {
		logger.Error("runtime stopped with error", "error", waitErr)
		return 1
	}
	return 0
}
