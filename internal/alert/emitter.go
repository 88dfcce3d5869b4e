// Package alert hands committed outbox alerts to notification collaborators.
// It holds no business logic: which events alert is decided by the state
// machine, and the outbox row is written in the reducer's transaction.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	pdotel "github.com/basket/policyd/internal/otel"
	"github.com/basket/policyd/internal/persistence"
	"github.com/basket/policyd/internal/policy"
)

const defaultDrainBatch = 100

// Notifier delivers one alert to an external collaborator.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a policy.Alert) error
}

type EmitterConfig struct {
	DrainBatch int
	Metrics    *pdotel.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Emitter moves alerts from the outbox to its notifiers and marks them
// dispatched. Each notifier takes a given alert once: deliveries are recorded
// per notifier, and an alert is claimed by at most one goroutine at a time.
type Emitter struct {
	store     *persistence.Store
	notifiers []Notifier
	cfg       EmitterConfig

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewEmitter(store *persistence.Store, cfg EmitterConfig, notifiers ...Notifier) *Emitter {
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = defaultDrainBatch
	}
	if cfg.Metrics == nil {
		cfg.Metrics, _ = pdotel.NewMetrics(metricnoop.NewMeterProvider().Meter(pdotel.MeterName))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Emitter{
		store:     store,
		notifiers: notifiers,
		cfg:       cfg,
		inflight:  make(map[string]struct{}),
	}
}

// DispatchOne delivers the outbox alert for idempotencyKey if it is still
// pending.
func (e *Emitter) DispatchOne(ctx context.Context, idempotencyKey string) error {
	_, err := e.dispatch(ctx, idempotencyKey)
	return err
}

// Drain makes one pass over pending alerts, oldest first. Failed deliveries
// stay pending for the next pass. It returns how many were delivered.
func (e *Emitter) Drain(ctx context.Context) (int, error) {
	pending, err := e.store.PendingAlerts(ctx, e.cfg.DrainBatch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	var errs []error
	for _, entry := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := e.dispatch(ctx, entry.Alert.IdempotencyKey)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered, errors.Join(errs...)
}

// dispatch claims key, re-reads its outbox row under the claim, and delivers
// it when still pending.
func (e *Emitter) dispatch(ctx context.Context, key string) (bool, error) {
	if !e.claim(key) {
		return false, nil
	}
	defer e.release(key)

	entry, err := e.store.GetOutboxEntry(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load outbox entry %s: %w", key, err)
	}
	if entry.DispatchedAt != nil {
		return false, nil
	}
	if err := e.deliver(ctx, entry.Alert); err != nil {
		return false, err
	}
	return true, nil
}

// Run drains on every tick until ctx is done.
func (e *Emitter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.Drain(ctx); err != nil && ctx.Err() == nil {
				e.cfg.Logger.Warn("alert drain incomplete", "delivered", n, "error", err)
			} else if n > 0 {
				e.cfg.Logger.Info("alert drain delivered", "count", n)
			}
		}
	}
}

// deliver hands a to every notifier that has not taken it yet. A notifier
// failure does not stop the others; the row stays pending until all of them
// have it, and later passes only retry the missing ones.
func (e *Emitter) deliver(ctx context.Context, a policy.Alert) error {
	attrs := metric.WithAttributes(attribute.String("policy_kind", string(a.Kind)))
	done, err := e.store.AlertDeliveries(ctx, a.IdempotencyKey)
	if err != nil {
		return err
	}

	var failures []error
	for _, n := range e.notifiers {
		if _, ok := done[n.Name()]; ok {
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			e.cfg.Metrics.AlertFailures.Add(ctx, 1, attrs)
			failures = append(failures, fmt.Errorf("notifier %s: %w", n.Name(), err))
			continue
		}
		if err := e.store.RecordAlertDelivery(ctx, a.IdempotencyKey, n.Name(), e.cfg.Now()); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		err := errors.Join(failures...)
		if markErr := e.store.MarkAlertFailed(ctx, a.IdempotencyKey, err.Error()); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}

	if _, err := e.store.MarkAlertDispatched(ctx, a.IdempotencyKey, e.cfg.Now()); err != nil {
		return err
	}
	e.cfg.Metrics.AlertsEmitted.Add(ctx, 1, attrs)
	return nil
}

func (e *Emitter) claim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Emitter) release(key string) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
}
