// Package reducer applies outcome events to policy state with exactly-once
// effect over an at-least-once feed.
//
// Each event is validated, deduplicated, folded through the lifecycle state
// machine, and committed together with its audit record, idempotency marker,
// and (when the event makes the policy unsafe) an outbox alert.
package reducer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/policyd/internal/audit"
	"github.com/basket/policyd/internal/bus"
	"github.com/basket/policyd/internal/lifecycle"
	pdotel "github.com/basket/policyd/internal/otel"
	"github.com/basket/policyd/internal/persistence"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/shared"
	"github.com/basket/policyd/internal/telemetry"
)

const (
	defaultConflictRetries = 16
	defaultPersistTimeout  = 5 * time.Second
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result describes what Apply did. Record and Transition are zero for
// duplicates; State is the stored state after the call in both cases.
type Result struct {
	Outcome    Outcome
	Record     policy.AuditRecord
	State      policy.PolicyState
	Transition lifecycle.Outcome
	Attempts   int
}

// AlertDispatcher hands a committed outbox alert to notifiers.
type AlertDispatcher interface {
	DispatchOne(ctx context.Context, idempotencyKey string) error
}

type Config struct {
	MaxConflictRetries int
	PersistTimeout     time.Duration
	Bus                *bus.Bus
	Alerts             AlertDispatcher
	Metrics            *pdotel.Metrics
	Tracer             trace.Tracer
	Logger             *slog.Logger
	Now                func() time.Time
}

type Reducer struct {
	store      *persistence.Store
	strategies lifecycle.Lookuper
	cfg        Config
}

func New(store *persistence.Store, strategies lifecycle.Lookuper, cfg Config) *Reducer {
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = defaultConflictRetries
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.Metrics == nil {
		// The noop meter never fails to create instruments.
		cfg.Metrics, _ = pdotel.NewMetrics(metricnoop.NewMeterProvider().Meter(pdotel.MeterName))
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer(pdotel.TracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reducer{store: store, strategies: strategies, cfg: cfg}
}

// Apply reduces one event. Duplicates succeed without effect. Validation
// failures, including an event older than the newest ledger row for its
// policy, wrap policy.ErrInvalidEvent and leave no trace in the database.
// Transient persistence failures and exhausted conflict retries are returned
// for the caller to retry; IsRetryable classifies them.
func (r *Reducer) Apply(ctx context.Context, ev policy.OutcomeEvent) (Result, error) {
	ctx = shared.WithPolicy(ctx, ev.PolicyID, string(ev.Kind))
	ctx, span := pdotel.StartSpan(ctx, r.cfg.Tracer, "reducer.apply",
		pdotel.AttrPolicyID.String(ev.PolicyID),
		pdotel.AttrPolicyKind.String(string(ev.Kind)),
		pdotel.AttrIdempotencyKey.String(ev.IdempotencyKey),
		pdotel.AttrEventID.String(ev.EventID),
	)
	defer span.End()
	if shard := shared.Shard(ctx); shard >= 0 {
		span.SetAttributes(pdotel.AttrShard.Int(shard))
	}
	start := time.Now()

	if err := ev.Validate(); err != nil {
		r.reject(ctx, ev, err)
		span.SetStatus(codes.Error, "rejected")
		return Result{}, err
	}
	strat, err := r.strategies.Lookup(ev.Kind)
	if err != nil {
		r.reject(ctx, ev, err)
		span.SetStatus(codes.Error, "rejected")
		return Result{}, err
	}
	ev.OccurredAt = ev.OccurredAt.UTC()

	var res Result
	for attempt := 1; ; attempt++ {
		res, err = r.applyOnce(ctx, ev, strat)
		res.Attempts = attempt
		if !errors.Is(err, policy.ErrConflict) {
			break
		}
		r.cfg.Metrics.Conflicts.Add(ctx, 1, r.kindAttr(ev))
		if attempt > r.cfg.MaxConflictRetries {
			err = fmt.Errorf("apply %s after %d attempts: %w", ev.Key(), attempt, err)
			break
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
	}
	span.SetAttributes(pdotel.AttrAttempts.Int(res.Attempts))
	r.cfg.Metrics.ApplyDuration.Record(ctx, time.Since(start).Seconds(), r.kindAttr(ev))
	if errors.Is(err, policy.ErrInvalidEvent) {
		r.reject(ctx, ev, err)
		span.SetStatus(codes.Error, "rejected")
		return res, err
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if persistence.IsTransient(err) {
			r.cfg.Metrics.TransientErrors.Add(ctx, 1, r.kindAttr(ev))
		}
		return res, err
	}
	span.SetAttributes(pdotel.AttrOutcome.String(string(res.Outcome)))
	r.committed(ctx, ev, strat, res)
	return res, nil
}

// applyOnce loads and computes outside the write transaction, then commits
// conditioned on the loaded version. The duplicate check runs inside the
// transaction so a concurrent first application is always observed.
func (r *Reducer) applyOnce(ctx context.Context, ev policy.OutcomeEvent, strat lifecycle.Strategy) (Result, error) {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PersistTimeout)
	defer cancel()

	current, err := r.store.LoadPolicyState(pctx, ev.Key())
	switch {
	case errors.Is(err, policy.ErrNotFound):
		current = policy.NewCandidate(ev.PolicyID, ev.Kind, ev.OccurredAt)
	case err != nil:
		return Result{}, fmt.Errorf("load %s: %w", ev.Key(), err)
	}

	out, err := lifecycle.Transition(current, ev, strat)
	if err != nil {
		return Result{}, err
	}
	rec := audit.NewRecord(ev, current, out, strat.Gates().Version())

	var res Result
	err = r.store.WithinTx(pctx, func(tx *persistence.Tx) error {
		res = Result{}
		done, err := tx.IsProcessed(pctx, ev.IdempotencyKey)
		if err != nil {
			return err
		}
		if done {
			st, err := tx.LoadPolicyState(pctx, ev.Key())
			if err != nil && !errors.Is(err, policy.ErrNotFound) {
				return err
			}
			res = Result{Outcome: OutcomeDuplicate, State: st}
			return nil
		}
		// Ledger rows stay in occurred_at order so a fold reproduces the state.
		last, ok, err := tx.LastOccurredAt(pctx, ev.Key())
		if err != nil {
			return err
		}
		if ok && ev.OccurredAt.Before(last) {
			return &policy.ValidationError{
				Field:  "occurred_at",
				Reason: fmt.Sprintf("%s precedes last applied event at %s", ev.OccurredAt.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano)),
			}
		}

		version, err := tx.SavePolicyState(pctx, out.Next, current.Version)
		if err != nil {
			return err
		}
		sealed, err := tx.AppendAudit(pctx, rec)
		if err != nil {
			return err
		}
		now := r.cfg.Now()
		if out.Alert {
			if err := tx.EnqueueAlert(pctx, policy.AlertFromRecord(sealed), now); err != nil {
				return err
			}
		}
		if err := tx.MarkProcessed(pctx, ev.IdempotencyKey, now); err != nil {
			return err
		}

		next := out.Next
		next.Version = version
		res = Result{Outcome: OutcomeApplied, Record: sealed, State: next, Transition: out}
		return nil
	})
	if errors.Is(err, persistence.ErrAlreadyProcessed) {
		return r.duplicate(ctx, ev)
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// duplicate resolves a unique-key race lost inside the transaction.
func (r *Reducer) duplicate(ctx context.Context, ev policy.OutcomeEvent) (Result, error) {
	st, err := r.store.LoadPolicyState(ctx, ev.Key())
	if err != nil && !errors.Is(err, policy.ErrNotFound) {
		return Result{}, err
	}
	return Result{Outcome: OutcomeDuplicate, State: st}, nil
}

func (r *Reducer) committed(ctx context.Context, ev policy.OutcomeEvent, strat lifecycle.Strategy, res Result) {
	logger := telemetry.FromContext(ctx, r.cfg.Logger)
	attrs := r.kindAttr(ev)

	if res.Outcome == OutcomeDuplicate {
		r.cfg.Metrics.EventsDuplicate.Add(ctx, 1, attrs)
		logger.Debug("duplicate event ignored", telemetry.EventAttrs(ev)...)
		audit.Record(audit.Entry{
			Decision:       audit.DecisionDuplicate,
			PolicyID:       ev.PolicyID,
			Kind:           string(ev.Kind),
			IdempotencyKey: ev.IdempotencyKey,
			Reason:         "idempotency key already processed",
			TraceID:        shared.TraceID(ctx),
		})
		return
	}

	rec := res.Record
	r.cfg.Metrics.EventsAccepted.Add(ctx, 1, attrs)
	if rec.TransitionOccurred {
		r.cfg.Metrics.Transitions.Add(ctx, 1, metric.WithAttributes(
			pdotel.AttrPolicyKind.String(string(ev.Kind)),
			pdotel.AttrOldState.String(string(rec.OldLifecycle)),
			pdotel.AttrNewState.String(string(rec.NewLifecycle)),
		))
		logger.Info("policy transitioned",
			"old_state", rec.OldLifecycle, "new_state", rec.NewLifecycle,
			"run_count", rec.NewRunCount, "failure_count", rec.NewFailureCount,
			"blacklisted", rec.Blacklisted, "reason", rec.Reason)
	} else {
		logger.Debug("event applied", "state", rec.NewLifecycle, "run_count", rec.NewRunCount, "reason", rec.Reason)
	}
	audit.Record(audit.Entry{
		Decision:       audit.DecisionAccept,
		PolicyID:       ev.PolicyID,
		Kind:           string(ev.Kind),
		IdempotencyKey: ev.IdempotencyKey,
		Reason:         rec.Reason,
		GatesVersion:   strat.Gates().Version(),
		TraceID:        shared.TraceID(ctx),
	})
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(bus.TopicPolicyTransition, bus.PolicyTransitionEvent{
			PolicyID:       rec.PolicyID,
			Kind:           string(rec.Kind),
			IdempotencyKey: rec.IdempotencyKey,
			OldState:       string(rec.OldLifecycle),
			NewState:       string(rec.NewLifecycle),
			Transitioned:   rec.TransitionOccurred,
			Blacklisted:    rec.Blacklisted,
			RunCount:       rec.NewRunCount,
			FailureCount:   rec.NewFailureCount,
			OccurredAt:     rec.OccurredAt,
		})
	}

	if rec.AlertEmitted && r.cfg.Alerts != nil {
		// The alert is durable in the outbox; a failed hand-off is retried by
		// the emitter's drain, not by re-applying the event.
		if err := r.cfg.Alerts.DispatchOne(ctx, rec.IdempotencyKey); err != nil {
			logger.Warn("alert dispatch deferred", "idempotency_key", rec.IdempotencyKey, "error", err)
		}
	}
}

func (r *Reducer) reject(ctx context.Context, ev policy.OutcomeEvent, err error) {
	r.cfg.Metrics.EventsRejected.Add(ctx, 1, r.kindAttr(ev))
	attrs := append(telemetry.EventAttrs(ev), "error", err)
	telemetry.FromContext(ctx, r.cfg.Logger).Warn("event rejected", attrs...)
	audit.Record(audit.Entry{
		Decision:       audit.DecisionReject,
		PolicyID:       ev.PolicyID,
		Kind:           string(ev.Kind),
		IdempotencyKey: ev.IdempotencyKey,
		Reason:         err.Error(),
		TraceID:        shared.TraceID(ctx),
	})
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(bus.TopicPolicyRejected, bus.PolicyRejectedEvent{
			PolicyID:       ev.PolicyID,
			Kind:           string(ev.Kind),
			IdempotencyKey: ev.IdempotencyKey,
			Reason:         err.Error(),
		})
	}
}

func (r *Reducer) kindAttr(ev policy.OutcomeEvent) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("policy_kind", string(ev.Kind)))
}

// IsRetryable reports whether an Apply error should be retried with the same
// event: transient persistence failures and conflicts that outlasted the
// retry bound.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, policy.ErrInvalidEvent) {
		return false
	}
	return persistence.IsTransient(err) || errors.Is(err, policy.ErrConflict)
}
