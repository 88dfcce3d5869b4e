// Package engine runs the reducer over a pool of shards. Every event for one
// policy_id is routed to the same shard, so a policy's events are applied one
// at a time in arrival order while different policies proceed in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/basket/policyd/internal/lease"
	pdotel "github.com/basket/policyd/internal/otel"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/reducer"
	"github.com/basket/policyd/internal/shared"
	"github.com/basket/policyd/internal/telemetry"
)

var (
	// ErrStopped is returned by Submit once Drain has begun.
	ErrStopped = errors.New("engine stopped")
	// ErrLeaseHeld means another owner holds the policy's lease; the event is
	// retried after backoff.
	ErrLeaseHeld = errors.New("policy lease held by another owner")
)

// Applier reduces one event.
type Applier interface {
	Apply(ctx context.Context, ev policy.OutcomeEvent) (reducer.Result, error)
}

// DoneFunc receives the final result for a submitted event.
type DoneFunc func(ev policy.OutcomeEvent, res reducer.Result, err error)

type Config struct {
	Shards     int
	QueueDepth int
	LeaseTTL   time.Duration
	RetryBase  time.Duration
	RetryMax   time.Duration
	// Owner identifies this process as a lease holder.
	Owner   string
	Metrics *pdotel.Metrics
	Logger  *slog.Logger
}

type Status struct {
	Owner     string `json:"owner"`
	Shards    int    `json:"shards"`
	Queued    int    `json:"queued"`
	Active    int32  `json:"active"`
	Applied   int64  `json:"applied"`
	Failed    int64  `json:"failed"`
	Retries   int64  `json:"retries"`
	LastError string `json:"last_error,omitempty"`
}

type job struct {
	ev   policy.OutcomeEvent
	done DoneFunc
}

type Engine struct {
	applier Applier
	leaser  lease.Leaser
	config  Config

	shards []chan job

	once     sync.Once
	wg       sync.WaitGroup
	stopMu   sync.RWMutex
	stopping bool

	active    atomic.Int32
	applied   atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
	lastError atomic.Pointer[string]
}

func New(applier Applier, leaser lease.Leaser, cfg Config) *Engine {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 50 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Second
	}
	if cfg.Owner == "" {
		cfg.Owner = shared.NewWorkerID()
	}
	if cfg.Metrics == nil {
		cfg.Metrics, _ = pdotel.NewMetrics(metricnoop.NewMeterProvider().Meter(pdotel.MeterName))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if leaser == nil {
		leaser = lease.NewMemory()
	}
	shards := make([]chan job, cfg.Shards)
	for i := range shards {
		shards[i] = make(chan job, cfg.QueueDepth)
	}
	return &Engine{applier: applier, leaser: leaser, config: cfg, shards: shards}
}

// Start launches one worker per shard. Workers run until Drain closes their
// queues or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		for i := range e.shards {
			e.wg.Add(1)
			go func(i int) {
				defer e.wg.Done()
				e.worker(ctx, i)
			}(i)
		}
	})
}

// ShardFor returns the shard index events for policyID are routed to.
func (e *Engine) ShardFor(policyID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(policyID))
	return int(h.Sum32() % uint32(len(e.shards)))
}

// Submit queues ev on its policy's shard, blocking while the shard is full.
// done is called exactly once with the final outcome unless Submit returns an
// error.
func (e *Engine) Submit(ctx context.Context, ev policy.OutcomeEvent, done DoneFunc) error {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	if e.stopping {
		return ErrStopped
	}
	ch := e.shards[e.ShardFor(ev.PolicyID)]
	select {
	case ch <- job{ev: ev, done: done}:
		e.config.Metrics.QueueDepth.Add(ctx, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops intake and waits for queued events to finish. It reports
// whether the workers finished within timeout.
func (e *Engine) Drain(timeout time.Duration) bool {
	e.stopMu.Lock()
	if !e.stopping {
		e.stopping = true
		for _, ch := range e.shards {
			close(ch)
		}
	}
	e.stopMu.Unlock()

	if e.Wait(timeout) {
		e.config.Logger.Info("engine drained cleanly")
		return true
	}
	e.config.Logger.Warn("engine drain timeout; unfinished events will be redelivered", "timeout", timeout)
	return false
}

// Wait blocks until every worker has returned or timeout passes, and reports
// which came first. After a timed-out Drain, cancel the Start context and Wait
// again before closing the store the workers write to.
func (e *Engine) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Engine) Status() Status {
	queued := 0
	for _, ch := range e.shards {
		queued += len(ch)
	}
	st := Status{
		Owner:   e.config.Owner,
		Shards:  len(e.shards),
		Queued:  queued,
		Active:  e.active.Load(),
		Applied: e.applied.Load(),
		Failed:  e.failed.Load(),
		Retries: e.retries.Load(),
	}
	if msg := e.lastError.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

func (e *Engine) worker(ctx context.Context, shard int) {
	ctx = shared.WithShard(shared.WithWorkerID(ctx, e.config.Owner), shard)
	for j := range e.shards[shard] {
		e.config.Metrics.QueueDepth.Add(ctx, -1)
		e.handle(ctx, j)
	}
}

func (e *Engine) handle(ctx context.Context, j job) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	e.active.Add(1)
	defer e.active.Add(-1)

	res, err := e.applyWithRetry(ctx, j.ev)
	if err != nil {
		e.failed.Add(1)
		e.setLastError(err)
		telemetry.FromContext(ctx, e.config.Logger).Error("event not applied",
			append(telemetry.EventAttrs(j.ev), "error", err)...)
	} else {
		e.applied.Add(1)
	}
	if j.done != nil {
		j.done(j.ev, res, err)
	}
}

// applyWithRetry retries transient failures and held leases without bound,
// backing off exponentially, until the event applies, fails permanently, or
// ctx ends.
func (e *Engine) applyWithRetry(ctx context.Context, ev policy.OutcomeEvent) (reducer.Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := e.applyLeased(ctx, ev)
		if err == nil {
			return res, nil
		}
		if !reducer.IsRetryable(err) && !errors.Is(err, ErrLeaseHeld) {
			return res, err
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		e.retries.Add(1)
		e.setLastError(err)
		telemetry.FromContext(ctx, e.config.Logger).Debug("retrying event",
			"idempotency_key", ev.IdempotencyKey, "attempt", attempt+1, "error", err)

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(e.backoff(attempt)):
		}
	}
}

func (e *Engine) applyLeased(ctx context.Context, ev policy.OutcomeEvent) (reducer.Result, error) {
	key := lease.Key(ev.Key())
	ok, err := e.leaser.Acquire(ctx, key, e.config.Owner, e.config.LeaseTTL)
	if err != nil {
		// A lease backend outage is retried like any other transient failure.
		return reducer.Result{}, fmt.Errorf("acquire lease %s: %w: %w", key, ErrLeaseHeld, err)
	}
	if !ok {
		return reducer.Result{}, fmt.Errorf("%s: %w", key, ErrLeaseHeld)
	}
	defer func() {
		if err := e.leaser.Release(context.WithoutCancel(ctx), key, e.config.Owner); err != nil {
			e.setLastError(err)
		}
	}()
	return e.applier.Apply(ctx, ev)
}

func (e *Engine) backoff(attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	delay := e.config.RetryBase << uint(attempt)
	if delay > e.config.RetryMax || delay <= 0 {
		delay = e.config.RetryMax
	}
	jitter := time.Duration(rand.Int64N(int64(delay/2) + 1))
	return delay - delay/4 + jitter
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}
