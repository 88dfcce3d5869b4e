package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/policyd/internal/engine"
	"github.com/basket/policyd/internal/lease"
	"github.com/basket/policyd/internal/lifecycle"
	"github.com/basket/policyd/internal/persistence"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/reducer"
)

var t0 = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func ev(policyID string, n int) policy.OutcomeEvent {
	return policy.OutcomeEvent{
		EventID:        fmt.Sprintf("e-%s-%d", policyID, n),
		IdempotencyKey: fmt.Sprintf("k-%s-%d", policyID, n),
		PolicyID:       policyID,
		Kind:           policy.KindToolReliability,
		RewardDelta:    1,
		OccurredAt:     t0.Add(time.Duration(n) * time.Second),
	}
}

// orderingApplier records the order events reach it per policy and the peak
// number of concurrent applies per policy.
type orderingApplier struct {
	mu       sync.Mutex
	seen     map[string][]string
	inflight map[string]int
	overlap  bool
	active   atomic.Int32
	peak     atomic.Int32
	sleep    time.Duration
}

func newOrderingApplier(sleep time.Duration) *orderingApplier {
	return &orderingApplier{seen: map[string][]string{}, inflight: map[string]int{}, sleep: sleep}
}

func (a *orderingApplier) Apply(_ context.Context, e policy.OutcomeEvent) (reducer.Result, error) {
	a.mu.Lock()
	a.inflight[e.PolicyID]++
	if a.inflight[e.PolicyID] > 1 {
		a.overlap = true
	}
	a.seen[e.PolicyID] = append(a.seen[e.PolicyID], e.IdempotencyKey)
	a.mu.Unlock()

	cur := a.active.Add(1)
	for {
		prev := a.peak.Load()
		if cur <= prev || a.peak.CompareAndSwap(prev, cur) {
			break
		}
	}
	time.Sleep(a.sleep)
	a.active.Add(-1)

	a.mu.Lock()
	a.inflight[e.PolicyID]--
	a.mu.Unlock()
	return reducer.Result{Outcome: reducer.OutcomeApplied}, nil
}

func TestEngine_PerPolicyOrderAcrossShards(t *testing.T) {
	app := newOrderingApplier(2 * time.Millisecond)
	e := engine.New(app, lease.NewMemory(), engine.Config{Shards: 4, QueueDepth: 8})
	e.Start(context.Background())

	policies := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta"}
	var wg sync.WaitGroup
	wg.Add(len(policies) * 10)
	done := func(policy.OutcomeEvent, reducer.Result, error) { wg.Done() }
	for n := 0; n < 10; n++ {
		for _, p := range policies {
			if err := e.Submit(context.Background(), ev(p, n), done); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}
	wg.Wait()
	if !e.Drain(time.Second) {
		t.Fatal("drain timed out")
	}

	if app.overlap {
		t.Fatal("two events for one policy were applied concurrently")
	}
	for _, p := range policies {
		got := app.seen[p]
		if len(got) != 10 {
			t.Fatalf("%s: %d events applied", p, len(got))
		}
		for n, key := range got {
			if want := fmt.Sprintf("k-%s-%d", p, n); key != want {
				t.Fatalf("%s: position %d = %s, want %s", p, n, key, want)
			}
		}
	}
	if app.peak.Load() < 2 {
		t.Fatalf("peak concurrency = %d; shards did not run in parallel", app.peak.Load())
	}
	st := e.Status()
	if st.Applied != int64(len(policies)*10) || st.Failed != 0 || st.Queued != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestEngine_ShardForIsStable(t *testing.T) {
	e := engine.New(newOrderingApplier(0), nil, engine.Config{Shards: 8})
	for _, id := range []string{"a", "policy-42", "tool/grep"} {
		s := e.ShardFor(id)
		if s < 0 || s >= 8 {
			t.Fatalf("shard %d out of range", s)
		}
		for i := 0; i < 5; i++ {
			if e.ShardFor(id) != s {
				t.Fatalf("shard for %s not stable", id)
			}
		}
	}
}

type flakyApplier struct {
	failures atomic.Int32
	err      error
	calls    atomic.Int32
}

func (a *flakyApplier) Apply(_ context.Context, _ policy.OutcomeEvent) (reducer.Result, error) {
	a.calls.Add(1)
	if a.failures.Add(-1) >= 0 {
		return reducer.Result{}, a.err
	}
	return reducer.Result{Outcome: reducer.OutcomeApplied}, nil
}

func TestEngine_RetriesTransientErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		failures  int32
		wantCalls int32
		wantErr   bool
	}{
		{"deadline", fmt.Errorf("commit: %w", context.DeadlineExceeded), 3, 4, false},
		{"busy", errors.New("database is locked"), 2, 3, false},
		{"conflict", fmt.Errorf("apply: %w", policy.ErrConflict), 1, 2, false},
		{"invalid", &policy.ValidationError{Field: "policy_kind", Reason: "unknown"}, 1, 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := &flakyApplier{err: tc.err}
			app.failures.Store(tc.failures)
			e := engine.New(app, nil, engine.Config{Shards: 1, RetryBase: time.Millisecond, RetryMax: 5 * time.Millisecond})
			e.Start(context.Background())

			result := make(chan error, 1)
			if err := e.Submit(context.Background(), ev("p", 1), func(_ policy.OutcomeEvent, _ reducer.Result, err error) {
				result <- err
			}); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			select {
			case err := <-result:
				if (err != nil) != tc.wantErr {
					t.Fatalf("err = %v, wantErr %t", err, tc.wantErr)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("event never completed")
			}
			if got := app.calls.Load(); got != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", got, tc.wantCalls)
			}
			e.Drain(time.Second)
		})
	}
}

func TestEngine_WaitsForForeignLease(t *testing.T) {
	leaser := lease.NewMemory()
	key := lease.Key(policy.Key{PolicyID: "p", Kind: policy.KindToolReliability})
	if ok, _ := leaser.Acquire(context.Background(), key, "other-process", time.Minute); !ok {
		t.Fatal("setup acquire failed")
	}

	app := &flakyApplier{}
	e := engine.New(app, leaser, engine.Config{Shards: 1, Owner: "me", RetryBase: time.Millisecond, RetryMax: 2 * time.Millisecond})
	e.Start(context.Background())

	result := make(chan error, 1)
	if err := e.Submit(context.Background(), ev("p", 1), func(_ policy.OutcomeEvent, _ reducer.Result, err error) {
		result <- err
	}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	if app.calls.Load() != 0 {
		t.Fatal("applied while another owner held the lease")
	}
	if err := leaser.Release(context.Background(), key, "other-process"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event never applied after lease release")
	}
	if e.Status().Retries == 0 {
		t.Fatal("expected lease retries to be counted")
	}
	e.Drain(time.Second)
	if leaser.Held() != 0 {
		t.Fatalf("engine leaked %d leases", leaser.Held())
	}
}

// stuckApplier holds every apply until its context ends.
type stuckApplier struct {
	entered chan struct{}
}

func (a *stuckApplier) Apply(ctx context.Context, _ policy.OutcomeEvent) (reducer.Result, error) {
	a.entered <- struct{}{}
	<-ctx.Done()
	return reducer.Result{}, ctx.Err()
}

func TestEngine_WaitAfterTimedOutDrain(t *testing.T) {
	app := &stuckApplier{entered: make(chan struct{}, 1)}
	e := engine.New(app, nil, engine.Config{Shards: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	result := make(chan error, 1)
	if err := e.Submit(context.Background(), ev("p", 1), func(_ policy.OutcomeEvent, _ reducer.Result, err error) {
		result <- err
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-app.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the event")
	}

	if e.Drain(20 * time.Millisecond) {
		t.Fatal("drain finished while a worker was stuck")
	}
	if e.Wait(20 * time.Millisecond) {
		t.Fatal("Wait returned before the worker context was cancelled")
	}
	cancel()
	if !e.Wait(2 * time.Second) {
		t.Fatal("worker still running after cancel")
	}
	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	default:
		t.Fatal("done callback not called before Wait returned")
	}
}

func TestEngine_SubmitAfterDrain(t *testing.T) {
	e := engine.New(newOrderingApplier(0), nil, engine.Config{Shards: 2})
	e.Start(context.Background())
	if !e.Drain(time.Second) {
		t.Fatal("drain timed out")
	}
	if err := e.Submit(context.Background(), ev("p", 1), nil); !errors.Is(err, engine.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestEngine_WithReducer(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "policyd.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg, err := lifecycle.NewRegistry(lifecycle.GatesSet{policy.KindToolReliability: {
		MinRuns: 5, MaxFailureRatio: 0.2, SustainRuns: 3, MinSustainedReward: 0.5,
		DeprecateFailureRatio: 0.5, DeprecateMinSamples: 5, BlacklistCeiling: 3, EvaluationWindow: 10,
	}})
	if err != nil {
		t.Fatal(err)
	}
	r := reducer.New(store, reg, reducer.Config{})
	e := engine.New(r, lease.NewSQL(store), engine.Config{Shards: 3})
	e.Start(context.Background())

	var wg sync.WaitGroup
	var failures atomic.Int32
	done := func(_ policy.OutcomeEvent, _ reducer.Result, err error) {
		if err != nil {
			failures.Add(1)
		}
		wg.Done()
	}
	ids := []string{"p1", "p2", "p3", "p4"}
	for n := 1; n <= 8; n++ {
		for _, id := range ids {
			wg.Add(1)
			if err := e.Submit(context.Background(), ev(id, n), done); err != nil {
				t.Fatal(err)
			}
		}
	}
	// Redelivery of an already-submitted event collapses to a no-op.
	wg.Add(1)
	if err := e.Submit(context.Background(), ev("p1", 1), done); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	e.Drain(time.Second)
	if failures.Load() != 0 {
		t.Fatalf("%d events failed", failures.Load())
	}

	for _, id := range ids {
		key := policy.Key{PolicyID: id, Kind: policy.KindToolReliability}
		st, err := r.GetCurrentState(context.Background(), key)
		if err != nil {
			t.Fatal(err)
		}
		if st.RunCount != 8 || st.Lifecycle != policy.StatePromoted {
			t.Fatalf("%s: run_count=%d lifecycle=%s", id, st.RunCount, st.Lifecycle)
		}
		if _, err := r.Verify(context.Background(), key); err != nil {
			t.Fatalf("%s: Verify: %v", id, err)
		}
	}
}
