package lifecycle_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/policyd/internal/lifecycle"
	"github.com/basket/policyd/internal/policy"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func exampleGates() lifecycle.Gates {
	return lifecycle.Gates{
		MinRuns:               20,
		MaxFailureRatio:       0.10,
		SustainRuns:           5,
		MinSustainedReward:    0.5,
		DeprecateFailureRatio: 0.5,
		DeprecateMinSamples:   10,
		BlacklistCeiling:      5,
		EvaluationWindow:      20,
		FailureThreshold:      0,
		Smoothing:             0.2,
	}
}

func mustStrategy(t *testing.T, kind policy.Kind, g lifecycle.Gates) lifecycle.Strategy {
	t.Helper()
	s, err := lifecycle.NewStrategy(kind, g)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	return s
}

func event(kind policy.Kind, n int, reward float64) policy.OutcomeEvent {
	return policy.OutcomeEvent{
		EventID:        fmt.Sprintf("evt-%d", n),
		IdempotencyKey: fmt.Sprintf("idem-%d", n),
		PolicyID:       "p-1",
		Kind:           kind,
		RunID:          fmt.Sprintf("run-%d", n),
		RewardDelta:    reward,
		OccurredAt:     t0.Add(time.Duration(n) * time.Second),
	}
}

// step applies rewards in order and returns the outcome of every event.
func step(t *testing.T, st policy.PolicyState, strat lifecycle.Strategy, start int, rewards ...float64) (policy.PolicyState, []lifecycle.Outcome) {
	t.Helper()
	var outs []lifecycle.Outcome
	for i, r := range rewards {
		out, err := lifecycle.Transition(st, event(st.Kind, start+i, r), strat)
		if err != nil {
			t.Fatalf("Transition #%d: %v", start+i, err)
		}
		if out.Next.RunCount != st.RunCount+1 {
			t.Fatalf("run_count %d -> %d", st.RunCount, out.Next.RunCount)
		}
		if out.Next.FailureCount > out.Next.RunCount || out.Next.FailureCount < st.FailureCount {
			t.Fatalf("failure_count invariant broken: %+v", out.Next)
		}
		if !out.Next.UpdatedAt.After(st.UpdatedAt) && st.RunCount > 0 {
			t.Fatalf("updated_at not increasing: %v -> %v", st.UpdatedAt, out.Next.UpdatedAt)
		}
		st = out.Next
		st.Version++
		outs = append(outs, out)
	}
	return st, outs
}

func repeat(r float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = r
	}
	return out
}

func TestToolReliabilityExampleScenario(t *testing.T) {
	strat := mustStrategy(t, policy.KindToolReliability, exampleGates())
	st := policy.NewCandidate("p-1", policy.KindToolReliability, t0.Add(time.Second))

	st, outs := step(t, st, strat, 1, repeat(1.0, 19)...)
	for i, o := range outs {
		if o.TransitionOccurred || o.Alert {
			t.Fatalf("event %d: unexpected transition/alert: %+v", i+1, o)
		}
	}
	if st.Lifecycle != policy.StateCandidate {
		t.Fatalf("after 19 events lifecycle = %s", st.Lifecycle)
	}

	st, outs = step(t, st, strat, 20, 1.0)
	if st.Lifecycle != policy.StateValidated || !outs[0].TransitionOccurred {
		t.Fatalf("event 20 should validate: %+v", outs[0])
	}
	if st.StateEnteredRun != 20 {
		t.Fatalf("state_entered_run = %d", st.StateEnteredRun)
	}

	st, outs = step(t, st, strat, 21, repeat(1.0, 4)...)
	for _, o := range outs {
		if o.TransitionOccurred {
			t.Fatalf("premature promotion at run %d", o.Next.RunCount)
		}
	}
	st, outs = step(t, st, strat, 25, 1.0)
	if st.Lifecycle != policy.StatePromoted || !outs[0].TransitionOccurred {
		t.Fatalf("event 25 should promote: %+v", outs[0])
	}

	st, outs = step(t, st, strat, 26, -1.0)
	if st.Lifecycle != policy.StatePromoted {
		t.Fatalf("event 26 demoted unexpectedly to %s", st.Lifecycle)
	}
	if st.FailureCount != 1 || st.RunCount != 26 {
		t.Fatalf("counters = %d/%d", st.FailureCount, st.RunCount)
	}
	if outs[0].Alert || outs[0].TransitionOccurred || !outs[0].Failed {
		t.Fatalf("event 26 outcome = %+v", outs[0])
	}
	if st.Blacklisted {
		t.Fatalf("single failure must not blacklist")
	}
}

func TestBlacklistBlocksPromotion(t *testing.T) {
	g := lifecycle.Gates{
		MinRuns: 3, MaxFailureRatio: 0.5,
		SustainRuns: 2, MinSustainedReward: 0.1,
		DeprecateFailureRatio: 0.9, DeprecateMinSamples: 10,
		BlacklistCeiling: 1, EvaluationWindow: 10,
	}
	strat := mustStrategy(t, policy.KindToolReliability, g)
	st := policy.NewCandidate("p-1", policy.KindToolReliability, t0.Add(time.Second))

	st, _ = step(t, st, strat, 1, 1, 1, 1)
	if st.Lifecycle != policy.StateValidated {
		t.Fatalf("lifecycle = %s", st.Lifecycle)
	}
	st, outs := step(t, st, strat, 4, -1, -1)
	if outs[0].Alert {
		t.Fatalf("first failure within ceiling must not alert")
	}
	if !outs[1].Alert || !st.Blacklisted {
		t.Fatalf("second failure should blacklist with alert: %+v", outs[1])
	}

	st, outs = step(t, st, strat, 6, 1, 1, 1)
	if st.Lifecycle != policy.StateValidated {
		t.Fatalf("blacklisted policy promoted to %s", st.Lifecycle)
	}
	for _, o := range outs {
		if o.Alert {
			t.Fatalf("blacklist re-confirmation raised an alert")
		}
	}
	if st.Usable() {
		t.Fatalf("blacklisted policy reported usable")
	}
}

func TestPromotedBlacklistedIsDemotedOnNextEvaluation(t *testing.T) {
	g := lifecycle.Gates{
		MinRuns: 2, MaxFailureRatio: 0.5,
		SustainRuns: 1, MinSustainedReward: 0,
		DeprecateFailureRatio: 1, DeprecateMinSamples: 1,
		BlacklistCeiling: 0, EvaluationWindow: 5,
	}
	strat := mustStrategy(t, policy.KindRetryThreshold, g)
	st := policy.NewCandidate("p-1", policy.KindRetryThreshold, t0.Add(time.Second))

	st, _ = step(t, st, strat, 1, 1, 1, 1)
	if st.Lifecycle != policy.StatePromoted {
		t.Fatalf("lifecycle = %s", st.Lifecycle)
	}

	st, outs := step(t, st, strat, 4, -1)
	if !outs[0].Alert || !st.Blacklisted || st.Lifecycle != policy.StatePromoted {
		t.Fatalf("blacklist flip: %+v", outs[0])
	}

	st, outs = step(t, st, strat, 5, 1)
	if st.Lifecycle != policy.StateDeprecated || !outs[0].Alert || !outs[0].TransitionOccurred {
		t.Fatalf("expected demotion with alert, got %+v", outs[0])
	}

	st, outs = step(t, st, strat, 6, 1, -1, 1)
	for _, o := range outs {
		if o.Alert || o.TransitionOccurred {
			t.Fatalf("deprecated must be terminal and silent: %+v", o)
		}
	}
	if st.Lifecycle != policy.StateDeprecated {
		t.Fatalf("lifecycle = %s", st.Lifecycle)
	}
}

func TestValidatedDeprecatesOnWindowFailureRatio(t *testing.T) {
	g := lifecycle.Gates{
		MinRuns: 2, MaxFailureRatio: 0.5,
		SustainRuns: 10, MinSustainedReward: 0,
		DeprecateFailureRatio: 0.3, DeprecateMinSamples: 4,
		BlacklistCeiling: 100, EvaluationWindow: 10,
	}
	strat := mustStrategy(t, policy.KindModelRoutingConfidence, g)
	st := policy.NewCandidate("p-1", policy.KindModelRoutingConfidence, t0.Add(time.Second))

	st, _ = step(t, st, strat, 1, 1, 1)
	if st.Lifecycle != policy.StateValidated {
		t.Fatalf("lifecycle = %s", st.Lifecycle)
	}
	st, outs := step(t, st, strat, 3, -1, -1, -1)
	if outs[0].TransitionOccurred {
		t.Fatalf("deprecated before min samples")
	}
	if !outs[1].TransitionOccurred || !outs[1].Alert || outs[1].Next.Lifecycle != policy.StateDeprecated {
		t.Fatalf("expected deprecation at run 4: %+v", outs[1])
	}
	if outs[2].Alert {
		t.Fatalf("re-confirmed deprecation alerted again")
	}
	if st.StateEnteredRun != 4 {
		t.Fatalf("state_entered_run = %d", st.StateEnteredRun)
	}
}

func TestTransitionIsDeterministic(t *testing.T) {
	for _, kind := range policy.Kinds {
		t.Run(string(kind), func(t *testing.T) {
			strat := mustStrategy(t, kind, exampleGates())
			rewards := []float64{1, 0.4, -0.2, 0, 2, -1, 0.7}
			a, _ := step(t, policy.NewCandidate("p-1", kind, t0.Add(time.Second)), strat, 1, rewards...)
			b, _ := step(t, policy.NewCandidate("p-1", kind, t0.Add(time.Second)), strat, 1, rewards...)
			if d := a.Diff(b); d != "" {
				t.Fatalf("replay diverged: %s", d)
			}
			if !json.Valid(a.Payload) {
				t.Fatalf("payload is not JSON: %s", a.Payload)
			}
		})
	}
}

func TestFailureClassificationPerKind(t *testing.T) {
	g := exampleGates()
	tests := []struct {
		kind   policy.Kind
		reward float64
		want   bool
	}{
		{policy.KindToolReliability, 0, false},
		{policy.KindToolReliability, -0.01, true},
		{policy.KindPatternEffectiveness, 0, true},
		{policy.KindPatternEffectiveness, 0.01, false},
		{policy.KindModelRoutingConfidence, -1, true},
		{policy.KindRetryThreshold, 1, false},
	}
	for _, tc := range tests {
		strat := mustStrategy(t, tc.kind, g)
		if got := strat.IsFailure(event(tc.kind, 1, tc.reward)); got != tc.want {
			t.Fatalf("%s IsFailure(%v) = %t, want %t", tc.kind, tc.reward, got, tc.want)
		}
	}
}

func TestRetryThresholdPayload(t *testing.T) {
	strat := mustStrategy(t, policy.KindRetryThreshold, exampleGates())
	st := policy.NewCandidate("p-1", policy.KindRetryThreshold, t0.Add(time.Second))
	st, _ = step(t, st, strat, 1, -1, -1, 1, -1, -1, -1, 1)

	var p struct {
		Attempts               int64 `json:"attempts"`
		ConsecutiveFailures    int64 `json:"consecutive_failures"`
		MaxConsecutiveFailures int64 `json:"max_consecutive_failures"`
		RecommendedThreshold   int64 `json:"recommended_threshold"`
	}
	if err := json.Unmarshal(st.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Attempts != 7 || p.ConsecutiveFailures != 0 || p.MaxConsecutiveFailures != 3 || p.RecommendedThreshold != 4 {
		t.Fatalf("payload = %+v", p)
	}
}

func TestRoutingConfidencePayload(t *testing.T) {
	strat := mustStrategy(t, policy.KindModelRoutingConfidence, exampleGates())
	st := policy.NewCandidate("p-1", policy.KindModelRoutingConfidence, t0.Add(time.Second))
	st, _ = step(t, st, strat, 1, 1, 1, 1, -1)

	var p struct {
		Alpha      float64 `json:"alpha"`
		Beta       float64 `json:"beta"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(st.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Alpha != 4 || p.Beta != 2 {
		t.Fatalf("alpha/beta = %v/%v", p.Alpha, p.Beta)
	}
	if p.Confidence < 0.66 || p.Confidence > 0.67 {
		t.Fatalf("confidence = %v", p.Confidence)
	}
}

func TestWindowIsBounded(t *testing.T) {
	g := exampleGates()
	g.EvaluationWindow = 5
	strat := mustStrategy(t, policy.KindPatternEffectiveness, g)
	st := policy.NewCandidate("p-1", policy.KindPatternEffectiveness, t0.Add(time.Second))
	st, _ = step(t, st, strat, 1, repeat(1, 12)...)

	var p struct {
		Window lifecycle.Window `json:"window"`
	}
	if err := json.Unmarshal(st.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Window.Len() != 5 {
		t.Fatalf("window length = %d", p.Window.Len())
	}
}

func TestUpdatedAtStrictlyIncreasesForLateEvents(t *testing.T) {
	strat := mustStrategy(t, policy.KindToolReliability, exampleGates())
	st := policy.NewCandidate("p-1", policy.KindToolReliability, t0.Add(10*time.Second))
	out, err := lifecycle.Transition(st, event(policy.KindToolReliability, 10, 1), strat)
	if err != nil {
		t.Fatal(err)
	}
	st = out.Next
	st.Version = 1

	late := event(policy.KindToolReliability, 2, 1)
	out, err = lifecycle.Transition(st, late, strat)
	if err != nil {
		t.Fatal(err)
	}
	if want := st.UpdatedAt.Add(time.Microsecond); !out.Next.UpdatedAt.Equal(want) {
		t.Fatalf("updated_at = %v, want %v", out.Next.UpdatedAt, want)
	}
}

func TestTransitionRejectsMismatchedInputs(t *testing.T) {
	strat := mustStrategy(t, policy.KindToolReliability, exampleGates())
	st := policy.NewCandidate("p-1", policy.KindToolReliability, t0)

	ev := event(policy.KindRetryThreshold, 1, 1)
	if _, err := lifecycle.Transition(st, ev, strat); err == nil {
		t.Fatalf("expected kind mismatch error")
	}
	ev = event(policy.KindToolReliability, 1, 1)
	ev.PolicyID = "other"
	if _, err := lifecycle.Transition(st, ev, strat); err == nil {
		t.Fatalf("expected policy mismatch error")
	}
	if _, err := lifecycle.Transition(st, event(policy.KindToolReliability, 1, 1), nil); err == nil {
		t.Fatalf("expected nil strategy error")
	}
}

func TestRegistryLookup(t *testing.T) {
	reg, err := lifecycle.NewRegistry(lifecycle.GatesSet{policy.KindToolReliability: exampleGates()})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := reg.Lookup(policy.KindToolReliability); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	_, err = reg.Lookup(policy.KindRetryThreshold)
	if !errors.Is(err, policy.ErrUnknownKind) || !errors.Is(err, policy.ErrInvalidEvent) {
		t.Fatalf("expected unknown-kind validation error, got %v", err)
	}
	if got := reg.Kinds(); len(got) != 1 || got[0] != policy.KindToolReliability {
		t.Fatalf("Kinds = %v", got)
	}
}

func TestLiveRegistryReloadKeepsPreviousOnError(t *testing.T) {
	live, err := lifecycle.NewLiveRegistry(lifecycle.GatesSet{policy.KindToolReliability: exampleGates()})
	if err != nil {
		t.Fatal(err)
	}
	before := live.Snapshot().Version()

	bad := exampleGates()
	bad.MinRuns = 0
	if err := live.Reload(lifecycle.GatesSet{policy.KindToolReliability: bad}); err == nil {
		t.Fatalf("expected reload error")
	}
	if live.Snapshot().Version() != before {
		t.Fatalf("failed reload replaced the registry")
	}

	next := exampleGates()
	next.MinRuns = 30
	if err := live.Reload(lifecycle.GatesSet{policy.KindToolReliability: next, policy.KindRetryThreshold: next}); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	s, err := live.Lookup(policy.KindRetryThreshold)
	if err != nil || s.Gates().MinRuns != 30 {
		t.Fatalf("reloaded lookup = %v, %v", s, err)
	}
}
