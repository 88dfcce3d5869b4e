package policy_test

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/basket/policyd/internal/policy"
)

func validEvent() policy.OutcomeEvent {
	return policy.OutcomeEvent{
		EventID:        "evt-1",
		IdempotencyKey: "idem-1",
		PolicyID:       "p-1",
		Kind:           policy.KindToolReliability,
		RunID:          "run-1",
		RewardDelta:    0.5,
		OccurredAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestOutcomeEventValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*policy.OutcomeEvent)
		field  string
	}{
		{name: "valid", mutate: func(*policy.OutcomeEvent) {}},
		{name: "missing idempotency key", mutate: func(e *policy.OutcomeEvent) { e.IdempotencyKey = "" }, field: "idempotency_key"},
		{name: "blank idempotency key", mutate: func(e *policy.OutcomeEvent) { e.IdempotencyKey = "   " }, field: "idempotency_key"},
		{name: "missing event id", mutate: func(e *policy.OutcomeEvent) { e.EventID = "" }, field: "event_id"},
		{name: "missing policy id", mutate: func(e *policy.OutcomeEvent) { e.PolicyID = "" }, field: "policy_id"},
		{name: "unknown kind", mutate: func(e *policy.OutcomeEvent) { e.Kind = "latency-budget" }, field: "policy_kind"},
		{name: "missing kind", mutate: func(e *policy.OutcomeEvent) { e.Kind = "" }, field: "policy_kind"},
		{name: "nan reward", mutate: func(e *policy.OutcomeEvent) { e.RewardDelta = math.NaN() }, field: "reward_delta"},
		{name: "inf reward", mutate: func(e *policy.OutcomeEvent) { e.RewardDelta = math.Inf(-1) }, field: "reward_delta"},
		{name: "zero timestamp", mutate: func(e *policy.OutcomeEvent) { e.OccurredAt = time.Time{} }, field: "occurred_at"},
		{name: "oversized id", mutate: func(e *policy.OutcomeEvent) { e.PolicyID = strings.Repeat("x", 300) }, field: "policy_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent()
			tc.mutate(&ev)
			err := ev.Validate()
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, policy.ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
			var verr *policy.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %q, want %q (%v)", verr.Field, tc.field, err)
			}
		})
	}
}

func TestUsable(t *testing.T) {
	tests := []struct {
		state       policy.LifecycleState
		blacklisted bool
		want        bool
	}{
		{policy.StateCandidate, false, false},
		{policy.StateValidated, false, true},
		{policy.StatePromoted, false, true},
		{policy.StateDeprecated, false, false},
		{policy.StateValidated, true, false},
		{policy.StatePromoted, true, false},
	}
	for _, tc := range tests {
		st := policy.PolicyState{Lifecycle: tc.state, Blacklisted: tc.blacklisted}
		if got := st.Usable(); got != tc.want {
			t.Fatalf("Usable(%s, blacklisted=%t) = %t, want %t", tc.state, tc.blacklisted, got, tc.want)
		}
	}
}

func TestNewCandidateIsZeroed(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	st := policy.NewCandidate("p", policy.KindRetryThreshold, at)
	if st.Lifecycle != policy.StateCandidate || st.RunCount != 0 || st.FailureCount != 0 || st.Blacklisted {
		t.Fatalf("unexpected candidate: %+v", st)
	}
	if st.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamps, got %v", st.CreatedAt.Location())
	}
	if string(st.Payload) != "{}" {
		t.Fatalf("payload = %s", st.Payload)
	}
	if st.FailureRatio() != 0 {
		t.Fatalf("failure ratio of empty state should be 0")
	}
}

func TestAuditRecordSnapshots(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := policy.AuditRecord{
		PolicyID:           "p",
		Kind:               policy.KindPatternEffectiveness,
		OldLifecycle:       policy.StateCandidate,
		NewLifecycle:       policy.StateValidated,
		OldPayload:         json.RawMessage(`{"a":1}`),
		NewPayload:         json.RawMessage(`{"a":2}`),
		OldRunCount:        19,
		NewRunCount:        20,
		NewStateEnteredRun: 20,
		StateCreatedAt:     created,
		StateUpdatedAt:     created.Add(time.Hour),
	}
	before, after := rec.Before(), rec.After()
	if before.Lifecycle != policy.StateCandidate || before.RunCount != 19 {
		t.Fatalf("before = %+v", before)
	}
	if after.Lifecycle != policy.StateValidated || after.StateEnteredRun != 20 {
		t.Fatalf("after = %+v", after)
	}
	if d := after.Diff(after.Clone()); d != "" {
		t.Fatalf("clone differs: %s", d)
	}
	if d := before.Diff(after); d == "" {
		t.Fatalf("expected diff between before and after")
	}
}

func TestAlertFromRecord(t *testing.T) {
	rec := policy.AuditRecord{
		IdempotencyKey: "k",
		PolicyID:       "p",
		Kind:           policy.KindToolReliability,
		OldLifecycle:   policy.StatePromoted,
		NewLifecycle:   policy.StateDeprecated,
		Blacklisted:    true,
		Reason:         "failure ratio above ceiling",
	}
	a := policy.AlertFromRecord(rec)
	if a.IdempotencyKey != "k" || a.NewLifecycle != policy.StateDeprecated || !a.Blacklisted {
		t.Fatalf("unexpected alert: %+v", a)
	}
}
