package audit

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/basket/policyd/internal/lifecycle"
	"github.com/basket/policyd/internal/policy"
)

// ReplayError reports a record that cannot be folded onto its predecessor.
type ReplayError struct {
	Seq    int64
	Reason string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay failed at seq %d: %s", e.Seq, e.Reason)
}

// SortForReplay orders records by occurred_at, breaking ties by ledger
// sequence. The input is not modified.
func SortForReplay(records []policy.AuditRecord) []policy.AuditRecord {
	out := append([]policy.AuditRecord(nil), records...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Fold rebuilds a policy's current state from its audit records. Records are
// folded in occurred_at order; each record's before-snapshot must equal the
// previous record's after-snapshot. The returned Version equals the number of
// records, matching the store's one-save-per-accepted-event rule.
func Fold(records []policy.AuditRecord) (policy.PolicyState, error) {
	if len(records) == 0 {
		return policy.PolicyState{}, policy.ErrNotFound
	}
	ordered := SortForReplay(records)

	first := ordered[0]
	if first.OldRunCount != 0 || first.OldFailureCount != 0 || first.OldLifecycle != policy.StateCandidate || first.OldBlacklisted {
		return policy.PolicyState{}, &ReplayError{Seq: first.Seq, Reason: "first record does not start from a fresh candidate"}
	}

	prev := first.After()
	for _, r := range ordered[1:] {
		if r.PolicyID != first.PolicyID || r.Kind != first.Kind {
			return policy.PolicyState{}, &ReplayError{Seq: r.Seq, Reason: "record belongs to a different policy"}
		}
		if reason := continues(prev, r.Before()); reason != "" {
			return policy.PolicyState{}, &ReplayError{Seq: r.Seq, Reason: reason + " (ledger rows out of occurred_at order)"}
		}
		prev = r.After()
	}
	prev.Version = int64(len(ordered))
	return prev, nil
}

func continues(prev, before policy.PolicyState) string {
	switch {
	case prev.Lifecycle != before.Lifecycle:
		return fmt.Sprintf("lifecycle %s does not follow %s", before.Lifecycle, prev.Lifecycle)
	case prev.RunCount != before.RunCount:
		return fmt.Sprintf("run_count %d does not follow %d", before.RunCount, prev.RunCount)
	case prev.FailureCount != before.FailureCount:
		return fmt.Sprintf("failure_count %d does not follow %d", before.FailureCount, prev.FailureCount)
	case prev.StateEnteredRun != before.StateEnteredRun:
		return fmt.Sprintf("state_entered_run %d does not follow %d", before.StateEnteredRun, prev.StateEnteredRun)
	case prev.Blacklisted != before.Blacklisted:
		return "blacklisted flag does not follow"
	case !bytes.Equal(prev.Payload, before.Payload):
		return "state_payload does not follow"
	case !prev.CreatedAt.Equal(before.CreatedAt):
		return "created_at changed"
	}
	return ""
}

// Reexecute runs every record whose gates_version matches strat's gates back
// through the state machine and checks the recorded after-snapshot. Records
// produced under other gates are skipped. It returns how many were checked.
func Reexecute(records []policy.AuditRecord, strat lifecycle.Strategy) (int, error) {
	version := strat.Gates().Version()
	ordered := SortForReplay(records)
	checked := 0
	for i, r := range ordered {
		before := r.Before()
		before.UpdatedAt = before.CreatedAt
		if i > 0 {
			before.UpdatedAt = ordered[i-1].StateUpdatedAt
		}
		before.Version = int64(i)
		if r.GatesVersion != version {
			continue
		}
		out, err := lifecycle.Transition(before, r.Event(), strat)
		if err != nil {
			return checked, &ReplayError{Seq: r.Seq, Reason: err.Error()}
		}
		want := r.After()
		want.Version = out.Next.Version
		if d := out.Next.Diff(want); d != "" {
			return checked, &ReplayError{Seq: r.Seq, Reason: "re-executed state differs: " + d}
		}
		if out.TransitionOccurred != r.TransitionOccurred || out.Alert != r.AlertEmitted {
			return checked, &ReplayError{Seq: r.Seq, Reason: "re-executed flags differ"}
		}
		checked++
	}
	return checked, nil
}

// NewRecord builds the unsealed ledger row for one accepted event.
func NewRecord(ev policy.OutcomeEvent, before policy.PolicyState, out lifecycle.Outcome, gatesVersion string) policy.AuditRecord {
	next := out.Next
	return policy.AuditRecord{
		IdempotencyKey:     ev.IdempotencyKey,
		EventID:            ev.EventID,
		PolicyID:           ev.PolicyID,
		Kind:               ev.Kind,
		OldLifecycle:       before.Lifecycle,
		NewLifecycle:       next.Lifecycle,
		TransitionOccurred: out.TransitionOccurred,
		OldPayload:         before.Payload,
		NewPayload:         next.Payload,
		OldRunCount:        before.RunCount,
		NewRunCount:        next.RunCount,
		OldFailureCount:    before.FailureCount,
		NewFailureCount:    next.FailureCount,
		OldStateEnteredRun: before.StateEnteredRun,
		NewStateEnteredRun: next.StateEnteredRun,
		OldBlacklisted:     before.Blacklisted,
		Blacklisted:        next.Blacklisted,
		AlertEmitted:       out.Alert,
		RewardDelta:        ev.RewardDelta,
		RunID:              ev.RunID,
		ObjectiveID:        ev.ObjectiveID,
		OccurredAt:         ev.OccurredAt.UTC(),
		StateCreatedAt:     next.CreatedAt,
		StateUpdatedAt:     next.UpdatedAt,
		GatesVersion:       gatesVersion,
		Reason:             out.Reason,
	}
}
