// Package lifecycle holds the policy lifecycle state machine and the per-kind
// strategies it delegates metric updates and gate evaluation to.
//
// Transition is a pure function: given the same state, event and strategy it
// always returns the same result, which is what makes ledger replay exact.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/policyd/internal/policy"
)

// Outcome is the result of applying one event.
type Outcome struct {
	Next               policy.PolicyState
	TransitionOccurred bool
	Alert              bool
	Failed             bool
	Reason             string
}

// Transition computes the next state for ev. It does not touch Version; the
// store assigns that on save.
func Transition(current policy.PolicyState, ev policy.OutcomeEvent, strat Strategy) (Outcome, error) {
	if strat == nil {
		return Outcome{}, fmt.Errorf("transition: nil strategy")
	}
	if ev.Kind != current.Kind || strat.Kind() != current.Kind {
		return Outcome{}, fmt.Errorf("transition: kind mismatch state=%s event=%s strategy=%s",
			current.Kind, ev.Kind, strat.Kind())
	}
	if ev.PolicyID != current.PolicyID {
		return Outcome{}, fmt.Errorf("transition: policy mismatch state=%s event=%s", current.PolicyID, ev.PolicyID)
	}
	if !current.Lifecycle.Valid() {
		return Outcome{}, fmt.Errorf("transition: invalid lifecycle state %q", current.Lifecycle)
	}

	next := current.Clone()
	failed := strat.IsFailure(ev)
	next.RunCount++
	if failed {
		next.FailureCount++
	}

	payload, err := strat.UpdatePayload(current.Payload, ev, failed)
	if err != nil {
		return Outcome{}, fmt.Errorf("transition: update payload: %w", err)
	}
	next.Payload = payload
	next.UpdatedAt = nextUpdatedAt(current, ev.OccurredAt)

	a, err := strat.Assess(next)
	if err != nil {
		return Outcome{}, fmt.Errorf("transition: assess: %w", err)
	}

	var reasons []string
	blacklistFlipped := false
	if a.Blacklist && !current.Blacklisted {
		next.Blacklisted = true
		blacklistFlipped = true
		reasons = append(reasons, "blacklisted")
	}

	switch current.Lifecycle {
	case policy.StateCandidate:
		if a.SufficientEvidence {
			next.Lifecycle = policy.StateValidated
			reasons = append(reasons, "validated")
		}
	case policy.StateValidated:
		switch {
		case a.Deprecate:
			next.Lifecycle = policy.StateDeprecated
			reasons = append(reasons, "deprecated")
		case a.SustainedReward && !next.Blacklisted:
			next.Lifecycle = policy.StatePromoted
			reasons = append(reasons, "promoted")
		}
	case policy.StatePromoted:
		switch {
		case a.Deprecate:
			next.Lifecycle = policy.StateDeprecated
			reasons = append(reasons, "deprecated")
		case current.Blacklisted:
			next.Lifecycle = policy.StateDeprecated
			reasons = append(reasons, "deprecated: blacklisted while promoted")
		}
	case policy.StateDeprecated:
		// terminal
	}

	out := Outcome{Next: next, Failed: failed}
	if next.Lifecycle != current.Lifecycle {
		out.TransitionOccurred = true
		out.Next.StateEnteredRun = next.RunCount
	}
	enteredDeprecated := next.Lifecycle == policy.StateDeprecated && current.Lifecycle != policy.StateDeprecated
	out.Alert = blacklistFlipped || enteredDeprecated

	switch {
	case len(reasons) == 0:
		out.Reason = fmt.Sprintf("%s: no transition (run %d, failures %d)", current.Lifecycle, next.RunCount, next.FailureCount)
	case a.Detail != "":
		out.Reason = strings.Join(reasons, ", ") + ": " + a.Detail
	default:
		out.Reason = strings.Join(reasons, ", ")
	}
	return out, nil
}

// nextUpdatedAt keeps updated_at strictly increasing per row while tracking
// event time when events arrive in order.
func nextUpdatedAt(current policy.PolicyState, occurred time.Time) time.Time {
	occurred = occurred.UTC()
	if current.RunCount == 0 && current.Version == 0 {
		return occurred
	}
	if occurred.After(current.UpdatedAt) {
		return occurred
	}
	return current.UpdatedAt.Add(time.Microsecond)
}
