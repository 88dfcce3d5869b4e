// Package policy defines the data model shared by the reducer: policy
// identities, lifecycle states, inbound outcome events, audit records and the
// outbound alert contract.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the closed set of policy categories.
type Kind string

const (
	KindToolReliability        Kind = "tool-reliability"
	KindPatternEffectiveness   Kind = "pattern-effectiveness"
	KindModelRoutingConfidence Kind = "model-routing-confidence"
	KindRetryThreshold         Kind = "retry-threshold"
)

// Kinds lists every policy kind in a stable order.
var Kinds = []Kind{
	KindToolReliability,
	KindPatternEffectiveness,
	KindModelRoutingConfidence,
	KindRetryThreshold,
}

func (k Kind) String() string { return string(k) }

func (k Kind) Valid() bool {
	switch k {
	case KindToolReliability, KindPatternEffectiveness, KindModelRoutingConfidence, KindRetryThreshold:
		return true
	}
	return false
}

// LifecycleState is the reducer's trust classification for a policy.
type LifecycleState string

const (
	StateCandidate  LifecycleState = "candidate"
	StateValidated  LifecycleState = "validated"
	StatePromoted   LifecycleState = "promoted"
	StateDeprecated LifecycleState = "deprecated"
)

func (s LifecycleState) Valid() bool {
	switch s {
	case StateCandidate, StateValidated, StatePromoted, StateDeprecated:
		return true
	}
	return false
}

// Key identifies one policy row.
type Key struct {
	PolicyID string `json:"policy_id"`
	Kind     Kind   `json:"policy_kind"`
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.PolicyID
}

// PolicyState is the authoritative current belief about one policy.
type PolicyState struct {
	PolicyID  string          `json:"policy_id"`
	Kind      Kind            `json:"policy_kind"`
	Lifecycle LifecycleState  `json:"lifecycle_state"`
	Payload   json.RawMessage `json:"state_payload"`

	RunCount     int64 `json:"run_count"`
	FailureCount int64 `json:"failure_count"`
	// StateEnteredRun is the run_count at which Lifecycle was entered.
	StateEnteredRun int64 `json:"state_entered_run"`
	Blacklisted     bool  `json:"blacklisted"`

	// Version increments on every save; zero means the row was never stored.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCandidate returns the zero-valued state for a never-seen policy.
func NewCandidate(policyID string, kind Kind, at time.Time) PolicyState {
	at = at.UTC()
	return PolicyState{
		PolicyID:  policyID,
		Kind:      kind,
		Lifecycle: StateCandidate,
		Payload:   json.RawMessage(`{}`),
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func (s PolicyState) Key() Key {
	return Key{PolicyID: s.PolicyID, Kind: s.Kind}
}

// Usable reports whether orchestration may rely on the policy right now.
func (s PolicyState) Usable() bool {
	return (s.Lifecycle == StateValidated || s.Lifecycle == StatePromoted) && !s.Blacklisted
}

// FailureRatio is failure_count / run_count over the policy's whole history.
func (s PolicyState) FailureRatio() float64 {
	if s.RunCount == 0 {
		return 0
	}
	return float64(s.FailureCount) / float64(s.RunCount)
}

// Clone returns a copy that shares no memory with s.
func (s PolicyState) Clone() PolicyState {
	out := s
	out.Payload = append(json.RawMessage(nil), s.Payload...)
	return out
}

// Diff returns a description of the first field that differs, or "" when the
// two states are identical.
func (s PolicyState) Diff(other PolicyState) string {
	switch {
	case s.PolicyID != other.PolicyID:
		return fmt.Sprintf("policy_id %q != %q", s.PolicyID, other.PolicyID)
	case s.Kind != other.Kind:
		return fmt.Sprintf("policy_kind %q != %q", s.Kind, other.Kind)
	case s.Lifecycle != other.Lifecycle:
		return fmt.Sprintf("lifecycle_state %q != %q", s.Lifecycle, other.Lifecycle)
	case !bytes.Equal(s.Payload, other.Payload):
		return fmt.Sprintf("state_payload %s != %s", s.Payload, other.Payload)
	case s.RunCount != other.RunCount:
		return fmt.Sprintf("run_count %d != %d", s.RunCount, other.RunCount)
	case s.FailureCount != other.FailureCount:
		return fmt.Sprintf("failure_count %d != %d", s.FailureCount, other.FailureCount)
	case s.StateEnteredRun != other.StateEnteredRun:
		return fmt.Sprintf("state_entered_run %d != %d", s.StateEnteredRun, other.StateEnteredRun)
	case s.Blacklisted != other.Blacklisted:
		return fmt.Sprintf("blacklisted %t != %t", s.Blacklisted, other.Blacklisted)
	case s.Version != other.Version:
		return fmt.Sprintf("version %d != %d", s.Version, other.Version)
	case !s.CreatedAt.Equal(other.CreatedAt):
		return fmt.Sprintf("created_at %s != %s", s.CreatedAt, other.CreatedAt)
	case !s.UpdatedAt.Equal(other.UpdatedAt):
		return fmt.Sprintf("updated_at %s != %s", s.UpdatedAt, other.UpdatedAt)
	}
	return ""
}

// OutcomeEvent is one outcome signal from executed work. It is consumed, not
// stored verbatim.
type OutcomeEvent struct {
	EventID        string    `json:"event_id" validate:"required,max=256"`
	IdempotencyKey string    `json:"idempotency_key" validate:"required,max=512"`
	PolicyID       string    `json:"policy_id" validate:"required,max=256"`
	Kind           Kind      `json:"policy_kind" validate:"required,policy_kind"`
	RunID          string    `json:"run_id" validate:"max=256"`
	ObjectiveID    string    `json:"objective_id" validate:"max=256"`
	RewardDelta    float64   `json:"reward_delta" validate:"finite"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (e OutcomeEvent) Key() Key {
	return Key{PolicyID: e.PolicyID, Kind: e.Kind}
}

// AuditRecord is the immutable ledger row written for every accepted event.
// It carries full before/after snapshots so current state can be rebuilt
// without recomputing intermediate transitions.
type AuditRecord struct {
	Seq            int64  `json:"seq"`
	IdempotencyKey string `json:"idempotency_key"`
	EventID        string `json:"event_id"`
	PolicyID       string `json:"policy_id"`
	Kind           Kind   `json:"policy_kind"`

	OldLifecycle       LifecycleState `json:"old_lifecycle_state"`
	NewLifecycle       LifecycleState `json:"new_lifecycle_state"`
	TransitionOccurred bool           `json:"transition_occurred"`

	OldPayload json.RawMessage `json:"old_state_payload"`
	NewPayload json.RawMessage `json:"new_state_payload"`

	OldRunCount        int64 `json:"old_run_count"`
	NewRunCount        int64 `json:"new_run_count"`
	OldFailureCount    int64 `json:"old_failure_count"`
	NewFailureCount    int64 `json:"new_failure_count"`
	OldStateEnteredRun int64 `json:"old_state_entered_run"`
	NewStateEnteredRun int64 `json:"new_state_entered_run"`
	OldBlacklisted     bool  `json:"old_blacklisted"`
	Blacklisted        bool  `json:"blacklisted"`
	AlertEmitted       bool  `json:"alert_emitted"`

	RewardDelta    float64   `json:"reward_delta"`
	RunID          string    `json:"run_id"`
	ObjectiveID    string    `json:"objective_id"`
	OccurredAt     time.Time `json:"occurred_at"`
	StateCreatedAt time.Time `json:"state_created_at"`
	StateUpdatedAt time.Time `json:"state_updated_at"`

	GatesVersion string `json:"gates_version"`
	Reason       string `json:"reason"`
	PrevHash     string `json:"prev_hash"`
	RecordHash   string `json:"record_hash"`

	RecordedAt time.Time `json:"recorded_at"`
}

func (r AuditRecord) Key() Key {
	return Key{PolicyID: r.PolicyID, Kind: r.Kind}
}

// Before reconstructs the state snapshot the event was applied to. Version is
// left to the caller since the ledger position determines it.
func (r AuditRecord) Before() PolicyState {
	return PolicyState{
		PolicyID:        r.PolicyID,
		Kind:            r.Kind,
		Lifecycle:       r.OldLifecycle,
		Payload:         append(json.RawMessage(nil), r.OldPayload...),
		RunCount:        r.OldRunCount,
		FailureCount:    r.OldFailureCount,
		StateEnteredRun: r.OldStateEnteredRun,
		Blacklisted:     r.OldBlacklisted,
		CreatedAt:       r.StateCreatedAt,
	}
}

// After reconstructs the state snapshot the event produced.
func (r AuditRecord) After() PolicyState {
	return PolicyState{
		PolicyID:        r.PolicyID,
		Kind:            r.Kind,
		Lifecycle:       r.NewLifecycle,
		Payload:         append(json.RawMessage(nil), r.NewPayload...),
		RunCount:        r.NewRunCount,
		FailureCount:    r.NewFailureCount,
		StateEnteredRun: r.NewStateEnteredRun,
		Blacklisted:     r.Blacklisted,
		CreatedAt:       r.StateCreatedAt,
		UpdatedAt:       r.StateUpdatedAt,
	}
}

// Event reconstructs the inbound event that produced the record.
func (r AuditRecord) Event() OutcomeEvent {
	return OutcomeEvent{
		EventID:        r.EventID,
		IdempotencyKey: r.IdempotencyKey,
		PolicyID:       r.PolicyID,
		Kind:           r.Kind,
		RunID:          r.RunID,
		ObjectiveID:    r.ObjectiveID,
		RewardDelta:    r.RewardDelta,
		OccurredAt:     r.OccurredAt,
	}
}

// Alert is the structured message handed to the external notification
// collaborator.
type Alert struct {
	IdempotencyKey string         `json:"idempotency_key"`
	EventID        string         `json:"event_id"`
	PolicyID       string         `json:"policy_id"`
	Kind           Kind           `json:"policy_kind"`
	OldLifecycle   LifecycleState `json:"old_lifecycle_state"`
	NewLifecycle   LifecycleState `json:"new_lifecycle_state"`
	Blacklisted    bool           `json:"blacklisted"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Reason         string         `json:"reason"`
}

// AlertFromRecord builds the outbound alert for an alerting audit record.
func AlertFromRecord(r AuditRecord) Alert {
	return Alert{
		IdempotencyKey: r.IdempotencyKey,
		EventID:        r.EventID,
		PolicyID:       r.PolicyID,
		Kind:           r.Kind,
		OldLifecycle:   r.OldLifecycle,
		NewLifecycle:   r.NewLifecycle,
		Blacklisted:    r.Blacklisted,
		OccurredAt:     r.OccurredAt,
		Reason:         r.Reason,
	}
}
