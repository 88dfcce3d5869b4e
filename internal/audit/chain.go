package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/policyd/internal/policy"
)

// GenesisHash is the prev_hash of the first record in every policy's chain.
var GenesisHash = strings.Repeat("0", 64)

// canonical fixes field order and time formatting for hashing. Seq and
// RecordHash are excluded: seq is assigned by the database after sealing.
type canonical struct {
	IdempotencyKey     string          `json:"idempotency_key"`
	EventID            string          `json:"event_id"`
	PolicyID           string          `json:"policy_id"`
	Kind               string          `json:"policy_kind"`
	OldLifecycle       string          `json:"old_lifecycle_state"`
	NewLifecycle       string          `json:"new_lifecycle_state"`
	TransitionOccurred bool            `json:"transition_occurred"`
	OldPayload         json.RawMessage `json:"old_state_payload"`
	NewPayload         json.RawMessage `json:"new_state_payload"`
	OldRunCount        int64           `json:"old_run_count"`
	NewRunCount        int64           `json:"new_run_count"`
	OldFailureCount    int64           `json:"old_failure_count"`
	NewFailureCount    int64           `json:"new_failure_count"`
	OldStateEnteredRun int64           `json:"old_state_entered_run"`
	NewStateEnteredRun int64           `json:"new_state_entered_run"`
	OldBlacklisted     bool            `json:"old_blacklisted"`
	Blacklisted        bool            `json:"blacklisted"`
	AlertEmitted       bool            `json:"alert_emitted"`
	RewardDelta        float64         `json:"reward_delta"`
	RunID              string          `json:"run_id"`
	ObjectiveID        string          `json:"objective_id"`
	OccurredAt         string          `json:"occurred_at"`
	StateCreatedAt     string          `json:"state_created_at"`
	StateUpdatedAt     string          `json:"state_updated_at"`
	GatesVersion       string          `json:"gates_version"`
	Reason             string          `json:"reason"`
	PrevHash           string          `json:"prev_hash"`
	RecordedAt         string          `json:"recorded_at"`
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func rawOrNull(r json.RawMessage) json.RawMessage {
	if len(r) == 0 {
		return json.RawMessage("null")
	}
	return r
}

// Digest returns the SHA-256 of prev_hash chained with the record's canonical
// encoding.
func Digest(r policy.AuditRecord) (string, error) {
	c := canonical{
		IdempotencyKey:     r.IdempotencyKey,
		EventID:            r.EventID,
		PolicyID:           r.PolicyID,
		Kind:               string(r.Kind),
		OldLifecycle:       string(r.OldLifecycle),
		NewLifecycle:       string(r.NewLifecycle),
		TransitionOccurred: r.TransitionOccurred,
		OldPayload:         rawOrNull(r.OldPayload),
		NewPayload:         rawOrNull(r.NewPayload),
		OldRunCount:        r.OldRunCount,
		NewRunCount:        r.NewRunCount,
		OldFailureCount:    r.OldFailureCount,
		NewFailureCount:    r.NewFailureCount,
		OldStateEnteredRun: r.OldStateEnteredRun,
		NewStateEnteredRun: r.NewStateEnteredRun,
		OldBlacklisted:     r.OldBlacklisted,
		Blacklisted:        r.Blacklisted,
		AlertEmitted:       r.AlertEmitted,
		RewardDelta:        r.RewardDelta,
		RunID:              r.RunID,
		ObjectiveID:        r.ObjectiveID,
		OccurredAt:         ts(r.OccurredAt),
		StateCreatedAt:     ts(r.StateCreatedAt),
		StateUpdatedAt:     ts(r.StateUpdatedAt),
		GatesVersion:       r.GatesVersion,
		Reason:             r.Reason,
		PrevHash:           r.PrevHash,
		RecordedAt:         ts(r.RecordedAt),
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode audit record: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(r.PrevHash))
	h.Write([]byte{'\n'})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal links r to prevHash and fills RecordHash.
func Seal(r policy.AuditRecord, prevHash string) (policy.AuditRecord, error) {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	r.PrevHash = prevHash
	d, err := Digest(r)
	if err != nil {
		return policy.AuditRecord{}, err
	}
	r.RecordHash = d
	return r, nil
}

// ChainError pinpoints the first record that breaks the hash chain.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Reason)
}

// VerifyChain checks one policy's records in ledger (seq) order.
func VerifyChain(records []policy.AuditRecord) error {
	prev := GenesisHash
	for _, r := range records {
		if r.PrevHash != prev {
			return &ChainError{Seq: r.Seq, Reason: fmt.Sprintf("prev_hash %.12s does not match %.12s", r.PrevHash, prev)}
		}
		d, err := Digest(r)
		if err != nil {
			return err
		}
		if d != r.RecordHash {
			return &ChainError{Seq: r.Seq, Reason: "record_hash does not match contents"}
		}
		prev = r.RecordHash
	}
	return nil
}
