package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/policyd/internal/audit"
	"github.com/basket/policyd/internal/policy"
)

// Tx is one atomic unit of reducer work. Everything written through a Tx
// commits or rolls back together.
type Tx struct {
	tx *sql.Tx
}

// WithinTx runs fn inside a write transaction and commits when fn returns
// nil. fn may run more than once when SQLite reports lock contention, so it
// must recompute everything it writes from what it reads.
func (s *Store) WithinTx(ctx context.Context, fn func(*Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reducer tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(&Tx{tx: tx}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reducer tx: %w", err)
		}
		return nil
	})
}

// IsProcessed reports whether key has already produced its effect. Markers are
// checked first; the audit ledger covers markers removed by retention.
func (t *Tx) IsProcessed(ctx context.Context, idempotencyKey string) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM processed_events WHERE idempotency_key = ?)
			OR EXISTS(SELECT 1 FROM audit_records WHERE idempotency_key = ?);
	`, idempotencyKey, idempotencyKey).Scan(&n); err != nil {
		return false, fmt.Errorf("check processed marker: %w", err)
	}
	return n == 1, nil
}

func (t *Tx) LoadPolicyState(ctx context.Context, key policy.Key) (policy.PolicyState, error) {
	row := t.tx.QueryRowContext(ctx, selectStateSQL+` WHERE policy_id = ? AND policy_kind = ?;`, key.PolicyID, string(key.Kind))
	return scanState(row.Scan)
}

// LastOccurredAt returns the occurred_at of the newest ledger row for key.
// ok is false when the policy has no ledger yet.
func (t *Tx) LastOccurredAt(ctx context.Context, key policy.Key) (at time.Time, ok bool, err error) {
	var raw string
	err = t.tx.QueryRowContext(ctx, `
		SELECT occurred_at FROM audit_records
		WHERE policy_id = ? AND policy_kind = ?
		ORDER BY seq DESC LIMIT 1;
	`, key.PolicyID, string(key.Kind)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last occurred_at: %w", err)
	}
	at, err = parseTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// SavePolicyState writes st conditioned on the stored version still being
// expectedVersion (zero meaning no row yet). It returns the new version, or
// policy.ErrConflict when another writer got there first.
func (t *Tx) SavePolicyState(ctx context.Context, st policy.PolicyState, expectedVersion int64) (int64, error) {
	payload := string(st.Payload)
	if payload == "" {
		payload = "{}"
	}
	if expectedVersion == 0 {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO policy_states (
				policy_id, policy_kind, lifecycle_state, state_payload,
				run_count, failure_count, state_entered_run, blacklisted,
				version, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?);
		`, st.PolicyID, string(st.Kind), string(st.Lifecycle), payload,
			st.RunCount, st.FailureCount, st.StateEnteredRun, boolToInt(st.Blacklisted),
			formatTime(st.CreatedAt), formatTime(st.UpdatedAt))
		if isUniqueViolation(err) {
			return 0, policy.ErrConflict
		}
		if err != nil {
			return 0, fmt.Errorf("insert policy state: %w", err)
		}
		return 1, nil
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE policy_states
		SET lifecycle_state = ?, state_payload = ?, run_count = ?, failure_count = ?,
			state_entered_run = ?, blacklisted = ?, updated_at = ?, version = version + 1
		WHERE policy_id = ? AND policy_kind = ? AND version = ?;
	`, string(st.Lifecycle), payload, st.RunCount, st.FailureCount,
		st.StateEnteredRun, boolToInt(st.Blacklisted), formatTime(st.UpdatedAt),
		st.PolicyID, string(st.Kind), expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update policy state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("policy state rows affected: %w", err)
	}
	if n == 0 {
		return 0, policy.ErrConflict
	}
	return expectedVersion + 1, nil
}

// AppendAudit seals rec onto its policy's hash chain and inserts it. A
// duplicate idempotency key yields ErrAlreadyProcessed.
func (t *Tx) AppendAudit(ctx context.Context, rec policy.AuditRecord) (policy.AuditRecord, error) {
	var prev string
	err := t.tx.QueryRowContext(ctx, `
		SELECT record_hash FROM audit_records
		WHERE policy_id = ? AND policy_kind = ?
		ORDER BY seq DESC LIMIT 1;
	`, rec.PolicyID, string(rec.Kind)).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return policy.AuditRecord{}, fmt.Errorf("read chain head: %w", err)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	rec.RecordedAt = rec.RecordedAt.UTC()
	rec.OldPayload = json.RawMessage(payloadText(rec.OldPayload))
	rec.NewPayload = json.RawMessage(payloadText(rec.NewPayload))

	sealed, err := audit.Seal(rec, prev)
	if err != nil {
		return policy.AuditRecord{}, err
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO audit_records (
			idempotency_key, event_id, policy_id, policy_kind,
			old_lifecycle_state, new_lifecycle_state, transition_occurred,
			old_state_payload, new_state_payload,
			old_run_count, new_run_count, old_failure_count, new_failure_count,
			old_state_entered_run, new_state_entered_run,
			old_blacklisted, blacklisted, alert_emitted,
			reward_delta, run_id, objective_id, occurred_at,
			state_created_at, state_updated_at,
			gates_version, reason, prev_hash, record_hash, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		sealed.IdempotencyKey, sealed.EventID, sealed.PolicyID, string(sealed.Kind),
		string(sealed.OldLifecycle), string(sealed.NewLifecycle), boolToInt(sealed.TransitionOccurred),
		payloadText(sealed.OldPayload), payloadText(sealed.NewPayload),
		sealed.OldRunCount, sealed.NewRunCount, sealed.OldFailureCount, sealed.NewFailureCount,
		sealed.OldStateEnteredRun, sealed.NewStateEnteredRun,
		boolToInt(sealed.OldBlacklisted), boolToInt(sealed.Blacklisted), boolToInt(sealed.AlertEmitted),
		sealed.RewardDelta, sealed.RunID, sealed.ObjectiveID, formatTime(sealed.OccurredAt),
		formatTime(sealed.StateCreatedAt), formatTime(sealed.StateUpdatedAt),
		sealed.GatesVersion, sealed.Reason, sealed.PrevHash, sealed.RecordHash, formatTime(sealed.RecordedAt),
	)
	if isUniqueViolation(err) {
		return policy.AuditRecord{}, ErrAlreadyProcessed
	}
	if err != nil {
		return policy.AuditRecord{}, fmt.Errorf("insert audit record: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return policy.AuditRecord{}, fmt.Errorf("audit record seq: %w", err)
	}
	sealed.Seq = seq
	return sealed, nil
}

// MarkProcessed inserts the idempotency marker.
func (t *Tx) MarkProcessed(ctx context.Context, idempotencyKey string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO processed_events (idempotency_key, processed_at) VALUES (?, ?);
	`, idempotencyKey, formatTime(at))
	if isUniqueViolation(err) {
		return ErrAlreadyProcessed
	}
	if err != nil {
		return fmt.Errorf("insert processed marker: %w", err)
	}
	return nil
}

// EnqueueAlert stores the outbound alert in the outbox.
func (t *Tx) EnqueueAlert(ctx context.Context, a policy.Alert, at time.Time) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO alert_outbox (idempotency_key, policy_id, policy_kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, a.IdempotencyKey, a.PolicyID, string(a.Kind), string(payload), formatTime(at)); err != nil {
		return fmt.Errorf("enqueue alert: %w", err)
	}
	return nil
}

func payloadText(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}
