package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/policyd/internal/policy"
)

const selectAuditSQL = `
	SELECT seq, idempotency_key, event_id, policy_id, policy_kind,
		old_lifecycle_state, new_lifecycle_state, transition_occurred,
		old_state_payload, new_state_payload,
		old_run_count, new_run_count, old_failure_count, new_failure_count,
		old_state_entered_run, new_state_entered_run,
		old_blacklisted, blacklisted, alert_emitted,
		reward_delta, run_id, objective_id, occurred_at,
		state_created_at, state_updated_at,
		gates_version, reason, prev_hash, record_hash, recorded_at
	FROM audit_records`

func scanAudit(scanFn func(dest ...any) error) (policy.AuditRecord, error) {
	var (
		r                                      policy.AuditRecord
		kind, oldLC, newLC, oldPayload, newPay string
		transition, oldBL, bl, alerted         int
		occurred, created, updated, recordedAt string
	)
	err := scanFn(&r.Seq, &r.IdempotencyKey, &r.EventID, &r.PolicyID, &kind,
		&oldLC, &newLC, &transition,
		&oldPayload, &newPay,
		&r.OldRunCount, &r.NewRunCount, &r.OldFailureCount, &r.NewFailureCount,
		&r.OldStateEnteredRun, &r.NewStateEnteredRun,
		&oldBL, &bl, &alerted,
		&r.RewardDelta, &r.RunID, &r.ObjectiveID, &occurred,
		&created, &updated,
		&r.GatesVersion, &r.Reason, &r.PrevHash, &r.RecordHash, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.AuditRecord{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.AuditRecord{}, fmt.Errorf("scan audit record: %w", err)
	}
	r.Kind = policy.Kind(kind)
	r.OldLifecycle = policy.LifecycleState(oldLC)
	r.NewLifecycle = policy.LifecycleState(newLC)
	r.TransitionOccurred = transition == 1
	r.OldPayload = json.RawMessage(oldPayload)
	r.NewPayload = json.RawMessage(newPay)
	r.OldBlacklisted = oldBL == 1
	r.Blacklisted = bl == 1
	r.AlertEmitted = alerted == 1
	for _, f := range []struct {
		src string
		dst *time.Time
	}{
		{occurred, &r.OccurredAt},
		{created, &r.StateCreatedAt},
		{updated, &r.StateUpdatedAt},
		{recordedAt, &r.RecordedAt},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return policy.AuditRecord{}, err
		}
	}
	return r, nil
}

// ListAudit returns one policy's ledger in sequence order.
func (s *Store) ListAudit(ctx context.Context, key policy.Key) ([]policy.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectAuditSQL+`
		WHERE policy_id = ? AND policy_kind = ?
		ORDER BY seq ASC;
	`, key.PolicyID, string(key.Kind))
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var out []policy.AuditRecord
	for rows.Next() {
		r, err := scanAudit(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit records rows: %w", err)
	}
	return out, nil
}

// GetAuditRecord looks up the ledger row written for an idempotency key.
func (s *Store) GetAuditRecord(ctx context.Context, idempotencyKey string) (policy.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, selectAuditSQL+` WHERE idempotency_key = ?;`, idempotencyKey)
	return scanAudit(row.Scan)
}

func (s *Store) CountAudit(ctx context.Context, key policy.Key) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_records WHERE policy_id = ? AND policy_kind = ?;
	`, key.PolicyID, string(key.Kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}
