package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/policyd/internal/policy"
)

const selectStateSQL = `
	SELECT policy_id, policy_kind, lifecycle_state, state_payload,
		run_count, failure_count, state_entered_run, blacklisted,
		version, created_at, updated_at
	FROM policy_states`

func scanState(scanFn func(dest ...any) error) (policy.PolicyState, error) {
	var (
		st                   policy.PolicyState
		kind, lc, payload    string
		blacklisted          int
		createdAt, updatedAt string
	)
	err := scanFn(&st.PolicyID, &kind, &lc, &payload,
		&st.RunCount, &st.FailureCount, &st.StateEnteredRun, &blacklisted,
		&st.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.PolicyState{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.PolicyState{}, fmt.Errorf("scan policy state: %w", err)
	}
	st.Kind = policy.Kind(kind)
	st.Lifecycle = policy.LifecycleState(lc)
	st.Payload = json.RawMessage(payload)
	st.Blacklisted = blacklisted == 1
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return policy.PolicyState{}, err
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return policy.PolicyState{}, err
	}
	return st, nil
}

// LoadPolicyState is the point-in-time read of one policy. A missing row is
// policy.ErrNotFound.
func (s *Store) LoadPolicyState(ctx context.Context, key policy.Key) (policy.PolicyState, error) {
	row := s.db.QueryRowContext(ctx, selectStateSQL+` WHERE policy_id = ? AND policy_kind = ?;`, key.PolicyID, string(key.Kind))
	return scanState(row.Scan)
}

// StateFilter narrows ListPolicyStates. Zero values match everything.
type StateFilter struct {
	Kind      policy.Kind
	Lifecycle policy.LifecycleState
	Limit     int
}

func (s *Store) ListPolicyStates(ctx context.Context, f StateFilter) ([]policy.PolicyState, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectStateSQL+`
		WHERE (? = '' OR policy_kind = ?) AND (? = '' OR lifecycle_state = ?)
		ORDER BY policy_kind, policy_id
		LIMIT ?;
	`, string(f.Kind), string(f.Kind), string(f.Lifecycle), string(f.Lifecycle), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query policy states: %w", err)
	}
	defer rows.Close()

	var out []policy.PolicyState
	for rows.Next() {
		st, err := scanState(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("policy states rows: %w", err)
	}
	return out, nil
}

// ListPolicyKeys returns every stored policy key, for ledger-wide checks.
func (s *Store) ListPolicyKeys(ctx context.Context) ([]policy.Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT policy_id, policy_kind FROM policy_states ORDER BY policy_kind, policy_id;`)
	if err != nil {
		return nil, fmt.Errorf("query policy keys: %w", err)
	}
	defer rows.Close()

	var out []policy.Key
	for rows.Next() {
		var k policy.Key
		var kind string
		if err := rows.Scan(&k.PolicyID, &kind); err != nil {
			return nil, fmt.Errorf("scan policy key: %w", err)
		}
		k.Kind = policy.Kind(kind)
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("policy keys rows: %w", err)
	}
	return out, nil
}
