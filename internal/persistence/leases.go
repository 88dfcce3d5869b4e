package persistence

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes or renews lease key for owner. It succeeds when the key
// is free, already held by owner, or held by someone whose lease expired.
func (s *Store) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO policy_leases (lease_key, owner, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(lease_key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
			WHERE policy_leases.owner = excluded.owner OR policy_leases.expires_at <= ?;
		`, key, owner, formatTime(now.Add(ttl)), formatTime(now))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return n == 1, nil
}

// ReleaseLease drops key if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, key, owner string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM policy_leases WHERE lease_key = ? AND owner = ?;`, key, owner)
		return err
	})
	if err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// PurgeExpiredLeases removes leases whose holders stopped renewing them.
func (s *Store) PurgeExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policy_leases WHERE expires_at <= ?;`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
