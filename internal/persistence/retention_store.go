package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedMarkers int64 `json:"purged_markers"`
	PurgedLeases  int64 `json:"purged_leases"`
}

// RunRetention deletes idempotency markers older than markerDays and expired
// leases. Audit records are never pruned, so dedup keeps working for pruned
// markers through the ledger. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, markerDays int, now time.Time) (RetentionResult, error) {
	var result RetentionResult

	if markerDays > 0 {
		n, err := s.PruneMarkers(ctx, now.AddDate(0, 0, -markerDays))
		if err != nil {
			return result, err
		}
		result.PurgedMarkers = n
	}

	n, err := s.PurgeExpiredLeases(ctx, now)
	if err != nil {
		return result, err
	}
	result.PurgedLeases = n
	return result, nil
}

// PruneMarkers deletes markers processed before cutoff.
func (s *Store) PruneMarkers(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?;`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge processed_events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
