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

// OutboxEntry is one alert waiting for (or past) hand-off to notifiers.
type OutboxEntry struct {
	Alert        policy.Alert
	CreatedAt    time.Time
	Attempts     int
	LastError    string
	DispatchedAt *time.Time
}

func scanOutbox(scanFn func(dest ...any) error) (OutboxEntry, error) {
	var (
		e          OutboxEntry
		payload    string
		createdAt  string
		dispatched sql.NullString
	)
	if err := scanFn(&payload, &createdAt, &e.Attempts, &e.LastError, &dispatched); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OutboxEntry{}, policy.ErrNotFound
		}
		return OutboxEntry{}, fmt.Errorf("scan outbox entry: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &e.Alert); err != nil {
		return OutboxEntry{}, fmt.Errorf("decode outbox alert: %w", err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return OutboxEntry{}, err
	}
	e.CreatedAt = t
	if dispatched.Valid {
		d, err := parseTime(dispatched.String)
		if err != nil {
			return OutboxEntry{}, err
		}
		e.DispatchedAt = &d
	}
	return e, nil
}

// PendingAlerts returns undispatched alerts oldest first.
func (s *Store) PendingAlerts(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload, created_at, attempts, last_error, dispatched_at
		FROM alert_outbox
		WHERE dispatched_at IS NULL
		ORDER BY created_at ASC, idempotency_key ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending alerts: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending alerts rows: %w", err)
	}
	return out, nil
}

// GetOutboxEntry returns the outbox row for an idempotency key.
func (s *Store) GetOutboxEntry(ctx context.Context, idempotencyKey string) (OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, created_at, attempts, last_error, dispatched_at
		FROM alert_outbox WHERE idempotency_key = ?;
	`, idempotencyKey)
	return scanOutbox(row.Scan)
}

// MarkAlertDispatched records hand-off. It returns false when the alert was
// already marked, so concurrent drains never hand the same alert off twice.
func (s *Store) MarkAlertDispatched(ctx context.Context, idempotencyKey string, at time.Time) (bool, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE alert_outbox
			SET dispatched_at = ?, attempts = attempts + 1, last_error = ''
			WHERE idempotency_key = ? AND dispatched_at IS NULL;
		`, formatTime(at), idempotencyKey)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark alert dispatched: %w", err)
	}
	return n == 1, nil
}

func (s *Store) MarkAlertFailed(ctx context.Context, idempotencyKey, errMsg string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE alert_outbox SET attempts = attempts + 1, last_error = ?
			WHERE idempotency_key = ? AND dispatched_at IS NULL;
		`, errMsg, idempotencyKey)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark alert failed: %w", err)
	}
	return nil
}

// AlertDeliveries returns the notifiers that already took the alert, keyed
// by notifier name.
func (s *Store) AlertDeliveries(ctx context.Context, idempotencyKey string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT notifier, delivered_at FROM alert_deliveries WHERE idempotency_key = ?;
	`, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("query alert deliveries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var name, at string
		if err := rows.Scan(&name, &at); err != nil {
			return nil, fmt.Errorf("scan alert delivery: %w", err)
		}
		t, err := parseTime(at)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("alert deliveries rows: %w", err)
	}
	return out, nil
}

// RecordAlertDelivery notes that notifier took the alert. Recording the same
// pair twice keeps the first time.
func (s *Store) RecordAlertDelivery(ctx context.Context, idempotencyKey, notifier string, at time.Time) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO alert_deliveries (idempotency_key, notifier, delivered_at)
			VALUES (?, ?, ?)
			ON CONFLICT(idempotency_key, notifier) DO NOTHING;
		`, idempotencyKey, notifier, formatTime(at))
		return err
	})
	if err != nil {
		return fmt.Errorf("record alert delivery: %w", err)
	}
	return nil
}
