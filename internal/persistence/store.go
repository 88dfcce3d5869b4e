package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "pd-v1-2026-05-02-policy-reducer"

	schemaVersionV2  = 2
	schemaChecksumV2 = "pd-v2-2026-10-16-alert-deliveries"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	// busyRetries bounds retryOnBusy inside a single call; callers above the
	// store retry transient errors without bound.
	busyRetries = 5
)

// timeLayout is fixed-width so TEXT columns order the same as the instants
// they hold.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var ErrAlreadyProcessed = errors.New("idempotency key already processed")

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".policyd", "policyd.db")
}

// Open opens (creating if needed) the reducer database. Write transactions are
// started with BEGIN IMMEDIATE so the duplicate check and the marker insert
// happen under one write lock.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports lock contention: SQLITE_BUSY or SQLITE_LOCKED from the
// driver, or the same condition after it was flattened into a string.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsTransient reports whether err is a persistence failure that is safe to
// retry: lock contention or a deadline on the persistence call.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isSQLiteBusy(err)
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

const kindCheck = `('tool-reliability', 'pattern-effectiveness', 'model-routing-confidence', 'retry-threshold')`
const lifecycleCheck = `('candidate', 'validated', 'promoted', 'deprecated')`

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Upgrading: the recorded checksum of the version we start from must match.
	priorChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
	}
	if maxVersion != 0 {
		want, known := priorChecksums[maxVersion]
		if !known {
			return fmt.Errorf("db schema version %d has no upgrade path", maxVersion)
		}
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS policy_states (
			policy_id TEXT NOT NULL CHECK(length(policy_id) > 0),
			policy_kind TEXT NOT NULL CHECK(policy_kind IN ` + kindCheck + `),
			lifecycle_state TEXT NOT NULL CHECK(lifecycle_state IN ` + lifecycleCheck + `),
			state_payload TEXT NOT NULL,
			run_count INTEGER NOT NULL CHECK(run_count >= 0),
			failure_count INTEGER NOT NULL CHECK(failure_count >= 0 AND failure_count <= run_count),
			state_entered_run INTEGER NOT NULL DEFAULT 0 CHECK(state_entered_run >= 0 AND state_entered_run <= run_count),
			blacklisted INTEGER NOT NULL DEFAULT 0 CHECK(blacklisted IN (0, 1)),
			version INTEGER NOT NULL CHECK(version >= 1),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (policy_id, policy_kind)
		);`,
		`CREATE TRIGGER IF NOT EXISTS policy_states_no_delete
			BEFORE DELETE ON policy_states
			BEGIN SELECT RAISE(ABORT, 'policy_states rows are never deleted'); END;`,
		`CREATE TRIGGER IF NOT EXISTS policy_states_monotonic
			BEFORE UPDATE ON policy_states
			WHEN NEW.run_count < OLD.run_count
				OR NEW.failure_count < OLD.failure_count
				OR NEW.updated_at <= OLD.updated_at
			BEGIN SELECT RAISE(ABORT, 'policy_states counters and updated_at must not regress'); END;`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			idempotency_key TEXT NOT NULL UNIQUE,
			event_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			policy_kind TEXT NOT NULL CHECK(policy_kind IN ` + kindCheck + `),
			old_lifecycle_state TEXT NOT NULL CHECK(old_lifecycle_state IN ` + lifecycleCheck + `),
			new_lifecycle_state TEXT NOT NULL CHECK(new_lifecycle_state IN ` + lifecycleCheck + `),
			transition_occurred INTEGER NOT NULL CHECK(transition_occurred IN (0, 1)),
			old_state_payload TEXT NOT NULL,
			new_state_payload TEXT NOT NULL,
			old_run_count INTEGER NOT NULL,
			new_run_count INTEGER NOT NULL,
			old_failure_count INTEGER NOT NULL,
			new_failure_count INTEGER NOT NULL,
			old_state_entered_run INTEGER NOT NULL,
			new_state_entered_run INTEGER NOT NULL,
			old_blacklisted INTEGER NOT NULL CHECK(old_blacklisted IN (0, 1)),
			blacklisted INTEGER NOT NULL CHECK(blacklisted IN (0, 1)),
			alert_emitted INTEGER NOT NULL CHECK(alert_emitted IN (0, 1)),
			reward_delta REAL NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			objective_id TEXT NOT NULL DEFAULT '',
			occurred_at TEXT NOT NULL,
			state_created_at TEXT NOT NULL,
			state_updated_at TEXT NOT NULL,
			gates_version TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			prev_hash TEXT NOT NULL,
			record_hash TEXT NOT NULL UNIQUE,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TRIGGER IF NOT EXISTS audit_records_no_update
			BEFORE UPDATE ON audit_records
			BEGIN SELECT RAISE(ABORT, 'audit_records are append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS audit_records_no_delete
			BEFORE DELETE ON audit_records
			BEGIN SELECT RAISE(ABORT, 'audit_records are append-only'); END;`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			idempotency_key TEXT PRIMARY KEY,
			processed_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS alert_outbox (
			idempotency_key TEXT PRIMARY KEY REFERENCES audit_records(idempotency_key),
			policy_id TEXT NOT NULL,
			policy_kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			dispatched_at TEXT
		);`,
		// v2: one row per notifier that has taken the alert, so a retry after a
		// partial failure only reaches the notifiers still missing it.
		`CREATE TABLE IF NOT EXISTS alert_deliveries (
			idempotency_key TEXT NOT NULL REFERENCES alert_outbox(idempotency_key),
			notifier TEXT NOT NULL CHECK(length(notifier) > 0),
			delivered_at TEXT NOT NULL,
			PRIMARY KEY (idempotency_key, notifier)
		);`,
		`CREATE TABLE IF NOT EXISTS policy_leases (
			lease_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_records_policy ON audit_records(policy_id, policy_kind, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_processed_events_at ON processed_events(processed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_alert_outbox_pending ON alert_outbox(dispatched_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_policy_states_lifecycle ON policy_states(policy_kind, lifecycle_state);`,
	}
	for _, stmt := range indexes {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// Backup creates an online-consistent copy of the database using VACUUM INTO.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

// Counts summarizes table sizes for diagnostics.
type Counts struct {
	Policies      int64 `json:"policies"`
	AuditRecords  int64 `json:"audit_records"`
	Markers       int64 `json:"markers"`
	PendingAlerts int64 `json:"pending_alerts"`
	ActiveLeases  int64 `json:"active_leases"`
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM policy_states),
			(SELECT COUNT(*) FROM audit_records),
			(SELECT COUNT(*) FROM processed_events),
			(SELECT COUNT(*) FROM alert_outbox WHERE dispatched_at IS NULL),
			(SELECT COUNT(*) FROM policy_leases WHERE expires_at > ?);
	`, formatTime(time.Now())).Scan(&c.Policies, &c.AuditRecords, &c.Markers, &c.PendingAlerts, &c.ActiveLeases)
	if err != nil {
		return Counts{}, fmt.Errorf("query counts: %w", err)
	}
	return c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
