package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/policyd/internal/audit"
	"github.com/basket/policyd/internal/persistence"
	"github.com/basket/policyd/internal/policy"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "policyd.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

var key = policy.Key{PolicyID: "p-1", Kind: policy.KindToolReliability}

func sampleState(runs, failures int64, at time.Time) policy.PolicyState {
	st := policy.NewCandidate(key.PolicyID, key.Kind, t0)
	st.RunCount = runs
	st.FailureCount = failures
	st.Payload = json.RawMessage(fmt.Sprintf(`{"runs":%d}`, runs))
	st.UpdatedAt = at
	return st
}

func sampleRecord(idem string, before, after policy.PolicyState) policy.AuditRecord {
	return policy.AuditRecord{
		IdempotencyKey:  idem,
		EventID:         "evt-" + idem,
		PolicyID:        key.PolicyID,
		Kind:            key.Kind,
		OldLifecycle:    before.Lifecycle,
		NewLifecycle:    after.Lifecycle,
		OldPayload:      before.Payload,
		NewPayload:      after.Payload,
		OldRunCount:     before.RunCount,
		NewRunCount:     after.RunCount,
		OldFailureCount: before.FailureCount,
		NewFailureCount: after.FailureCount,
		RewardDelta:     0.25,
		RunID:           "run-" + idem,
		OccurredAt:      after.UpdatedAt,
		StateCreatedAt:  after.CreatedAt,
		StateUpdatedAt:  after.UpdatedAt,
		GatesVersion:    "gates-test",
		Reason:          "test",
	}
}

// apply writes one accepted event the way the reducer does.
func apply(t *testing.T, store *persistence.Store, idem string, before, after policy.PolicyState, alert bool) policy.AuditRecord {
	t.Helper()
	var rec policy.AuditRecord
	err := store.WithinTx(context.Background(), func(tx *persistence.Tx) error {
		ctx := context.Background()
		done, err := tx.IsProcessed(ctx, idem)
		if err != nil {
			return err
		}
		if done {
			return persistence.ErrAlreadyProcessed
		}
		if _, err := tx.SavePolicyState(ctx, after, before.Version); err != nil {
			return err
		}
		r := sampleRecord(idem, before, after)
		r.AlertEmitted = alert
		if rec, err = tx.AppendAudit(ctx, r); err != nil {
			return err
		}
		if alert {
			if err := tx.EnqueueAlert(ctx, policy.AlertFromRecord(rec), after.UpdatedAt); err != nil {
				return err
			}
		}
		return tx.MarkProcessed(ctx, idem, after.UpdatedAt)
	})
	if err != nil {
		t.Fatalf("apply %s: %v", idem, err)
	}
	return rec
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"policy_states", "audit_records", "processed_events", "alert_outbox", "alert_deliveries", "policy_leases", "schema_migrations"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?;`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
	if checksum := queryOneString(t, db, "SELECT checksum FROM schema_migrations WHERE version = 2;"); !strings.HasPrefix(checksum, "pd-v2-") {
		t.Fatalf("unexpected checksum %q", checksum)
	}
}

func TestStore_UpgradesV1Schema(t *testing.T) {
	store, path := openTestStore(t)
	apply(t, store, "k1", policy.PolicyState{Lifecycle: policy.StateCandidate, Payload: json.RawMessage(`{}`)}, sampleState(1, 0, t0), true)
	for _, stmt := range []string{
		`DROP TABLE alert_deliveries;`,
		`DELETE FROM schema_migrations;`,
		`INSERT INTO schema_migrations (version, checksum) VALUES (1, 'pd-v1-2026-05-02-policy-reducer');`,
	} {
		if _, err := store.DB().Exec(stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	_ = store.Close()

	upgraded, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("open v1 database: %v", err)
	}
	defer upgraded.Close()
	if v := queryOneString(t, upgraded.DB(), "SELECT MAX(version) FROM schema_migrations;"); v != "2" {
		t.Fatalf("schema version after upgrade = %s", v)
	}
	if err := upgraded.RecordAlertDelivery(context.Background(), "k1", "bus", t0); err != nil {
		t.Fatalf("alert_deliveries after upgrade: %v", err)
	}
	if pending, err := upgraded.PendingAlerts(context.Background(), 10); err != nil || len(pending) != 1 {
		t.Fatalf("outbox lost in upgrade: %+v, %v", pending, err)
	}
}

func TestStore_RejectsTamperedPriorSchema(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`DELETE FROM schema_migrations; INSERT INTO schema_migrations (version, checksum) VALUES (1, 'edited');`); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()
	if _, err := persistence.Open(path); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, path := openTestStore(t)
	after := sampleState(1, 0, t0)
	apply(t, store, "k1", policy.PolicyState{Lifecycle: policy.StateCandidate, Payload: json.RawMessage(`{}`)}, after, false)
	_ = store.Close()

	reopened, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	st, err := reopened.LoadPolicyState(context.Background(), key)
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if st.RunCount != 1 || st.Version != 1 {
		t.Fatalf("state after reopen = %+v", st)
	}
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future migration: %v", err)
	}
	_ = store.Close()
	if _, err := persistence.Open(path); err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-schema error, got %v", err)
	}
}

func TestLoadPolicyStateNotFound(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.LoadPolicyState(context.Background(), key)
	if !errors.Is(err, policy.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSavePolicyStateOptimisticConcurrency(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := sampleState(1, 0, t0.Add(time.Second))
	err := store.WithinTx(ctx, func(tx *persistence.Tx) error {
		v, err := tx.SavePolicyState(ctx, first, 0)
		if v != 1 {
			t.Errorf("insert version = %d", v)
		}
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = store.WithinTx(ctx, func(tx *persistence.Tx) error {
		_, err := tx.SavePolicyState(ctx, first, 0)
		return err
	})
	if !errors.Is(err, policy.ErrConflict) {
		t.Fatalf("second insert: expected ErrConflict, got %v", err)
	}

	second := sampleState(2, 1, t0.Add(2*time.Second))
	err = store.WithinTx(ctx, func(tx *persistence.Tx) error {
		_, err := tx.SavePolicyState(ctx, second, 7)
		return err
	})
	if !errors.Is(err, policy.ErrConflict) {
		t.Fatalf("stale version: expected ErrConflict, got %v", err)
	}

	err = store.WithinTx(ctx, func(tx *persistence.Tx) error {
		v, err := tx.SavePolicyState(ctx, second, 1)
		if v != 2 {
			t.Errorf("update version = %d", v)
		}
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.LoadPolicyState(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.RunCount != 2 || got.FailureCount != 1 || string(got.Payload) != `{"runs":2}` {
		t.Fatalf("loaded = %+v", got)
	}
	if !got.UpdatedAt.Equal(second.UpdatedAt) || !got.CreatedAt.Equal(t0) {
		t.Fatalf("timestamps did not round-trip: %+v", got)
	}
}

func TestPolicyStatesRejectRegressionAndDelete(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	apply(t, store, "k1", policy.PolicyState{Lifecycle: policy.StateCandidate, Payload: json.RawMessage(`{}`)}, sampleState(3, 1, t0.Add(time.Second)), false)

	err := store.WithinTx(ctx, func(tx *persistence.Tx) error {
		_, err := tx.SavePolicyState(ctx, sampleState(2, 1, t0.Add(time.Hour)), 1)
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "must not regress") {
		t.Fatalf("expected regression rejection, got %v", err)
	}

	if _, err := store.DB().Exec(`DELETE FROM policy_states;`); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
	if _, err := store.DB().Exec(`UPDATE policy_states SET failure_count = 9;`); err == nil {
		t.Fatalf("expected failure_count > run_count to be rejected")
	}
}

func TestAuditLedgerIsAppendOnlyAndChained(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	before := policy.PolicyState{Lifecycle: policy.StateCandidate, Payload: json.RawMessage(`{}`)}
	s1 := sampleState(1, 0, t0.Add(time.Second))
	r1 := apply(t, store, "k1", before, s1, false)
	s1.Version = 1
	s2 := sampleState(2, 0, t0.Add(2*time.Second))
	r2 := apply(t, store, "k2", s1, s2, false)

	if r1.PrevHash != audit.GenesisHash || r2.PrevHash != r1.RecordHash {
		t.Fatalf("records not chained: %s -> %s", r1.PrevHash, r2.PrevHash)
	}
	if r2.Seq <= r1.Seq {
		t.Fatalf("seq not increasing: %d, %d", r1.Seq, r2.Seq)
	}

	records, err := store.ListAudit(ctx, key)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if err := audit.VerifyChain(records); err != nil {
		t.Fatalf("chain read back from db does not verify: %v", err)
	}
	if records[0].RewardDelta != 0.25 || records[0].RunID != "run-k1" {
		t.Fatalf("record fields did not round-trip: %+v", records[0])
	}

	if _, err := store.DB().Exec(`UPDATE audit_records SET reason = 'edited';`); err == nil {
		t.Fatalf("expected audit update to be rejected")
	}
	if _, err := store.DB().Exec(`DELETE FROM audit_records;`); err == nil {
		t.Fatalf("expected audit delete to be rejected")
	}

	got, err := store.GetAuditRecord(ctx, "k2")
	if err != nil || got.Seq != r2.Seq {
		t.Fatalf("GetAuditRecord = %+v, %v", got, err)
	}
	if _, err := store.GetAuditRecord(ctx, "missing"); !errors.Is(err, policy.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailedTxLeavesNothingBehind(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(tx *persistence.Tx) error {
		before := policy.PolicyState{Lifecycle: policy.StateCandidate, Payload: json.RawMessage(`{}`)}
		after := sampleState(1, 0, t0)
		if _, err := tx.SavePolicyState(ctx, after, 0); err != nil {
			return err
		}
		if _, err := tx.AppendAudit(ctx, sampleRecord("k1", before, after)); err != nil {
			return err
		}
		if err := tx.MarkProcessed(ctx, "k1", t0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	c, err := store.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Policies != 0 || c.AuditRecords != 0 || c.Markers != 0 {
		t.Fatalf("rolled back tx left rows: %+v", c)
	}
}

func TestIsProcessedFallsBackToLedger(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	apply(t, store, "k1", policy.PolicyState{Lifecycle: policy.StateCandidate, Payload: json.RawMessage(`{}`)}, sampleState(1, 0, t0), false)

	n, err := store.PruneMarkers(ctx, t0.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneMarkers = %d, %v", n, err)
	}

	var processed bool
	err = store.WithinTx(ctx, func(tx *persistence.Tx) error {
		var err error
		processed, err = tx.IsProcessed(ctx, "k1")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !processed {
		t.Fatalf("pruned marker re-admitted an applied event")
	}

	err = store.WithinTx(ctx, func(tx *persistence.Tx) error {
		return tx.MarkProcessed(ctx, "k1", t0)
	})
	if err != nil {
		t.Fatalf("re-marking a pruned key: %v", err)
	}
	err = store.WithinTx(ctx, func(tx *persistence.Tx) error {
		return tx.MarkProcessed(ctx, "k1", t0)
	})
	if !errors.Is(err, persistence.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestAlertOutbox(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	apply(t, store, "k1", policy.PolicyState{Lifecycle: policy.StateCandidate, Payload: json.RawMessage(`{}`)}, sampleState(1, 0, t0), true)

	pending, err := store.PendingAlerts(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Alert.IdempotencyKey != "k1" || pending[0].Alert.PolicyID != key.PolicyID {
		t.Fatalf("pending = %+v", pending)
	}

	if err := store.MarkAlertFailed(ctx, "k1", "notifier down"); err != nil {
		t.Fatal(err)
	}
	e, err := store.GetOutboxEntry(ctx, "k1")
	if err != nil || e.Attempts != 1 || e.LastError != "notifier down" || e.DispatchedAt != nil {
		t.Fatalf("after failure = %+v, %v", e, err)
	}

	ok, err := store.MarkAlertDispatched(ctx, "k1", t0.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("MarkAlertDispatched = %t, %v", ok, err)
	}
	ok, err = store.MarkAlertDispatched(ctx, "k1", t0.Add(2*time.Minute))
	if err != nil || ok {
		t.Fatalf("second MarkAlertDispatched = %t, %v", ok, err)
	}
	pending, err = store.PendingAlerts(ctx, 10)
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending after dispatch = %+v, %v", pending, err)
	}
}

func TestAlertDeliveries(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	apply(t, store, "k1", policy.PolicyState{Lifecycle: policy.StateCandidate, Payload: json.RawMessage(`{}`)}, sampleState(1, 0, t0), true)

	got, err := store.AlertDeliveries(ctx, "k1")
	if err != nil || len(got) != 0 {
		t.Fatalf("fresh deliveries = %v, %v", got, err)
	}
	if err := store.RecordAlertDelivery(ctx, "k1", "bus", t0); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordAlertDelivery(ctx, "k1", "bus", t0.Add(time.Hour)); err != nil {
		t.Fatalf("re-recording a delivery: %v", err)
	}
	if err := store.RecordAlertDelivery(ctx, "k1", "log", t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	got, err = store.AlertDeliveries(ctx, "k1")
	if err != nil || len(got) != 2 || !got["bus"].Equal(t0) {
		t.Fatalf("deliveries = %v, %v", got, err)
	}
}

func TestLeases(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "policy:a", "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = %t, %v", ok, err)
	}
	ok, err = store.AcquireLease(ctx, "policy:a", "w2", time.Minute)
	if err != nil || ok {
		t.Fatalf("contended acquire = %t, %v", ok, err)
	}
	ok, err = store.AcquireLease(ctx, "policy:a", "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("renew = %t, %v", ok, err)
	}
	if err := store.ReleaseLease(ctx, "policy:a", "w2"); err != nil {
		t.Fatal(err)
	}
	ok, _ = store.AcquireLease(ctx, "policy:a", "w2", time.Minute)
	if ok {
		t.Fatalf("release by non-owner freed the lease")
	}
	if err := store.ReleaseLease(ctx, "policy:a", "w1"); err != nil {
		t.Fatal(err)
	}
	ok, err = store.AcquireLease(ctx, "policy:a", "w2", -time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire after release = %t, %v", ok, err)
	}
	ok, err = store.AcquireLease(ctx, "policy:a", "w3", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expired lease should be re-acquirable: %t, %v", ok, err)
	}

	if _, err := store.AcquireLease(ctx, "policy:b", "w1", -time.Second); err != nil {
		t.Fatal(err)
	}
	res, err := store.RunRetention(ctx, 0, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if res.PurgedLeases != 1 {
		t.Fatalf("purged leases = %d", res.PurgedLeases)
	}
}

func TestConcurrentFirstWritersConflict(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.WithinTx(ctx, func(tx *persistence.Tx) error {
				_, err := tx.SavePolicyState(ctx, sampleState(1, 0, t0), 0)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, policy.ErrConflict):
				conflicts++
			default:
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if ok != 1 || conflicts != writers-1 {
		t.Fatalf("ok=%d conflicts=%d", ok, conflicts)
	}
}

func TestBackup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	apply(t, store, "k1", policy.PolicyState{Lifecycle: policy.StateCandidate, Payload: json.RawMessage(`{}`)}, sampleState(1, 0, t0), false)

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := store.Backup(ctx, dest); err == nil {
		t.Fatalf("expected error when destination exists")
	}
	copyStore, err := persistence.Open(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyStore.Close()
	if n, err := copyStore.CountAudit(ctx, key); err != nil || n != 1 {
		t.Fatalf("backup audit count = %d, %v", n, err)
	}
}

func TestListPolicyStates(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	apply(t, store, "k1", policy.PolicyState{Lifecycle: policy.StateCandidate, Payload: json.RawMessage(`{}`)}, sampleState(1, 0, t0), false)

	all, err := store.ListPolicyStates(ctx, persistence.StateFilter{})
	if err != nil || len(all) != 1 {
		t.Fatalf("ListPolicyStates = %v, %v", all, err)
	}
	none, err := store.ListPolicyStates(ctx, persistence.StateFilter{Lifecycle: policy.StatePromoted})
	if err != nil || len(none) != 0 {
		t.Fatalf("filtered = %v, %v", none, err)
	}
	keys, err := store.ListPolicyKeys(ctx)
	if err != nil || len(keys) != 1 || keys[0] != key {
		t.Fatalf("keys = %v, %v", keys, err)
	}
}
