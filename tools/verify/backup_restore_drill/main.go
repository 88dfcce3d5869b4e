package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/policyd/internal/lifecycle"
	"github.com/basket/policyd/internal/persistence"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/reducer"
)

var drillGates = lifecycle.Gates{
	MinRuns: 5, MaxFailureRatio: 0.2, SustainRuns: 3, MinSustainedReward: 0.1,
	DeprecateFailureRatio: 0.6, DeprecateMinSamples: 5, BlacklistCeiling: 4, EvaluationWindow: 10,
}

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "policyd-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "policyd.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	reg, err := lifecycle.NewRegistry(lifecycle.GatesSet{policy.KindToolReliability: drillGates})
	if err != nil {
		fmt.Printf("gates_error=%v\n", err)
		os.Exit(1)
	}
	r := reducer.New(store, reg, reducer.Config{})

	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	for p := 0; p < 4; p++ {
		for i := 0; i < 10; i++ {
			reward := 1.0
			if p == 3 {
				reward = -1
			}
			_, err := r.Apply(ctx, policy.OutcomeEvent{
				EventID:        fmt.Sprintf("drill-%d-%d", p, i),
				IdempotencyKey: fmt.Sprintf("drill-%d-%d", p, i),
				PolicyID:       fmt.Sprintf("tool/drill-%d", p),
				Kind:           policy.KindToolReliability,
				RewardDelta:    reward,
				OccurredAt:     base.Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				fmt.Printf("apply_error=%v\n", err)
				os.Exit(1)
			}
		}
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(backupPath)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	counts, err := restoreStore.Counts(ctx)
	if err != nil {
		fmt.Printf("count_error=%v\n", err)
		os.Exit(1)
	}
	restored := reducer.New(restoreStore, reg, reducer.Config{})
	keys, err := restoreStore.ListPolicyKeys(ctx)
	if err != nil {
		fmt.Printf("list_keys_error=%v\n", err)
		os.Exit(1)
	}
	verifyFailures := 0
	for _, k := range keys {
		if _, err := restored.Verify(ctx, k); err != nil {
			fmt.Printf("verify_error policy=%s err=%v\n", k, err)
			verifyFailures++
		}
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_policies=%d\n", counts.Policies)
	fmt.Printf("restored_audit_records=%d\n", counts.AuditRecords)
	fmt.Printf("restored_pending_alerts=%d\n", counts.PendingAlerts)

	if counts.Policies != 4 || counts.AuditRecords != 40 || verifyFailures > 0 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
