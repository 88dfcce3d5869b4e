//go:build ignore

// sigkill_chaos is a standalone chaos test for the reducer's atomic commit.
// It builds policyd, starts an ingest of a large event file, SIGKILLs it
// partway, re-runs the same file to completion, and verifies that:
//   - The database is not corrupted (PRAGMA integrity_check)
//   - Every policy's run_count equals the number of distinct events for it
//   - Every policy's audit ledger replays to its stored state
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/policyd/internal/lifecycle"
	"github.com/basket/policyd/internal/persistence"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/reducer"
)

const (
	policies        = 20
	eventsPerPolicy = 100
)

const configYAML = `worker_count: 4
lease:
  backend: sqlite
  ttl_seconds: 2
gates:
  tool-reliability:
    min_runs: 10
    max_failure_ratio: 0.3
    sustain_runs: 5
    min_sustained_reward: 0.1
    deprecate_failure_ratio: 0.6
    deprecate_min_samples: 10
    blacklist_ceiling: 8
    evaluation_window: 20
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	ctx := context.Background()

	// 1. Build the policyd binary.
	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "policyd")

	fmt.Println("BUILD policyd binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/policyd")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	// 2. Create a temp POLICYD_HOME with gates and a short lease TTL so the
	// killed process's leases expire quickly.
	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	eventsPath := filepath.Join(home, "events.jsonl")
	if err := writeEvents(eventsPath); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	env := append(os.Environ(), "POLICYD_HOME="+home)

	// 3. Start an ingest and kill it mid-stream.
	fmt.Println("START ingest (first run)...")
	first := exec.Command(binPath, "ingest", eventsPath)
	first.Env = env
	if err := first.Start(); err != nil {
		return fmt.Errorf("start ingest: %w", err)
	}
	time.Sleep(400 * time.Millisecond)
	fmt.Println("SIGKILL ingest...")
	if err := first.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = first.Wait()

	partial, err := countRuns(ctx, filepath.Join(home, "policyd.db"))
	if err != nil {
		return fmt.Errorf("count after kill: %w", err)
	}
	fmt.Printf("APPLIED_BEFORE_KILL=%d\n", partial)

	// 4. Redeliver the whole file.
	fmt.Println("RESTART ingest (second run)...")
	second := exec.Command(binPath, "ingest", eventsPath)
	second.Env = env
	second.Stdout = os.Stdout
	second.Stderr = os.Stderr
	if err := second.Run(); err != nil {
		return fmt.Errorf("second ingest: %w", err)
	}

	// 5. Verify DB integrity and exactly-once effects.
	store, err := persistence.Open(filepath.Join(home, "policyd.db"))
	if err != nil {
		return fmt.Errorf("reopen store after kill: %w", err)
	}
	defer store.Close()

	var integrityResult string
	if err := store.DB().QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&integrityResult); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	fmt.Printf("INTEGRITY_CHECK=%s\n", integrityResult)
	if integrityResult != "ok" {
		return fmt.Errorf("DB integrity check failed: %s", integrityResult)
	}

	reg, err := lifecycle.NewRegistry(lifecycle.GatesSet{})
	if err != nil {
		return err
	}
	r := reducer.New(store, reg, reducer.Config{})
	states, err := store.ListPolicyStates(ctx, persistence.StateFilter{Limit: 1000})
	if err != nil {
		return fmt.Errorf("list states: %w", err)
	}
	if len(states) != policies {
		return fmt.Errorf("expected %d policies, got %d", policies, len(states))
	}
	for _, st := range states {
		if st.RunCount != eventsPerPolicy {
			return fmt.Errorf("%s run_count=%d, want %d", st.Key(), st.RunCount, eventsPerPolicy)
		}
		if _, err := r.Verify(ctx, st.Key()); err != nil {
			return fmt.Errorf("%s ledger: %w", st.Key(), err)
		}
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

func writeEvents(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < eventsPerPolicy; i++ {
		for p := 0; p < policies; p++ {
			reward := 1.0
			if (i+p)%7 == 0 {
				reward = -1
			}
			fmt.Fprintf(w, `{"event_id":"chaos-%[1]d-%[2]d","idempotency_key":"chaos-%[1]d-%[2]d","policy_id":"tool/chaos-%[1]d","policy_kind":"%[3]s","reward_delta":%[4]g,"occurred_at":"%[5]s"}`+"\n",
				p, i, policy.KindToolReliability, reward, base.Add(time.Duration(i)*time.Second).Format(time.RFC3339))
		}
	}
	return w.Flush()
}

func countRuns(ctx context.Context, dbPath string) (int64, error) {
	store, err := persistence.Open(dbPath)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	c, err := store.Counts(ctx)
	return c.AuditRecords, err
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}
