package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/policyd/internal/engine"
	"github.com/basket/policyd/internal/lease"
	"github.com/basket/policyd/internal/lifecycle"
	"github.com/basket/policyd/internal/persistence"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/reducer"
)

var crashKey = policy.Key{PolicyID: "tool/lease-crash", Kind: policy.KindToolReliability}

func main() {
	mode := flag.String("mode", "", "hold-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	ttl := flag.Duration("ttl", 3*time.Second, "lease ttl taken by the crashing holder")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "hold-sleep":
		// Take the policy's lease and never release it; the caller SIGKILLs us.
		ok, err := lease.NewSQL(store).Acquire(ctx, lease.Key(crashKey), "crashing-holder", *ttl)
		if err != nil || !ok {
			fmt.Fprintf(os.Stderr, "acquire lease: ok=%v err=%v\n", ok, err)
			os.Exit(1)
		}
		fmt.Printf("LEASE_KEY=%s\n", lease.Key(crashKey))
		fmt.Printf("LEASE_OWNER=crashing-holder\n")
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		reg, err := lifecycle.NewRegistry(lifecycle.GatesSet{policy.KindToolReliability: {
			MinRuns: 1, MaxFailureRatio: 0.5, SustainRuns: 1, MinSustainedReward: 0,
			DeprecateFailureRatio: 0.9, DeprecateMinSamples: 1, BlacklistCeiling: 1, EvaluationWindow: 1,
		}})
		if err != nil {
			fmt.Fprintf(os.Stderr, "gates: %v\n", err)
			os.Exit(1)
		}
		r := reducer.New(store, reg, reducer.Config{})
		e := engine.New(r, lease.NewSQL(store), engine.Config{Shards: 1, RetryBase: 100 * time.Millisecond, RetryMax: time.Second})
		e.Start(ctx)

		done := make(chan error, 1)
		start := time.Now()
		err = e.Submit(ctx, policy.OutcomeEvent{
			EventID:        "lease-crash-1",
			IdempotencyKey: "lease-crash-1",
			PolicyID:       crashKey.PolicyID,
			Kind:           crashKey.Kind,
			RewardDelta:    1,
			OccurredAt:     time.Now().UTC(),
		}, func(_ policy.OutcomeEvent, _ reducer.Result, err error) { done <- err })
		if err != nil {
			fmt.Fprintf(os.Stderr, "submit: %v\n", err)
			os.Exit(1)
		}

		var applyErr error
		select {
		case applyErr = <-done:
		case <-time.After(30 * time.Second):
			applyErr = fmt.Errorf("event still waiting on lease after 30s")
		}
		e.Drain(5 * time.Second)
		st := e.Status()
		fmt.Printf("WAITED=%s\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("RETRIES=%d\n", st.Retries)

		state, err := store.LoadPolicyState(ctx, crashKey)
		if applyErr != nil || err != nil {
			fmt.Printf("VERDICT FAIL (apply=%v load=%v)\n", applyErr, err)
			os.Exit(1)
		}
		fmt.Printf("POLICY_STATE lifecycle=%s run_count=%d\n", state.Lifecycle, state.RunCount)
		if state.RunCount != 1 {
			fmt.Println("VERDICT FAIL (expected exactly one applied run)")
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
