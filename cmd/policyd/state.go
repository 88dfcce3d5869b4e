package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/basket/policyd/internal/config"
	"github.com/basket/policyd/internal/lifecycle"
	"github.com/basket/policyd/internal/persistence"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/reducer"
)

type stateView struct {
	policy.PolicyState
	Usable       bool    `json:"usable"`
	FailureRatio float64 `json:"failure_ratio"`
}

// openQuery opens the store with a reducer for read paths. No engine or
// exporters are started.
func openQuery(cfg config.Config, logger *slog.Logger) (*persistence.Store, *reducer.Reducer, error) {
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	reg, err := lifecycle.NewRegistry(cfg.Gates)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, reducer.New(store, reg, reducer.Config{Logger: logger}), nil
}

// runStateCommand prints one policy (state <kind> <id>) or a filtered listing
// (state [-kind K] [-lifecycle S] [-limit N]).
func runStateCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	kind := fs.String("kind", "", "only list policies of this kind")
	lc := fs.String("lifecycle", "", "only list policies in this lifecycle state")
	limit := fs.Int("limit", 100, "maximum rows to list")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, r, err := openQuery(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		return 1
	}
	defer store.Close()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	if fs.NArg() == 0 {
		f := persistence.StateFilter{Kind: policy.Kind(*kind), Lifecycle: policy.LifecycleState(*lc), Limit: *limit}
		if f.Kind != "" && !f.Kind.Valid() {
			fmt.Fprintf(os.Stderr, "unknown policy kind %q\n", *kind)
			return 2
		}
		if f.Lifecycle != "" && !f.Lifecycle.Valid() {
			fmt.Fprintf(os.Stderr, "unknown lifecycle state %q\n", *lc)
			return 2
		}
		states, err := store.ListPolicyStates(ctx, f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list: %v\n", err)
			return 1
		}
		views := make([]stateView, 0, len(states))
		for _, st := range states {
			views = append(views, newStateView(st))
		}
		_ = enc.Encode(views)
		return 0
	}

	key, err := parseKey(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "state: %v\n", err)
		return 2
	}
	st, err := r.GetCurrentState(ctx, key)
	if errors.Is(err, policy.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "no state for %s\n", key)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "state: %v\n", err)
		return 1
	}
	_ = enc.Encode(newStateView(st))
	return 0
}

func newStateView(st policy.PolicyState) stateView {
	return stateView{PolicyState: st, Usable: st.Usable(), FailureRatio: st.FailureRatio()}
}
