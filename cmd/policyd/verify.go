package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/basket/policyd/internal/config"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/reducer"
)

type verifyResult struct {
	reducer.VerifyReport
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// runVerifyCommand replays the ledger of one policy, or of every stored
// policy with -all. Any mismatch exits non-zero.
func runVerifyCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	all := fs.Bool("all", false, "verify every stored policy")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, r, err := openQuery(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		return 1
	}
	defer store.Close()

	var keys []policy.Key
	if *all {
		if keys, err = store.ListPolicyKeys(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "list: %v\n", err)
			return 1
		}
	} else {
		key, err := parseKey(fs.Args())
		if err != nil {
			fmt.Fprintf(os.Stderr, "verify: %v\n", err)
			return 2
		}
		keys = []policy.Key{key}
	}

	results := make([]verifyResult, 0, len(keys))
	failed := 0
	for _, k := range keys {
		rep, err := r.Verify(ctx, k)
		res := verifyResult{VerifyReport: rep, OK: err == nil}
		if err != nil {
			res.Error = err.Error()
			failed++
			logger.Warn("ledger verification failed", "policy", k.String(), "error", err)
		}
		results = append(results, res)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)
	if failed > 0 {
		return 1
	}
	return 0
}
