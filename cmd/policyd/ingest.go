package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/basket/policyd/internal/config"
	"github.com/basket/policyd/internal/ingest"
)

type ingestReport struct {
	Source string           `json:"source"`
	Stats  ingest.FileStats `json:"stats"`
	Alerts int              `json:"alerts_delivered"`
}

// runIngestCommand applies a JSONL file (or stdin for "-") through the same
// engine the daemon uses and prints a summary. Invalid or failed events make
// the exit status non-zero.
func runIngestCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdin io.Reader, stdout io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: policyd ingest <file|->")
		return 2
	}
	src := args[0]
	var in io.Reader = stdin
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open %s: %v\n", src, err)
			return 1
		}
		defer f.Close()
		in = f
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	defer rt.Close()

	decoder, err := ingest.NewDecoder()
	if err != nil {
		fmt.Fprintf(os.Stderr, "schema: %v\n", err)
		return 1
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	rt.engine.Start(workCtx)

	stats, runErr := ingest.NewFileSource(decoder, rt.engine, logger).Run(ctx, in)
	rt.engine.Drain(cfg.DrainTimeout())
	cancelWork()

	delivered, err := rt.emitter.Drain(context.WithoutCancel(ctx))
	if err != nil {
		logger.Warn("alert drain incomplete", "delivered", delivered, "error", err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(ingestReport{Source: src, Stats: stats, Alerts: delivered})

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "ingest: %v\n", runErr)
		return 1
	}
	if stats.Failed > 0 || stats.Invalid > 0 {
		return 1
	}
	return 0
}
