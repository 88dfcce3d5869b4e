package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/basket/policyd/internal/config"
	"github.com/basket/policyd/internal/persistence"
)

func runBackupCommand(ctx context.Context, cfg config.Config, args []string, stdout io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: policyd backup <path>")
		return 2
	}
	dest := args[0]
	if _, err := os.Stat(dest); err == nil {
		fmt.Fprintf(os.Stderr, "backup: %s already exists\n", dest)
		return 1
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Backup(ctx, dest); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "backup written to %s\n", dest)
	return 0
}
