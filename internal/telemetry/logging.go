package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/shared"
)

// LogFile is the daemon's JSON log, relative to the home directory.
const LogFile = "logs/system.jsonl"

// NewLogger writes JSON lines to <home>/logs/system.jsonl and, unless quiet,
// mirrors them to stdout. String and error values are masked before they are
// encoded.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	path := filepath.Join(homeDir, LogFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: maskAttr,
	})
	return slog.New(handler).With("component", "policyd", "trace_id", "-"), file, nil
}

func maskAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	switch a.Value.Kind() {
	case slog.KindString:
		if masked := shared.RedactEnvValue(a.Key, a.Value.String()); masked != a.Value.String() {
			return slog.String(a.Key, masked)
		}
	case slog.KindAny:
		// Broker and cache errors echo their DSN.
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, shared.Redact(err.Error()))
		}
	}
	return a
}

// parseLevel maps a config level name to a slog level; unknown names are info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// EventAttrs is the attribute set logged with every decision about an event,
// enough to find the producer of a bad one.
func EventAttrs(ev policy.OutcomeEvent) []any {
	return []any{
		"policy_id", ev.PolicyID,
		"policy_kind", string(ev.Kind),
		"event_id", ev.EventID,
		"idempotency_key", ev.IdempotencyKey,
		"run_id", ev.RunID,
	}
}

// FromContext returns logger annotated with the trace, worker and shard
// carried by ctx, plus the policy when one is set.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"trace_id", shared.TraceID(ctx)}
	if id := shared.WorkerID(ctx); id != "" {
		attrs = append(attrs, "worker_id", id)
	}
	if shard := shared.Shard(ctx); shard >= 0 {
		attrs = append(attrs, "shard", shard)
	}
	if id := shared.PolicyID(ctx); id != "" {
		attrs = append(attrs, "policy_id", id, "policy_kind", shared.PolicyKind(ctx))
	}
	return logger.With(attrs...)
}
