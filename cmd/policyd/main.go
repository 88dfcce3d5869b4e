package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/policyd/internal/audit"
	"github.com/basket/policyd/internal/config"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON MODE:
  %[1]s run                   Start the reducer (Kafka consumer, alert drain, retention)

SUBCOMMANDS:
  %[1]s ingest <file|->       Apply a JSONL file of outcome events and exit
  %[1]s state <kind> <id>     Show the stored state of one policy
  %[1]s verify [-all] [<kind> <id>]
                              Replay the audit ledger and compare with stored state
  %[1]s doctor [-json]        Run diagnostic checks
  %[1]s backup <path>         Write an online snapshot of the database

ENVIRONMENT VARIABLES:
  POLICYD_HOME            Data directory (default: ~/.policyd)
  POLICYD_WORKER_COUNT    Engine shards
  POLICYD_LOG_LEVEL       debug, info, warn, error
  POLICYD_DB_PATH         SQLite database path
  POLICYD_KAFKA_BROKERS   Comma-separated broker list
  POLICYD_REDIS_ADDR      Redis address for the redis lease backend
  POLICYD_LEASE_BACKEND   memory, sqlite or redis

Kinds: %[2]s
`, os.Args[0], kindList())
}

func kindList() string {
	names := make([]string, 0, len(policy.Kinds))
	for _, k := range policy.Kinds {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	case "run", "ingest", "state", "verify", "backup":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// One-shot commands print results to stdout; keep logs in the file when
	// a person is watching the terminal.
	quiet := cmd != "run" && isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "command", cmd, "fingerprint", cfg.Fingerprint())

	var code int
	switch cmd {
	case "run":
		code = runDaemon(ctx, cfg, logger)
	case "ingest":
		code = runIngestCommand(ctx, cfg, logger, args, os.Stdin, os.Stdout)
	case "state":
		code = runStateCommand(ctx, cfg, logger, args, os.Stdout)
	case "verify":
		code = runVerifyCommand(ctx, cfg, logger, args, os.Stdout)
	case "backup":
		code = runBackupCommand(ctx, cfg, args, os.Stdout)
	}
	stop()
	os.Exit(code)
}

// parseKey reads "<kind> <policy_id>" arguments.
func parseKey(args []string) (policy.Key, error) {
	if len(args) != 2 {
		return policy.Key{}, fmt.Errorf("want <kind> <policy_id>, got %d arguments", len(args))
	}
	kind := policy.Kind(strings.TrimSpace(args[0]))
	if !kind.Valid() {
		return policy.Key{}, fmt.Errorf("unknown policy kind %q (kinds: %s)", args[0], kindList())
	}
	id := strings.TrimSpace(args[1])
	if id == "" {
		return policy.Key{}, fmt.Errorf("policy_id must not be blank")
	}
	return policy.Key{PolicyID: id, Kind: kind}, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Entry{Decision: "fatal", Reason: reasonCode + ": " + message})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		writeFatal(os.Stderr, reasonCode, message)
	}
	os.Exit(1)
}

func writeFatal(w io.Writer, reasonCode, message string) {
	fmt.Fprintf(w,
		`{"timestamp":"%s","level":"ERROR","component":"policyd","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}
