package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/basket/policyd/internal/config"
	"github.com/basket/policyd/internal/lease"
	"github.com/basket/policyd/internal/lifecycle"
	"github.com/basket/policyd/internal/persistence"
	"github.com/basket/policyd/internal/policy"
	"github.com/basket/policyd/internal/reducer"
	"github.com/basket/policyd/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkEnvironment,
		checkGates,
		checkDatabase,
		checkPermissions,
		checkLeaseBackend,
		checkKafka,
		checkLedger,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NoConfigFile {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: fmt.Sprintf("No config.yaml in %s; running on defaults", cfg.HomeDir)}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

// checkEnvironment lists the POLICYD_* overrides in effect, masked.
func checkEnvironment(_ context.Context, _ *config.Config) CheckResult {
	var set []string
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "POLICYD_") {
			set = append(set, name+"="+shared.RedactEnvValue(name, value))
		}
	}
	if len(set) == 0 {
		return CheckResult{Name: "Environment", Status: StatusSkip, Message: "No POLICYD_* overrides"}
	}
	sort.Strings(set)
	return CheckResult{
		Name:    "Environment",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d POLICYD_* overrides", len(set)),
		Detail:  strings.Join(set, " "),
	}
}

// checkGates reports which kinds have thresholds. Events for a kind without
// gates are rejected, so a partially configured set is only a warning.
func checkGates(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gates", Status: StatusSkip, Message: "Config missing"}
	}
	if err := cfg.Gates.Validate(); err != nil {
		return CheckResult{Name: "Gates", Status: StatusFail, Message: err.Error()}
	}
	var missing []string
	for _, k := range policy.Kinds {
		if _, ok := cfg.Gates[k]; !ok {
			missing = append(missing, string(k))
		}
	}
	switch {
	case len(missing) == len(policy.Kinds):
		return CheckResult{
			Name:    "Gates",
			Status:  StatusFail,
			Message: "No gates configured; every event will be rejected",
			Detail:  "Add a gates section to config.yaml",
		}
	case len(missing) > 0:
		return CheckResult{
			Name:    "Gates",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d kinds configured", len(policy.Kinds)-len(missing), len(policy.Kinds)),
			Detail:  "unconfigured: " + strings.Join(missing, ", "),
		}
	}
	return CheckResult{Name: "Gates", Status: StatusPass, Message: "All kinds configured", Detail: cfg.Gates.Version()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	c, err := store.Counts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	res := CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail: fmt.Sprintf("policies=%d audit_records=%d markers=%d pending_alerts=%d active_leases=%d",
			c.Policies, c.AuditRecords, c.Markers, c.PendingAlerts, c.ActiveLeases),
	}
	if c.PendingAlerts > 0 {
		res.Status = StatusWarn
		res.Message = fmt.Sprintf("%d alerts awaiting hand-off", c.PendingAlerts)
	}
	return res
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkLeaseBackend(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Lease", Status: StatusSkip, Message: "Config missing"}
	}
	switch cfg.Lease.Backend {
	case config.LeaseBackendMemory:
		return CheckResult{
			Name:    "Lease",
			Status:  StatusWarn,
			Message: "In-memory leases only coordinate a single process",
		}
	case config.LeaseBackendSQLite:
		return CheckResult{Name: "Lease", Status: StatusPass, Message: "SQLite leases in " + cfg.DBPath}
	case config.LeaseBackendRedis:
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		r, err := lease.NewRedis(cfg.Redis)
		if err != nil {
			return CheckResult{Name: "Lease", Status: StatusFail, Message: shared.Redact(err.Error()), Detail: "addr=" + cfg.Redis.Addr}
		}
		defer r.Close()
		key := "doctor:" + time.Now().UTC().Format(time.RFC3339Nano)
		ok, err := r.Acquire(pingCtx, key, "doctor", time.Second)
		if err != nil || !ok {
			return CheckResult{Name: "Lease", Status: StatusFail, Message: shared.Redact(fmt.Sprintf("Lease round trip failed: %v", err))}
		}
		_ = r.Release(pingCtx, key, "doctor")
		return CheckResult{Name: "Lease", Status: StatusPass, Message: "Redis lease round trip ok", Detail: "addr=" + cfg.Redis.Addr}
	}
	return CheckResult{Name: "Lease", Status: StatusFail, Message: fmt.Sprintf("Unknown backend %q", cfg.Lease.Backend)}
}

func checkKafka(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Kafka", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return CheckResult{Name: "Kafka", Status: StatusSkip, Message: "No brokers configured"}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	conn, err := kafka.DialContext(dialCtx, "tcp", cfg.Kafka.Brokers[0])
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Kafka",
			Status:  StatusFail,
			Message: shared.Redact(fmt.Sprintf("Dial %s failed: %v", cfg.Kafka.Brokers[0], err)),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	defer conn.Close()
	return CheckResult{
		Name:    "Kafka",
		Status:  StatusPass,
		Message: fmt.Sprintf("Broker %s reachable (%dms)", cfg.Kafka.Brokers[0], latency.Milliseconds()),
		Detail:  fmt.Sprintf("topic=%s alert_topic=%s group=%s", cfg.Kafka.Topic, cfg.Kafka.AlertTopic, cfg.Kafka.GroupID),
	}
}

// checkLedger replays every policy's ledger against its stored row.
func checkLedger(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Ledger", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Ledger", Status: StatusSkip, Message: "Database unavailable"}
	}
	defer store.Close()

	reg, err := lifecycle.NewRegistry(cfg.Gates)
	if err != nil {
		reg, _ = lifecycle.NewRegistry(lifecycle.GatesSet{})
	}
	r := reducer.New(store, reg, reducer.Config{})
	keys, err := store.ListPolicyKeys(ctx)
	if err != nil {
		return CheckResult{Name: "Ledger", Status: StatusFail, Message: err.Error()}
	}

	var bad []string
	records := 0
	for _, k := range keys {
		rep, err := r.Verify(ctx, k)
		records += rep.Records
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", k, err))
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Name:    "Ledger",
			Status:  StatusFail,
			Message: fmt.Sprintf("%d of %d policies failed replay", len(bad), len(keys)),
			Detail:  strings.Join(bad, "; "),
		}
	}
	return CheckResult{
		Name:    "Ledger",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d policies replay cleanly (%d records)", len(keys), records),
	}
}
