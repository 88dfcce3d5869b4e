// Package audit provides tamper evidence and replay for the policy audit
// ledger, plus a JSONL journal of every accept/duplicate/reject decision the
// reducer makes. The ledger rows themselves live in persistence.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/policyd/internal/shared"
)

const (
	DecisionAccept    = "accept"
	DecisionDuplicate = "duplicate"
	DecisionReject    = "reject"
)

type entry struct {
	Timestamp      string `json:"timestamp"`
	Decision       string `json:"decision"`
	PolicyID       string `json:"policy_id,omitempty"`
	Kind           string `json:"policy_kind,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Reason         string `json:"reason"`
	GatesVersion   string `json:"gates_version,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`
}

// Entry is one journal line as handed to Record.
type Entry struct {
	Decision       string
	PolicyID       string
	Kind           string
	IdempotencyKey string
	Reason         string
	GatesVersion   string
	TraceID        string
}

var (
	mu          sync.Mutex
	file        *os.File
	rejectCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectCount returns the number of rejected events since startup.
func RejectCount() int64 {
	return rejectCount.Load()
}

// Record appends one decision to the journal. It is a no-op until Init.
func Record(e Entry) {
	if e.Decision == DecisionReject {
		rejectCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Decision:       e.Decision,
		PolicyID:       e.PolicyID,
		Kind:           e.Kind,
		IdempotencyKey: e.IdempotencyKey,
		Reason:         shared.Redact(e.Reason),
		GatesVersion:   e.GatesVersion,
		TraceID:        e.TraceID,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
