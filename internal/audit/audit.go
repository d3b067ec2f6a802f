// Package audit keeps an append-only JSONL ledger of sensitive daemon
// decisions: alias changes, task cancellation/escalation, and retry
// exhaustion (spec.md §4.11). Grounded on the teacher's
// internal/audit/audit.go package-level Init/Record/Close shape, trimmed
// to the file sink only — talond has no SQL store to dual-write to.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/shared"
)

// Event names recorded by callers across the control plane and
// orchestrator.
const (
	EventAliasSet        = "alias_set"
	EventAliasRemoved    = "alias_removed"
	EventTaskCancelled   = "task_cancelled"
	EventTaskRetried     = "task_retried"
	EventTaskEscalated   = "task_escalated"
	EventWorktreePrune   = "worktree_pruned"
	EventSessionAborted  = "session_aborted"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Subject   string `json:"subject,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
)

// Init opens the audit ledger under {homeDir}/logs/audit.jsonl. Safe to
// call more than once; subsequent calls are no-ops.
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

// Record appends one ledger entry. subject and detail are redacted before
// persistence in case a caller passes a message body or token by mistake.
// A nil-Init'd ledger (e.g. in unit tests) silently drops the entry.
func Record(event, subject, detail string) {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		Subject:   shared.Redact(subject),
		Detail:    shared.Redact(detail),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
