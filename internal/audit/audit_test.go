package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(EventAliasSet, "socket:eng:main", "alias=deploy")
	Record(EventTaskCancelled, "task-1", "cancelled_while_queued")

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["event"] != EventAliasSet {
		t.Fatalf("expected event %s, got %#v", EventAliasSet, first["event"])
	}
	if first["subject"] != "socket:eng:main" {
		t.Fatalf("expected subject socket:eng:main, got %#v", first["subject"])
	}
	if first["timestamp"] == "" {
		t.Fatalf("expected non-empty timestamp: %#v", first)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(EventTaskRetried, "task-1", "attempt=1")
	Record(EventTaskEscalated, "task-2", "max_retries_exceeded")

	path := filepath.Join(home, "logs", "audit.jsonl")

	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	size1 := info1.Size()

	Record(EventSessionAborted, "socket:eng:main", "aborted_by_operator")

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	size2 := info2.Size()
	if size2 <= size1 {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", size1, size2)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 lines, got %d", len(lines))
	}

	for i, line := range lines {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
		if _, ok := e["event"]; !ok {
			t.Fatalf("line %d missing event", i)
		}
	}
}

func TestRecord_RedactsSecretsInDetail(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(EventAliasSet, "socket:eng:main", "auth_token=sk-abc123supersecretvalue")

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "sk-abc123supersecretvalue") {
		t.Fatalf("expected secret to be redacted, got: %s", raw)
	}
}

func TestRecord_NoopBeforeInit(t *testing.T) {
	// No Init call in this test; Record must not panic.
	Record(EventAliasSet, "subject", "detail")
}
