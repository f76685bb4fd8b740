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

	Record("saga.rejected", "saga", "saga-1", "user-1", "missing confirmation from tools service")
	Record("saga.step.completed", "saga", "saga-1", "user-1", "models service confirmed")

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
	if first["event_type"] != "saga.rejected" {
		t.Fatalf("expected event_type saga.rejected, got %#v", first["event_type"])
	}
	if first["resource_id"] != "saga-1" {
		t.Fatalf("expected resource_id saga-1, got %#v", first["resource_id"])
	}
	if first["detail"] == "" {
		t.Fatalf("expected detail in audit entry: %#v", first)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("node.status.transitioned", "node", "node-1", "", "DRAFT -> ACTIVE")
	Record("node.status.transitioned", "node", "node-2", "", "ACTIVE -> INACTIVE")

	path := filepath.Join(home, "logs", "audit.jsonl")

	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	size1 := info1.Size()

	Record("node.status.transitioned", "node", "node-3", "", "ACTIVE -> ALTERED")

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
		if _, ok := e["occurred_at"]; !ok {
			t.Fatalf("line %d missing occurred_at", i)
		}
		if _, ok := e["event_type"]; !ok {
			t.Fatalf("line %d missing event_type", i)
		}
	}
}

func TestRejectionCountIncrementsOnRejectedEvents(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := RejectionCount()
	Record("rejected", "saga", "saga-2", "user-1", "timed out waiting for confirmation")
	if got := RejectionCount(); got != before+1 {
		t.Fatalf("expected RejectionCount to increment by 1, got %d -> %d", before, got)
	}
}
