package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecord_WritesJSONLAndCountsDenies(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := DenyCount()
	Record("deny", "admin.unlock", "wrong secret", "")
	Record("allow", "admin.impersonate", "target selected", "w2")
	if got := DenyCount() - before; got != 1 {
		t.Fatalf("deny count delta = %d, want 1", got)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 audit lines, got %d", len(lines))
	}

	var last entry
	if err := json.Unmarshal([]byte(lines[1]), &last); err != nil {
		t.Fatalf("parse audit line: %v", err)
	}
	if last.Decision != "allow" || last.Action != "admin.impersonate" || last.Subject != "w2" {
		t.Fatalf("unexpected entry: %+v", last)
	}
}
