package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestInitWritesJSONAndAudit(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "app", "xeros.log")
	auditLog := filepath.Join(dir, "audit", "audit.log")

	if err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{appLog},
		Audit:       AuditConfig{Enabled: true, Path: auditLog, MaxSizeMB: 1},
	}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{})
	})

	Named("scheduler").Info("运行已提交", "run_id", "run-1")
	Audit().Info("运行完成", "run_id", "run-1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	entry := readFirstEntry(t, appLog)
	if entry["component"] != "scheduler" || entry["run_id"] != "run-1" {
		t.Fatalf("unexpected app entry: %+v", entry)
	}
	audit := readFirstEntry(t, auditLog)
	if audit["stream"] != "audit" {
		t.Fatalf("audit entry missing stream tag: %+v", audit)
	}
}

func TestInitRejectsAuditWithoutPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
	if L() == nil || Audit() == nil {
		t.Fatalf("loggers should stay usable after a failed init")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"WARNING": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for input, want := range cases {
		if got := parseLevel(input).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}

func readFirstEntry(t *testing.T, path string) map[string]any {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("log file %s is empty", path)
	}
	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	return entry
}
