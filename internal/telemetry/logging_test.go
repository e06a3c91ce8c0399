package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLastLogLine(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatal("no log lines written")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLoggerEmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("startup phase", "phase", "config_loaded", "run_id", "run-1")

	entry := readLastLogLine(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("trace_id = %#v, want -", entry["trace_id"])
	}
	if entry["run_id"] != "run-1" {
		t.Fatalf("run_id = %#v, want run-1", entry["run_id"])
	}
}

func TestNewLoggerRedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check",
		"api_key", "abc123",
		"bot_token", "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw_x",
		"auth_header", "Authorization: Bearer super-secret-token",
	)

	entry := readLastLogLine(t, home)
	for _, key := range []string{"api_key", "bot_token", "auth_header"} {
		if entry[key] != "[REDACTED]" {
			t.Fatalf("%s = %#v, want [REDACTED]", key, entry[key])
		}
	}
}

func TestNewLoggerRedactsSecretBearingValues(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	// The key is harmless; the value carries a bot token.
	logger.Warn("poll failed", "detail", "request for 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw_x timed out")

	entry := readLastLogLine(t, home)
	detail, _ := entry["detail"].(string)
	if strings.Contains(detail, "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw_x") {
		t.Fatalf("token survived value redaction: %q", detail)
	}
}

func TestNewLoggerQuietWritesFileOnly(t *testing.T) {
	home := t.TempDir()
	_, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	if _, err := os.Stat(filepath.Join(home, "logs", LogFileName)); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
}

func TestComponent(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	Component(logger, "reaper").Info("sweep done")

	entry := readLastLogLine(t, home)
	if entry["component"] != "reaper" {
		t.Fatalf("component = %#v, want reaper", entry["component"])
	}

	// A nil base falls back to the default logger rather than panicking.
	Component(nil, "doctor").Debug("probe")
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"info", "INFO"},
		{"", "INFO"},
		{"bogus", "INFO"},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in).String(); got != tc.want {
			t.Errorf("parseLevel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
