package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Fatalf("ParseLevel(%q): expected %v, got %v", tc.in, tc.want, got)
		}
	}
}

func TestNewJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Output: &buf, Service: "qline"})
	log.Debug("hidden")
	log.Info("booking joined", Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["service"] != "qline" || entry["error"] != "boom" || entry["msg"] != "booking joined" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Format: "text", Output: &buf}).Warn("stale view")
	if !strings.Contains(buf.String(), "level=WARN") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}
