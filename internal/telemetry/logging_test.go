package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskchat/internal/shared"
)

func decodeLast(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", lines[len(lines)-1], err)
	}
	return entry
}

func TestNewLogger_WritesSchemaToFile(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("startup phase", "phase", "config_loaded", "task_id", 7)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", LogFile))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	entry := decodeLast(t, raw)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing key %q in %#v", key, entry)
		}
	}
	if entry["component"] != "taskchat" || entry["trace_id"] != "-" {
		t.Fatalf("entry = %#v", entry)
	}
	if entry["task_id"] != float64(7) {
		t.Fatalf("task_id = %#v", entry["task_id"])
	}
}

func TestLogger_Scrubbing(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want func(string) bool
	}{
		{"api key by name", "api_key", "abc123", func(s string) bool { return s == "[REDACTED]" }},
		{"postgres dsn", "postgres_dsn", "postgres://u:p@db/tasks", func(s string) bool { return s == "[REDACTED]" }},
		{"bearer in value", "auth_header", "Authorization: Bearer super-secret-token", func(s string) bool { return s == "[REDACTED]" }},
		{"long chat message clipped", "message", strings.Repeat("buy milk ", 40), func(s string) bool {
			return strings.HasSuffix(s, "…") && len([]rune(s)) == maxContentRunes+1
		}},
		{"short message kept", "message", "Add a task to buy milk", func(s string) bool { return s == "Add a task to buy milk" }},
		{"plain field kept", "route", "/api/:owner/chat", func(s string) bool { return s == "/api/:owner/chat" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewWriterLogger(&buf, "info").Info("check", tt.key, tt.val)
			got, _ := decodeLast(t, buf.Bytes())[tt.key].(string)
			if !tt.want(got) {
				t.Fatalf("%s = %q", tt.key, got)
			}
		})
	}
}

func TestLogger_StampsRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "info")

	ctx := shared.WithTraceID(context.Background(), "trace-42")
	ctx = shared.WithOwner(ctx, "owner-1")
	ctx = shared.WithConversationID(ctx, "conv-9")
	logger.With("stage", "resolve").InfoContext(ctx, "chat message handled")

	entry := decodeLast(t, buf.Bytes())
	if entry["trace_id"] != "trace-42" || entry["owner"] != "owner-1" || entry["conversation_id"] != "conv-9" {
		t.Fatalf("context ids not stamped: %#v", entry)
	}
	if entry["stage"] != "resolve" {
		t.Fatalf("With attrs lost: %#v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info+2":  slog.LevelInfo + 2,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
