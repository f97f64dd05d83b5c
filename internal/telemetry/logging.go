// Package telemetry builds the process-wide slog logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/basket/taskchat/internal/shared"
)

// LogFile is the JSON-lines log under <home>/logs.
const LogFile = "taskchat.jsonl"

// maxContentRunes bounds how much of a chat message reaches the log.
const maxContentRunes = 120

// Keys whose values are replaced outright.
var secretKeys = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "dsn", "credential"}

// Keys carrying user-authored chat text; logged clipped.
var contentKeys = map[string]bool{"message": true, "content": true, "prompt": true, "reply": true}

// NewLogger appends JSON lines to <homeDir>/logs/taskchat.jsonl and, unless
// quiet, mirrors them to stdout. The closer releases the file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return NewWriterLogger(w, level), file, nil
}

// NewWriterLogger builds a logger with the standard schema on w.
func NewWriterLogger(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrub,
	})
	return slog.New(&contextHandler{Handler: handler}).With("component", "taskchat")
}

func scrub(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	key := strings.ToLower(a.Key)
	if isSecretKey(key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if contentKeys[key] {
		v = clip(v)
	}
	return slog.String(a.Key, redactValue(v))
}

// contextHandler stamps the request-scoped ids carried on ctx onto every
// record, so handlers deep in the pipeline need not repeat them.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	if owner := shared.Owner(ctx); owner != "" {
		r.AddAttrs(slog.String("owner", owner))
	}
	if conv := shared.ConversationID(ctx); conv != "" {
		r.AddAttrs(slog.String("conversation_id", conv))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

func isSecretKey(key string) bool {
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// redactValue blanks strings that carry credentials and masks known secret
// shapes elsewhere.
func redactValue(v string) string {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") || strings.Contains(lower, "api_key=") {
		return "[REDACTED]"
	}
	return shared.Redact(v)
}

func clip(v string) string {
	if utf8.RuneCountInString(v) <= maxContentRunes {
		return v
	}
	runes := []rune(v)
	return string(runes[:maxContentRunes]) + "…"
}

// parseLevel accepts slog level names ("debug", "WARN", "info+2"); "warning"
// is an alias for warn. Anything else is info.
func parseLevel(level string) slog.Level {
	s := strings.TrimSpace(level)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
