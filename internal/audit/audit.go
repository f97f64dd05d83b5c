// Package audit records one write-once ToolCallLog per tool dispatch attempt
// and serves filtered reads over them.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskchat/internal/persistence"
	"github.com/basket/taskchat/internal/shared"
)

// Sink is the durable store for tool call logs.
type Sink interface {
	InsertToolCall(ctx context.Context, l persistence.ToolCallLog) error
	ListToolCalls(ctx context.Context, f persistence.ToolCallFilter) ([]persistence.ToolCallLog, error)
	ToolUsageStats(ctx context.Context, owner string) ([]persistence.ToolUsage, error)
}

// Archiver mirrors written rows to secondary storage. Failures never reach
// the caller.
type Archiver interface {
	Archive(ctx context.Context, l persistence.ToolCallLog) error
}

// Entry is one dispatch attempt to be recorded.
type Entry struct {
	Owner          string
	ConversationID string
	ConfirmationID string
	ToolName       string
	Params         any
	Status         string
	// Result is set for success; ErrorDetails for error. Pending has neither.
	Result       any
	ErrorDetails string
}

type Logger struct {
	sink     Sink
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	mirror io.Writer
}

type Option func(*Logger)

// WithMirror appends every recorded row as a JSON line to w.
func WithMirror(w io.Writer) Option {
	return func(l *Logger) { l.mirror = w }
}

func WithArchiver(a Archiver) Option {
	return func(l *Logger) { l.archiver = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

func New(sink Sink, opts ...Option) *Logger {
	l := &Logger{sink: sink, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// OpenMirror opens <home>/logs/audit.jsonl for appending.
func OpenMirror(homeDir string) (*os.File, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit mirror: %w", err)
	}
	return f, nil
}

func marshalOrEmpty(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Record writes e and returns the stored row.
func (l *Logger) Record(ctx context.Context, e Entry) (persistence.ToolCallLog, error) {
	params, err := marshalOrEmpty(e.Params)
	if err != nil {
		return persistence.ToolCallLog{}, fmt.Errorf("marshal params: %w", err)
	}
	row := persistence.ToolCallLog{
		ID:             uuid.NewString(),
		Owner:          e.Owner,
		ConversationID: e.ConversationID,
		ConfirmationID: e.ConfirmationID,
		ToolName:       e.ToolName,
		Params:         params,
		Status:         e.Status,
		CreatedAt:      l.now().UTC(),
	}
	if tid := shared.TraceID(ctx); tid != "-" {
		row.TraceID = tid
	}
	switch e.Status {
	case persistence.ToolCallSuccess:
		res, err := marshalOrEmpty(e.Result)
		if err != nil {
			return persistence.ToolCallLog{}, fmt.Errorf("marshal result: %w", err)
		}
		if len(res) == 0 {
			res = json.RawMessage(`null`)
		}
		row.Result = res
	case persistence.ToolCallError:
		row.ErrorDetails = shared.Redact(e.ErrorDetails)
		if row.ErrorDetails == "" {
			row.ErrorDetails = "unknown error"
		}
	case persistence.ToolCallPending:
	default:
		return persistence.ToolCallLog{}, fmt.Errorf("invalid tool call status %q", e.Status)
	}

	if err := l.sink.InsertToolCall(ctx, row); err != nil {
		return persistence.ToolCallLog{}, fmt.Errorf("record tool call: %w", err)
	}
	l.writeMirror(row)
	if l.archiver != nil {
		if err := l.archiver.Archive(ctx, row); err != nil {
			l.logger.WarnContext(ctx, "audit archive failed", "tool_call_id", row.ID, "error", err)
		}
	}
	l.logger.InfoContext(ctx, "tool call recorded",
		"tool_call_id", row.ID, "tool", row.ToolName, "status", row.Status)
	return row, nil
}

func (l *Logger) writeMirror(row persistence.ToolCallLog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mirror == nil {
		return
	}
	b, err := json.Marshal(row)
	if err != nil {
		return
	}
	_, _ = l.mirror.Write(append(b, '\n'))
}

// Filter selects tool call logs for one owner.
type Filter = persistence.ToolCallFilter

func (l *Logger) List(ctx context.Context, f Filter) ([]persistence.ToolCallLog, error) {
	if f.Owner == "" {
		return nil, fmt.Errorf("owner required")
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return nil, fmt.Errorf("until must not be before since")
	}
	return l.sink.ListToolCalls(ctx, f)
}

func (l *Logger) Usage(ctx context.Context, owner string) ([]persistence.ToolUsage, error) {
	return l.sink.ToolUsageStats(ctx, owner)
}
