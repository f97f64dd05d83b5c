package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	ToolCallSuccess = "success"
	ToolCallError   = "error"
	ToolCallPending = "pending"
)

// ToolCallLog is one write-once audit row per dispatch attempt.
type ToolCallLog struct {
	ID             string          `json:"id"`
	Owner          string          `json:"owner"`
	ConversationID string          `json:"conversation_id,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	ConfirmationID string          `json:"confirmation_id,omitempty"`
	ToolName       string          `json:"tool_name"`
	Params         json.RawMessage `json:"params"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorDetails   string          `json:"error_details,omitempty"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ToolCallFilter narrows ListToolCalls. Owner is required.
type ToolCallFilter struct {
	Owner    string
	ToolName string
	Status   string
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// ToolUsage counts dispatch outcomes for one tool.
type ToolUsage struct {
	ToolName string `json:"tool_name"`
	Success  int    `json:"success"`
	Error    int    `json:"error"`
	Pending  int    `json:"pending"`
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertToolCall appends a log row. There is no update path; the schema
// rejects UPDATE with a trigger.
func (s *Store) InsertToolCall(ctx context.Context, l ToolCallLog) error {
	if l.Owner == "" || l.ID == "" {
		return fmt.Errorf("tool call log requires id and owner")
	}
	params := string(l.Params)
	if params == "" {
		params = "{}"
	}
	var result any
	if len(l.Result) > 0 {
		result = string(l.Result)
	}
	if _, err := s.exec(ctx, `
		INSERT INTO tool_call_logs (id, owner, conversation_id, trace_id, confirmation_id, tool_name, params, result, error_details, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, l.ID, l.Owner, nullString(l.ConversationID), nullString(l.TraceID), nullString(l.ConfirmationID),
		l.ToolName, params, result, nullString(l.ErrorDetails), l.Status, utc(l.CreatedAt)); err != nil {
		return fmt.Errorf("insert tool call log: %w", err)
	}
	return nil
}

// ListToolCalls returns matching rows newest first.
func (s *Store) ListToolCalls(ctx context.Context, f ToolCallFilter) ([]ToolCallLog, error) {
	if f.Owner == "" {
		return nil, fmt.Errorf("owner required")
	}
	var (
		where = []string{"owner = ?"}
		args  = []any{f.Owner}
	)
	if f.ToolName != "" {
		where = append(where, "tool_name = ?")
		args = append(args, f.ToolName)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, utc(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, utc(f.Until))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := max(f.Offset, 0)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, COALESCE(conversation_id, ''), COALESCE(trace_id, ''), COALESCE(confirmation_id, ''),
			tool_name, params, COALESCE(result, ''), COALESCE(error_details, ''), status, created_at
		FROM tool_call_logs
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query tool call logs: %w", err)
	}
	defer rows.Close()

	var out []ToolCallLog
	for rows.Next() {
		var (
			l              ToolCallLog
			params, result string
		)
		if err := rows.Scan(&l.ID, &l.Owner, &l.ConversationID, &l.TraceID, &l.ConfirmationID,
			&l.ToolName, &params, &result, &l.ErrorDetails, &l.Status, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool call log: %w", err)
		}
		l.Params = json.RawMessage(params)
		if result != "" {
			l.Result = json.RawMessage(result)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool call log rows: %w", err)
	}
	return out, nil
}

// ToolUsageStats aggregates owner's tool calls by tool and status.
func (s *Store) ToolUsageStats(ctx context.Context, owner string) ([]ToolUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name,
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END)
		FROM tool_call_logs
		WHERE owner = ?
		GROUP BY tool_name
		ORDER BY tool_name ASC;
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("query tool usage: %w", err)
	}
	defer rows.Close()
	var out []ToolUsage
	for rows.Next() {
		var u ToolUsage
		if err := rows.Scan(&u.ToolName, &u.Success, &u.Error, &u.Pending); err != nil {
			return nil, fmt.Errorf("scan tool usage: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool usage rows: %w", err)
	}
	return out, nil
}
