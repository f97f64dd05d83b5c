package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedMessages      int64 `json:"purged_messages"`
	PurgedToolCalls     int64 `json:"purged_tool_calls"`
	PurgedConfirmations int64 `json:"purged_confirmations"`
}

// RunRetention deletes rows older than the configured windows. A window of 0
// keeps rows forever. Only resolved confirmations are purged; running it
// twice is harmless.
func (s *Store) RunRetention(ctx context.Context, now time.Time, messageDays, toolCallDays, confirmationDays int) (RetentionResult, error) {
	var result RetentionResult
	now = utc(now)

	if messageDays > 0 {
		cutoff := now.AddDate(0, 0, -messageDays)
		res, err := s.exec(ctx, `DELETE FROM messages WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge messages: %w", err)
		}
		result.PurgedMessages, _ = res.RowsAffected()
	}

	if toolCallDays > 0 {
		cutoff := now.AddDate(0, 0, -toolCallDays)
		res, err := s.exec(ctx, `DELETE FROM tool_call_logs WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge tool_call_logs: %w", err)
		}
		result.PurgedToolCalls, _ = res.RowsAffected()
	}

	if confirmationDays > 0 {
		cutoff := now.AddDate(0, 0, -confirmationDays)
		res, err := s.exec(ctx, `DELETE FROM pending_confirmations WHERE status != 'pending' AND created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge pending_confirmations: %w", err)
		}
		result.PurgedConfirmations, _ = res.RowsAffected()
	}

	return result, nil
}
