package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	ConfirmationPending  = "pending"
	ConfirmationApproved = "approved"
	ConfirmationRejected = "rejected"
	ConfirmationExpired  = "expired"
)

type PendingConfirmation struct {
	ID             string          `json:"id"`
	Owner          string          `json:"owner"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Operation      string          `json:"operation"`
	Params         json.RawMessage `json:"params"`
	Summary        string          `json:"summary,omitempty"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
}

func (s *Store) InsertConfirmation(ctx context.Context, c PendingConfirmation) error {
	params := string(c.Params)
	if params == "" {
		params = "{}"
	}
	if _, err := s.exec(ctx, `
		INSERT INTO pending_confirmations (id, owner, conversation_id, operation, params, summary, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?);
	`, c.ID, c.Owner, nullString(c.ConversationID), c.Operation, params, c.Summary, utc(c.CreatedAt), utc(c.ExpiresAt)); err != nil {
		return fmt.Errorf("insert confirmation: %w", err)
	}
	return nil
}

const confirmationColumns = `id, owner, COALESCE(conversation_id, ''), operation, params, summary, status, created_at, expires_at, resolved_at, executed_at`

func scanConfirmation(row interface{ Scan(...any) error }) (PendingConfirmation, error) {
	var (
		c                  PendingConfirmation
		params             string
		resolved, executed sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Owner, &c.ConversationID, &c.Operation, &params, &c.Summary, &c.Status,
		&c.CreatedAt, &c.ExpiresAt, &resolved, &executed); err != nil {
		return PendingConfirmation{}, err
	}
	c.Params = json.RawMessage(params)
	if resolved.Valid {
		t := resolved.Time
		c.ResolvedAt = &t
	}
	if executed.Valid {
		t := executed.Time
		c.ExecutedAt = &t
	}
	return c, nil
}

// GetConfirmation returns the row regardless of owner.
func (s *Store) GetConfirmation(ctx context.Context, id string) (PendingConfirmation, error) {
	c, err := scanConfirmation(s.db.QueryRowContext(ctx, `SELECT `+confirmationColumns+` FROM pending_confirmations WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return PendingConfirmation{}, ErrNotFound
	}
	if err != nil {
		return PendingConfirmation{}, fmt.Errorf("get confirmation: %w", err)
	}
	return c, nil
}

// TransitionConfirmation moves a pending, unexpired confirmation owned by
// owner to status in one conditional UPDATE. It reports whether this caller
// won the transition.
func (s *Store) TransitionConfirmation(ctx context.Context, id, owner, status string, now time.Time) (bool, error) {
	switch status {
	case ConfirmationApproved, ConfirmationRejected:
	default:
		return false, fmt.Errorf("invalid confirmation transition to %q", status)
	}
	now = utc(now)
	res, err := s.exec(ctx, `
		UPDATE pending_confirmations
		SET status = ?, resolved_at = ?
		WHERE id = ? AND owner = ? AND status = 'pending' AND expires_at > ?;
	`, status, now, id, owner, now)
	if err != nil {
		return false, fmt.Errorf("transition confirmation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition confirmation rows affected: %w", err)
	}
	return n == 1, nil
}

// ExpireConfirmation marks one past-due pending row expired.
func (s *Store) ExpireConfirmation(ctx context.Context, id string, now time.Time) (bool, error) {
	now = utc(now)
	res, err := s.exec(ctx, `
		UPDATE pending_confirmations
		SET status = 'expired', resolved_at = ?
		WHERE id = ? AND status = 'pending' AND expires_at <= ?;
	`, now, id, now)
	if err != nil {
		return false, fmt.Errorf("expire confirmation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ClaimConfirmationExecution stamps executed_at on an approved row that has
// not run yet. Only one caller can ever get true for a given id.
func (s *Store) ClaimConfirmationExecution(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE pending_confirmations
		SET executed_at = ?
		WHERE id = ? AND owner = ? AND status = 'approved' AND executed_at IS NULL;
	`, utc(now), id, owner)
	if err != nil {
		return false, fmt.Errorf("claim confirmation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim confirmation rows affected: %w", err)
	}
	return n == 1, nil
}

// ListPendingConfirmations returns owner's pending, unexpired rows, oldest first.
func (s *Store) ListPendingConfirmations(ctx context.Context, owner string, now time.Time) ([]PendingConfirmation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+confirmationColumns+`
		FROM pending_confirmations
		WHERE owner = ? AND status = 'pending' AND expires_at > ?
		ORDER BY created_at ASC, id ASC;
	`, owner, utc(now))
	if err != nil {
		return nil, fmt.Errorf("query pending confirmations: %w", err)
	}
	defer rows.Close()
	var out []PendingConfirmation
	for rows.Next() {
		c, err := scanConfirmation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending confirmation rows: %w", err)
	}
	return out, nil
}

// ExpireStaleConfirmations bulk-expires every past-due pending row.
func (s *Store) ExpireStaleConfirmations(ctx context.Context, now time.Time) (int64, error) {
	now = utc(now)
	res, err := s.exec(ctx, `
		UPDATE pending_confirmations
		SET status = 'expired', resolved_at = ?
		WHERE status = 'pending' AND expires_at <= ?;
	`, now, now)
	if err != nil {
		return 0, fmt.Errorf("expire stale confirmations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire stale rows affected: %w", err)
	}
	return n, nil
}
