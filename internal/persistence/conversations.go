package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CreateConversation inserts a new conversation for owner.
func (s *Store) CreateConversation(ctx context.Context, owner, title string, now time.Time) (Conversation, error) {
	c := Conversation{
		ID:        uuid.NewString(),
		Owner:     owner,
		Title:     title,
		CreatedAt: utc(now),
		UpdatedAt: utc(now),
	}
	if _, err := s.exec(ctx, `
		INSERT INTO conversations (id, owner, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?);
	`, c.ID, c.Owner, c.Title, c.CreatedAt, c.UpdatedAt); err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns the conversation regardless of owner; callers
// compare Owner themselves.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, title, created_at, updated_at
		FROM conversations WHERE id = ?;
	`, id).Scan(&c.ID, &c.Owner, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns owner's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, owner string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, title, created_at, updated_at
		FROM conversations
		WHERE owner = ?
		ORDER BY updated_at DESC, id ASC
		LIMIT ?;
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Owner, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversations rows: %w", err)
	}
	return out, nil
}

// AppendMessages writes msgs in order and bumps the conversation's
// updated_at, all in one transaction. Assigned ids are written back.
func (s *Store) AppendMessages(ctx context.Context, conversationID string, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case RoleUser, RoleAssistant:
		default:
			return nil, fmt.Errorf("invalid role %q", m.Role)
		}
	}
	out := make([]Message, len(msgs))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var last time.Time
		for i, m := range msgs {
			m.ConversationID = conversationID
			m.Role = strings.ToLower(m.Role)
			m.CreatedAt = utc(m.CreatedAt)
			var meta any
			if len(m.Metadata) > 0 {
				meta = string(m.Metadata)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO messages (conversation_id, role, content, metadata, created_at)
				VALUES (?, ?, ?, ?, ?);
			`, conversationID, m.Role, m.Content, meta, m.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			if m.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("message id: %w", err)
			}
			if m.CreatedAt.After(last) {
				last = m.CreatedAt
			}
			out[i] = m
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?;
		`, last, conversationID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns one page of a conversation's messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(metadata, ''), created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?;
	`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return scanMessages(rows)
}

// RecentMessages returns the last n messages of a conversation, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(metadata, ''), created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?;`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var meta string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if meta != "" {
			m.Metadata = json.RawMessage(meta)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages rows: %w", err)
	}
	return out, nil
}
