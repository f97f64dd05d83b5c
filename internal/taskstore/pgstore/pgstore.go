// Package pgstore is a Task Store backed by PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/basket/taskchat/internal/retry"
	"github.com/basket/taskchat/internal/taskstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id BIGSERIAL PRIMARY KEY,
	owner TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'medium' CHECK (priority IN ('low', 'medium', 'high')),
	completed BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner_updated ON tasks(owner, updated_at DESC);
`

const taskColumns = `id, owner, title, description, priority, completed, created_at, updated_at`

type Store struct {
	db    *sql.DB
	retry retry.Policy
}

var _ taskstore.Store = (*Store)(nil)

// Open connects to dsn and ensures the tasks table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db, retry: retry.StorePolicy()}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tasks schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Classify decides retries for reads: serialization failures, deadlocks
// and connection loss are all safe to repeat.
func Classify(err error) retry.Class {
	if ClassifyWrite(err) == retry.Transient {
		return retry.Transient
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "08" {
			return retry.Transient
		}
		return retry.Permanent
	}
	if errors.Is(err, driver.ErrBadConn) {
		return retry.Transient
	}
	if err != nil && strings.Contains(err.Error(), "connection reset") {
		return retry.Transient
	}
	return retry.Permanent
}

// ClassifyWrite decides retries for inserts, toggles and deletes. Only a
// serialization failure or deadlock is retried: the server rolled the
// statement back. A lost connection may hide a committed write, so it is
// returned to the caller instead of being repeated.
func ClassifyWrite(err error) retry.Class {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return retry.Transient
		}
	}
	return retry.Permanent
}

func scanTask(row interface{ Scan(...any) error }) (taskstore.Task, error) {
	var t taskstore.Task
	var priority string
	if err := row.Scan(&t.ID, &t.Owner, &t.Title, &t.Description, &priority, &t.Completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return taskstore.Task{}, taskstore.ErrNotFound
		}
		return taskstore.Task{}, err
	}
	t.Priority = taskstore.Priority(priority)
	return t, nil
}

func (s *Store) Create(ctx context.Context, owner string, in taskstore.NewTask) (taskstore.Task, error) {
	if err := in.Normalize(); err != nil {
		return taskstore.Task{}, err
	}
	return retry.Do(ctx, s.retry, ClassifyWrite, func(ctx context.Context) (taskstore.Task, error) {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO tasks (owner, title, description, priority)
			VALUES ($1, $2, $3, $4)
			RETURNING `+taskColumns, owner, in.Title, in.Description, string(in.Priority))
		t, err := scanTask(row)
		if err != nil {
			return taskstore.Task{}, fmt.Errorf("insert task: %w", err)
		}
		return t, nil
	})
}

func (s *Store) List(ctx context.Context, owner string, status taskstore.StatusFilter, limit int) ([]taskstore.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE owner = $1`
	switch status {
	case taskstore.StatusPending:
		q += ` AND completed = FALSE`
	case taskstore.StatusCompleted:
		q += ` AND completed = TRUE`
	}
	q += ` ORDER BY updated_at DESC, id DESC`
	args := []any{owner}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return retry.Do(ctx, s.retry, Classify, func(ctx context.Context) ([]taskstore.Task, error) {
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		defer rows.Close()
		var out []taskstore.Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return nil, fmt.Errorf("scan task: %w", err)
			}
			out = append(out, t)
		}
		return out, rows.Err()
	})
}

func (s *Store) Lookup(ctx context.Context, id int64) (taskstore.Task, error) {
	return retry.Do(ctx, s.retry, Classify, func(ctx context.Context) (taskstore.Task, error) {
		return scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	})
}

// Update assigns absolute values, so it is repeated after connection loss
// like a read.
func (s *Store) Update(ctx context.Context, owner string, id int64, patch taskstore.Patch) (taskstore.Task, error) {
	if err := patch.Normalize(); err != nil {
		return taskstore.Task{}, err
	}
	var priority *string
	if patch.Priority != nil {
		p := string(*patch.Priority)
		priority = &p
	}
	return retry.Do(ctx, s.retry, Classify, func(ctx context.Context) (taskstore.Task, error) {
		return scanTask(s.db.QueryRowContext(ctx, `
			UPDATE tasks SET
				title = COALESCE($3, title),
				description = COALESCE($4, description),
				priority = COALESCE($5, priority),
				updated_at = NOW()
			WHERE id = $1 AND owner = $2
			RETURNING `+taskColumns, id, owner, patch.Title, patch.Description, priority))
	})
}

func (s *Store) SetCompleted(ctx context.Context, owner string, id int64, completed *bool) (taskstore.Task, error) {
	return retry.Do(ctx, s.retry, ClassifyWrite, func(ctx context.Context) (taskstore.Task, error) {
		return scanTask(s.db.QueryRowContext(ctx, `
			UPDATE tasks SET
				completed = COALESCE($3, NOT completed),
				updated_at = NOW()
			WHERE id = $1 AND owner = $2
			RETURNING `+taskColumns, id, owner, completed))
	})
}

func (s *Store) Delete(ctx context.Context, owner string, id int64) error {
	return retry.Exec(ctx, s.retry, ClassifyWrite, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1 AND owner = $2`, id, owner)
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete task rows affected: %w", err)
		}
		if n == 0 {
			return taskstore.ErrNotFound
		}
		return nil
	})
}

func (s *Store) Summary(ctx context.Context, owner string) (taskstore.Summary, error) {
	return retry.Do(ctx, s.retry, Classify, func(ctx context.Context) (taskstore.Summary, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT priority, completed, COUNT(*), MAX(updated_at)
			FROM tasks WHERE owner = $1
			GROUP BY priority, completed`, owner)
		if err != nil {
			return taskstore.Summary{}, fmt.Errorf("summarize tasks: %w", err)
		}
		defer rows.Close()
		sum := taskstore.Summary{ByPriority: map[taskstore.Priority]int{}}
		for rows.Next() {
			var (
				priority  string
				completed bool
				n         int
				last      sql.NullTime
			)
			if err := rows.Scan(&priority, &completed, &n, &last); err != nil {
				return taskstore.Summary{}, fmt.Errorf("scan summary: %w", err)
			}
			sum.Total += n
			if completed {
				sum.Completed += n
			} else {
				sum.Pending += n
			}
			sum.ByPriority[taskstore.Priority(priority)] += n
			if last.Valid && (sum.LastUpdated == nil || last.Time.After(*sum.LastUpdated)) {
				t := last.Time
				sum.LastUpdated = &t
			}
		}
		return sum, rows.Err()
	})
}
