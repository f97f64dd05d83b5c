package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskchat/internal/taskstore"
)

// TaskTable is the local sqlite Task Store used when no remote store is
// configured.
type TaskTable struct {
	s *Store
}

var _ taskstore.Store = (*TaskTable)(nil)

func (s *Store) Tasks() *TaskTable {
	return &TaskTable{s: s}
}

const taskColumns = `id, owner, title, description, priority, completed, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (taskstore.Task, error) {
	var t taskstore.Task
	var priority string
	if err := row.Scan(&t.ID, &t.Owner, &t.Title, &t.Description, &priority, &t.Completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return taskstore.Task{}, taskstore.ErrNotFound
		}
		return taskstore.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Priority = taskstore.Priority(priority)
	return t, nil
}

// mutate runs a single-row write and reads the row back in the same
// transaction. id < 0 means "use the inserted rowid".
func (tt *TaskTable) mutate(ctx context.Context, id int64, query string, args ...any) (taskstore.Task, error) {
	var out taskstore.Task
	err := tt.s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("write task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("task rows affected: %w", err)
		}
		if n == 0 {
			return taskstore.ErrNotFound
		}
		rowID := id
		if rowID < 0 {
			if rowID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("task id: %w", err)
			}
		}
		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, rowID))
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (tt *TaskTable) Create(ctx context.Context, owner string, in taskstore.NewTask) (taskstore.Task, error) {
	if err := in.Normalize(); err != nil {
		return taskstore.Task{}, err
	}
	now := utc(time.Now())
	return tt.mutate(ctx, -1, `
		INSERT INTO tasks (owner, title, description, priority, completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?);
	`, owner, in.Title, in.Description, string(in.Priority), now, now)
}

func (tt *TaskTable) List(ctx context.Context, owner string, status taskstore.StatusFilter, limit int) ([]taskstore.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE owner = ?`
	switch status {
	case taskstore.StatusPending:
		q += ` AND completed = 0`
	case taskstore.StatusCompleted:
		q += ` AND completed = 1`
	}
	q += ` ORDER BY updated_at DESC, id DESC`
	args := []any{owner}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := tt.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []taskstore.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks rows: %w", err)
	}
	return out, nil
}

func (tt *TaskTable) Lookup(ctx context.Context, id int64) (taskstore.Task, error) {
	return scanTask(tt.s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id))
}

func (tt *TaskTable) Update(ctx context.Context, owner string, id int64, patch taskstore.Patch) (taskstore.Task, error) {
	if err := patch.Normalize(); err != nil {
		return taskstore.Task{}, err
	}
	var priority *string
	if patch.Priority != nil {
		p := string(*patch.Priority)
		priority = &p
	}
	return tt.mutate(ctx, id, `
		UPDATE tasks SET
			title = COALESCE(?, title),
			description = COALESCE(?, description),
			priority = COALESCE(?, priority),
			updated_at = ?
		WHERE id = ? AND owner = ?;
	`, patch.Title, patch.Description, priority, utc(time.Now()), id, owner)
}

func (tt *TaskTable) SetCompleted(ctx context.Context, owner string, id int64, completed *bool) (taskstore.Task, error) {
	var want any
	if completed != nil {
		want = *completed
	}
	return tt.mutate(ctx, id, `
		UPDATE tasks SET
			completed = COALESCE(?, 1 - completed),
			updated_at = ?
		WHERE id = ? AND owner = ?;
	`, want, utc(time.Now()), id, owner)
}

func (tt *TaskTable) Delete(ctx context.Context, owner string, id int64) error {
	res, err := tt.s.exec(ctx, `DELETE FROM tasks WHERE id = ? AND owner = ?;`, id, owner)
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
}

func (tt *TaskTable) Summary(ctx context.Context, owner string) (taskstore.Summary, error) {
	tasks, err := tt.List(ctx, owner, taskstore.StatusAll, 0)
	if err != nil {
		return taskstore.Summary{}, err
	}
	return taskstore.Summarize(tasks), nil
}
