package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskchat/internal/retry"
)

// fakeDB is a database/sql driver that records statements and answers them
// from a test-supplied function.
type fakeDB struct {
	mu      sync.Mutex
	calls   []fakeCall
	respond func(n int, query string, args []any) (*fakeRows, error)
}

type fakeCall struct {
	query string
	args  []any
}

func (d *fakeDB) handle(query string, named []driver.NamedValue) (*fakeRows, error) {
	args := make([]any, len(named))
	for i, nv := range named {
		args[i] = nv.Value
	}
	d.mu.Lock()
	d.calls = append(d.calls, fakeCall{query: query, args: args})
	n := len(d.calls)
	d.mu.Unlock()
	return d.respond(n, query, args)
}

func (d *fakeDB) Calls() []fakeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]fakeCall(nil), d.calls...)
}

func (d *fakeDB) Connect(context.Context) (driver.Conn, error) { return &fakeConn{db: d}, nil }
func (d *fakeDB) Driver() driver.Driver { return fakeDriver{db: d} }

type fakeDriver struct{ db *fakeDB }

func (f fakeDriver) Open(string) (driver.Conn, error) { return &fakeConn{db: f.db}, nil }

type fakeConn struct{ db *fakeDB }

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("fakedb: prepared statements are not supported")
}
func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) {
	return nil, errors.New("fakedb: transactions are not supported")
}

func (c *fakeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	rows, err := c.db.handle(query, args)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	rows, err := c.db.handle(query, args)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(len(rows.data)), nil
}

type fakeRows struct {
	cols []string
	data [][]driver.Value
	next int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.next >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.next])
	r.next++
	return nil
}

var taskColumnNames = []string{"id", "owner", "title", "description", "priority", "completed", "created_at", "updated_at"}

func taskRows(rows ...[]driver.Value) *fakeRows {
	return &fakeRows{cols: taskColumnNames, data: rows}
}

func taskRow(id int64, owner, title, description, priority string, completed bool) []driver.Value {
	at := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	return []driver.Value{id, owner, title, description, priority, completed, at, at}
}

// newFakeStore returns a Store over db with a fast retry policy.
func newFakeStore(t *testing.T, db *fakeDB) *Store {
	t.Helper()
	sqlDB := sql.OpenDB(db)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return &Store{
		db:    sqlDB,
		retry: retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: time.Millisecond},
	}
}
