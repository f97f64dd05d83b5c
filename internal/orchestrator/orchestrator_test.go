package orchestrator_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/audit"
	"github.com/basket/taskchat/internal/ops"
	"github.com/basket/taskchat/internal/orchestrator"
	"github.com/basket/taskchat/internal/persistence"
	"github.com/basket/taskchat/internal/taskstore"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskchat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *persistence.Store) {
	t.Helper()
	store := openTestStore(t)
	return orchestrator.New(store.Tasks(), audit.New(store), nil), store
}

func logsFor(t *testing.T, store *persistence.Store, owner string) []persistence.ToolCallLog {
	t.Helper()
	rows, err := store.ListToolCalls(context.Background(), persistence.ToolCallFilter{Owner: owner})
	if err != nil {
		t.Fatalf("list tool calls: %v", err)
	}
	return rows
}

func countStatus(rows []persistence.ToolCallLog, status string) int {
	n := 0
	for _, r := range rows {
		if r.Status == status {
			n++
		}
	}
	return n
}

func TestDispatch_AddRecordsSuccess(t *testing.T) {
	o, store := newOrchestrator(t)
	ctx := context.Background()

	res, err := o.Dispatch(ctx, orchestrator.Call{Owner: "u1", ConversationID: "c1", Op: ops.Add{Title: "buy milk"}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Task == nil || res.Task.Title != "buy milk" || res.Task.Owner != "u1" {
		t.Fatalf("unexpected result: %#v", res)
	}
	if res.Task.Priority != taskstore.PriorityMedium {
		t.Fatalf("priority = %q, want medium", res.Task.Priority)
	}
	if res.LogID == "" {
		t.Fatal("expected the audit row id on the result")
	}

	rows := logsFor(t, store, "u1")
	if len(rows) != 1 || rows[0].ToolName != "add" || rows[0].Status != persistence.ToolCallSuccess {
		t.Fatalf("unexpected audit rows: %#v", rows)
	}
	if rows[0].ConversationID != "c1" || !strings.Contains(string(rows[0].Params), "buy milk") {
		t.Fatalf("audit row lacks context: %#v", rows[0])
	}
}

func TestDispatch_StoresNormalizedFields(t *testing.T) {
	o, store := newOrchestrator(t)
	ctx := context.Background()

	res, err := o.Dispatch(ctx, orchestrator.Call{Owner: "u1", Op: ops.Add{Title: "  x  "}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := store.Tasks().Lookup(ctx, res.Task.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Title != "x" || got.Priority != taskstore.PriorityMedium {
		t.Fatalf("stored task = %+v, want title %q priority medium", got, "x")
	}

	title := "  renamed  "
	if _, err := o.Dispatch(ctx, orchestrator.Call{Owner: "u1", Op: ops.Update{TaskID: got.ID, Title: &title}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.Tasks().Lookup(ctx, got.ID)
	if got.Title != "renamed" {
		t.Fatalf("title = %q, want trimmed", got.Title)
	}
}

func TestDispatch_CrossOwnerIsDeniedWithoutMutation(t *testing.T) {
	o, store := newOrchestrator(t)
	ctx := context.Background()

	created, err := o.Dispatch(ctx, orchestrator.Call{Owner: "u1", Op: ops.Add{Title: "secret plan"}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	id := created.Task.ID
	title := "hijacked"

	for _, op := range []ops.Operation{
		ops.Delete{TaskID: id},
		ops.Complete{TaskID: id},
		ops.Update{TaskID: id, Title: &title},
	} {
		_, err := o.Dispatch(ctx, orchestrator.Call{Owner: "u2", Op: op})
		if apperr.CodeOf(err) != apperr.CodeAuthorization {
			t.Fatalf("%s: code = %s, want AUTHORIZATION_ERROR", op.Kind(), apperr.CodeOf(err))
		}
	}

	task, err := store.Tasks().Lookup(ctx, id)
	if err != nil {
		t.Fatalf("task must still exist: %v", err)
	}
	if task.Title != "secret plan" || task.Completed {
		t.Fatalf("task was mutated: %#v", task)
	}

	rows := logsFor(t, store, "u2")
	if len(rows) != 3 || countStatus(rows, persistence.ToolCallError) != 3 {
		t.Fatalf("expected three error rows for u2, got %#v", rows)
	}
	for _, r := range rows {
		if !strings.HasPrefix(r.ErrorDetails, string(apperr.CodeAuthorization)) {
			t.Fatalf("error details = %q", r.ErrorDetails)
		}
	}
}

func TestDispatch_UnknownTaskIsToolExecutionError(t *testing.T) {
	o, store := newOrchestrator(t)
	_, err := o.Dispatch(context.Background(), orchestrator.Call{Owner: "u1", Op: ops.Delete{TaskID: 404}})
	if apperr.CodeOf(err) != apperr.CodeToolExecution {
		t.Fatalf("code = %s", apperr.CodeOf(err))
	}
	_, msg := apperr.Public(err)
	if !strings.Contains(msg, "#404") {
		t.Fatalf("message = %q", msg)
	}
	if rows := logsFor(t, store, "u1"); countStatus(rows, persistence.ToolCallError) != 1 {
		t.Fatalf("expected one error row, got %#v", rows)
	}
}

func TestDispatch_InvalidParamsAreNotAudited(t *testing.T) {
	o, store := newOrchestrator(t)
	_, err := o.Dispatch(context.Background(), orchestrator.Call{Owner: "u1", Op: ops.Add{Title: "  "}})
	if apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("code = %s", apperr.CodeOf(err))
	}
	if rows := logsFor(t, store, "u1"); len(rows) != 0 {
		t.Fatalf("validation failures must not be audited: %#v", rows)
	}
}

func TestDispatch_ListCompleteUpdate(t *testing.T) {
	o, _ := newOrchestrator(t)
	ctx := context.Background()
	call := func(op ops.Operation) orchestrator.Result {
		t.Helper()
		res, err := o.Dispatch(ctx, orchestrator.Call{Owner: "u1", Op: op})
		if err != nil {
			t.Fatalf("%s: %v", op.Kind(), err)
		}
		return res
	}

	a := call(ops.Add{Title: "a", Priority: "high"}).Task.ID
	call(ops.Add{Title: "b"})

	done := call(ops.Complete{TaskID: a})
	if !done.Task.Completed {
		t.Fatal("complete without a flag should toggle to completed")
	}
	undone := call(ops.Complete{TaskID: a})
	if undone.Task.Completed {
		t.Fatal("second toggle should reopen the task")
	}
	yes := true
	call(ops.Complete{TaskID: a, Completed: &yes})

	pending := call(ops.List{Status: "pending"})
	if len(pending.Tasks) != 1 || pending.Tasks[0].Title != "b" {
		t.Fatalf("pending = %#v", pending.Tasks)
	}
	if pending.Summary != "You have 1 pending task." {
		t.Fatalf("summary = %q", pending.Summary)
	}

	low := "low"
	updated := call(ops.Update{TaskID: a, Priority: &low})
	if updated.Task.Priority != taskstore.PriorityLow || updated.Task.Title != "a" {
		t.Fatalf("updated = %#v", updated.Task)
	}

	empty := call(ops.List{Status: "completed", Limit: 1})
	if len(empty.Tasks) != 1 {
		t.Fatalf("completed = %#v", empty.Tasks)
	}
}

func TestPropose_RecordsPendingWithoutStoreCall(t *testing.T) {
	o, store := newOrchestrator(t)
	ctx := context.Background()
	created, err := o.Dispatch(ctx, orchestrator.Call{Owner: "u1", Op: ops.Add{Title: "x"}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	call := orchestrator.Call{Owner: "u1", ConfirmationID: "conf-1", Op: ops.Delete{TaskID: created.Task.ID}}
	task, err := o.Authorize(ctx, call)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if task == nil || task.Title != "x" {
		t.Fatalf("Authorize task = %#v", task)
	}
	if err := o.Propose(ctx, call); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := store.Tasks().Lookup(ctx, created.Task.ID); err != nil {
		t.Fatalf("task must survive a proposal: %v", err)
	}
	rows := logsFor(t, store, "u1")
	if countStatus(rows, persistence.ToolCallPending) != 1 {
		t.Fatalf("expected one pending row: %#v", rows)
	}
}

type failingStore struct {
	taskstore.Store
	err error
}

func (f failingStore) Create(context.Context, string, taskstore.NewTask) (taskstore.Task, error) {
	return taskstore.Task{}, f.err
}

func TestDispatch_StoreFailureIsWrappedAndRedacted(t *testing.T) {
	store := openTestStore(t)
	boom := errors.New("dial tcp 10.0.0.5:5432: connection refused api_key=abcdef1234567890abcd")
	o := orchestrator.New(failingStore{Store: store.Tasks(), err: boom}, audit.New(store), nil)

	_, err := o.Dispatch(context.Background(), orchestrator.Call{Owner: "u1", Op: ops.Add{Title: "x"}})
	if apperr.CodeOf(err) != apperr.CodeToolExecution {
		t.Fatalf("code = %s", apperr.CodeOf(err))
	}
	if !errors.Is(err, boom) {
		t.Fatal("cause must stay reachable for logging")
	}
	if _, msg := apperr.Public(err); strings.Contains(msg, "10.0.0.5") {
		t.Fatalf("public message leaks internals: %q", msg)
	}
	rows := logsFor(t, store, "u1")
	if len(rows) != 1 || rows[0].Status != persistence.ToolCallError {
		t.Fatalf("rows = %#v", rows)
	}
	if strings.Contains(rows[0].ErrorDetails, "abcdef1234567890abcd") {
		t.Fatalf("secret reached the audit log: %q", rows[0].ErrorDetails)
	}
}

type brokenRecorder struct{}

func (brokenRecorder) Record(context.Context, audit.Entry) (persistence.ToolCallLog, error) {
	return persistence.ToolCallLog{}, errors.New("disk full")
}

func TestDispatch_AuditFailureDoesNotHideCompletedWrite(t *testing.T) {
	store := openTestStore(t)
	o := orchestrator.New(store.Tasks(), brokenRecorder{}, nil)
	res, err := o.Dispatch(context.Background(), orchestrator.Call{Owner: "u1", Op: ops.Add{Title: "x"}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Task == nil || res.LogID != "" {
		t.Fatalf("unexpected result: %#v", res)
	}
}

func TestToolCallOf(t *testing.T) {
	tc := orchestrator.ToolCallOf(ops.KindDelete, nil, apperr.Authorization(errors.New("task 42 belongs to u1")))
	if tc.Status != "error" || strings.Contains(tc.Error, "u1") || tc.Error == "" {
		t.Fatalf("tool call = %#v", tc)
	}
	ok := orchestrator.ToolCallOf(ops.KindAdd, &orchestrator.Result{Operation: ops.KindAdd}, nil)
	if ok.Status != "success" || ok.Result == nil {
		t.Fatalf("tool call = %#v", ok)
	}
}
