// Package orchestrator dispatches a resolved operation to the task store on
// behalf of one owner. Ownership of a referenced task is checked before any
// store write, and every dispatch attempt is recorded by the audit logger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/audit"
	"github.com/basket/taskchat/internal/ops"
	"github.com/basket/taskchat/internal/persistence"
	"github.com/basket/taskchat/internal/shared"
	"github.com/basket/taskchat/internal/taskstore"
)

// Recorder is the audit logger as seen by the orchestrator.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) (persistence.ToolCallLog, error)
}

// Call is one dispatch request.
type Call struct {
	Owner          string
	ConversationID string
	// ConfirmationID links the audit row to the approval that allowed it.
	ConfirmationID string
	Op             ops.Operation
}

// Result is the normalized outcome of a successful dispatch.
type Result struct {
	Operation ops.Kind         `json:"operation"`
	Task      *taskstore.Task  `json:"task,omitempty"`
	Tasks     []taskstore.Task `json:"tasks,omitempty"`
	DeletedID int64            `json:"deleted_task_id,omitempty"`
	Summary   string           `json:"summary"`
	LogID     string           `json:"-"`
}

// ToolCall is the caller-facing view of one dispatch attempt.
type ToolCall struct {
	ToolName string  `json:"tool_name"`
	Status   string  `json:"status"`
	Result   *Result `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
}

const defaultListLimit = 50

type Orchestrator struct {
	tasks  taskstore.Store
	audit  Recorder
	logger *slog.Logger
}

func New(tasks taskstore.Store, recorder Recorder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{tasks: tasks, audit: recorder, logger: logger}
}

// Authorize validates the call's parameters and, for operations that
// reference a task, checks that the task belongs to the caller. A failed
// ownership check is recorded as an error; parameter errors are not, since
// nothing was dispatched. The referenced task, if any, is returned.
func (o *Orchestrator) Authorize(ctx context.Context, c Call) (*taskstore.Task, error) {
	if err := ops.Validate(c.Op); err != nil {
		return nil, apperr.Validation(err.Error())
	}
	id, ok := ops.TaskID(c.Op)
	if !ok {
		return nil, nil
	}
	task, err := o.tasks.Lookup(ctx, id)
	if err != nil {
		mapped := storeError(c.Op.Kind(), id, err)
		o.recordFailure(ctx, c, mapped, err)
		return nil, mapped
	}
	if task.Owner != c.Owner {
		denied := apperr.Authorization(fmt.Errorf("task %d belongs to another owner", id))
		o.logger.WarnContext(ctx, "task ownership mismatch",
			"trace_id", shared.TraceID(ctx), "owner", c.Owner, "task_id", id, "operation", c.Op.Kind())
		o.recordFailure(ctx, c, denied, nil)
		return nil, denied
	}
	return &task, nil
}

// Dispatch authorizes the call, performs exactly one task store operation
// and records the attempt.
func (o *Orchestrator) Dispatch(ctx context.Context, c Call) (Result, error) {
	if _, err := o.Authorize(ctx, c); err != nil {
		return Result{}, err
	}

	res, err := o.execute(ctx, c)
	if err != nil {
		mapped := storeError(c.Op.Kind(), taskIDOrZero(c.Op), err)
		o.recordFailure(ctx, c, mapped, err)
		return Result{}, mapped
	}

	row, aerr := o.audit.Record(ctx, audit.Entry{
		Owner:          c.Owner,
		ConversationID: c.ConversationID,
		ConfirmationID: c.ConfirmationID,
		ToolName:       string(c.Op.Kind()),
		Params:         ops.Params(c.Op),
		Status:         persistence.ToolCallSuccess,
		Result:         res,
	})
	if aerr != nil {
		// The store write already happened; report it rather than fail.
		o.logger.ErrorContext(ctx, "audit record failed after successful dispatch",
			"trace_id", shared.TraceID(ctx), "operation", c.Op.Kind(), "error", aerr)
	} else {
		res.LogID = row.ID
	}
	return res, nil
}

// Propose records a pending audit row for an operation that awaits
// confirmation. The store is not touched.
func (o *Orchestrator) Propose(ctx context.Context, c Call) error {
	_, err := o.audit.Record(ctx, audit.Entry{
		Owner:          c.Owner,
		ConversationID: c.ConversationID,
		ConfirmationID: c.ConfirmationID,
		ToolName:       string(c.Op.Kind()),
		Params:         ops.Params(c.Op),
		Status:         persistence.ToolCallPending,
	})
	if err != nil {
		return fmt.Errorf("record pending tool call: %w", err)
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, c Call) (Result, error) {
	switch op := c.Op.(type) {
	case ops.Add:
		in := op.NewTask()
		if err := in.Normalize(); err != nil {
			return Result{}, apperr.Validation(err.Error())
		}
		t, err := o.tasks.Create(ctx, c.Owner, in)
		if err != nil {
			return Result{}, err
		}
		return Result{Operation: ops.KindAdd, Task: &t, Summary: fmt.Sprintf("Added task #%d %q.", t.ID, t.Title)}, nil

	case ops.List:
		status, _ := taskstore.ParseStatusFilter(op.Status)
		limit := op.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		tasks, err := o.tasks.List(ctx, c.Owner, status, limit)
		if err != nil {
			return Result{}, err
		}
		if tasks == nil {
			tasks = []taskstore.Task{}
		}
		return Result{Operation: ops.KindList, Tasks: tasks, Summary: listSummary(status, len(tasks))}, nil

	case ops.Update:
		patch := op.Patch()
		if err := patch.Normalize(); err != nil {
			return Result{}, apperr.Validation(err.Error())
		}
		t, err := o.tasks.Update(ctx, c.Owner, op.TaskID, patch)
		if err != nil {
			return Result{}, err
		}
		return Result{Operation: ops.KindUpdate, Task: &t, Summary: fmt.Sprintf("Updated task #%d.", t.ID)}, nil

	case ops.Complete:
		t, err := o.tasks.SetCompleted(ctx, c.Owner, op.TaskID, op.Completed)
		if err != nil {
			return Result{}, err
		}
		state := "completed"
		if !t.Completed {
			state = "pending"
		}
		return Result{Operation: ops.KindComplete, Task: &t, Summary: fmt.Sprintf("Task #%d is now %s.", t.ID, state)}, nil

	case ops.Delete:
		if err := o.tasks.Delete(ctx, c.Owner, op.TaskID); err != nil {
			return Result{}, err
		}
		return Result{Operation: ops.KindDelete, DeletedID: op.TaskID, Summary: fmt.Sprintf("Deleted task #%d.", op.TaskID)}, nil
	}
	return Result{}, fmt.Errorf("unsupported operation %T", c.Op)
}

func (o *Orchestrator) recordFailure(ctx context.Context, c Call, mapped *apperr.Error, cause error) {
	details := string(mapped.Code)
	if cause != nil {
		details += ": " + cause.Error()
	}
	_, err := o.audit.Record(ctx, audit.Entry{
		Owner:          c.Owner,
		ConversationID: c.ConversationID,
		ConfirmationID: c.ConfirmationID,
		ToolName:       string(c.Op.Kind()),
		Params:         ops.Params(c.Op),
		Status:         persistence.ToolCallError,
		ErrorDetails:   details,
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "audit record failed for failed dispatch",
			"trace_id", shared.TraceID(ctx), "operation", c.Op.Kind(), "error", err)
	}
}

// storeError maps task store failures onto the taxonomy.
func storeError(kind ops.Kind, id int64, err error) *apperr.Error {
	if ae, ok := apperr.As(err); ok {
		return ae
	}
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		return apperr.ToolExecution(fmt.Sprintf("Task #%d was not found.", id), err)
	case errors.Is(err, taskstore.ErrConflict):
		return apperr.ToolExecution("The task changed while it was being updated. Please try again.", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperr.ToolExecution("The task service took too long to respond. Please try again.", err)
	}
	return apperr.ToolExecution(fmt.Sprintf("The %s operation could not be completed. Please try again.", kind), err)
}

func taskIDOrZero(op ops.Operation) int64 {
	id, _ := ops.TaskID(op)
	return id
}

// ToolCallOf renders a dispatch outcome for the caller.
func ToolCallOf(kind ops.Kind, res *Result, err error) ToolCall {
	if err != nil {
		_, msg := apperr.Public(err)
		return ToolCall{ToolName: string(kind), Status: persistence.ToolCallError, Error: msg}
	}
	return ToolCall{ToolName: string(kind), Status: persistence.ToolCallSuccess, Result: res}
}

func listSummary(status taskstore.StatusFilter, n int) string {
	label := "tasks"
	switch status {
	case taskstore.StatusPending:
		label = "pending tasks"
	case taskstore.StatusCompleted:
		label = "completed tasks"
	}
	if n == 0 {
		return fmt.Sprintf("You have no %s.", label)
	}
	if n == 1 {
		return fmt.Sprintf("You have 1 %s.", singular(label))
	}
	return fmt.Sprintf("You have %d %s.", n, label)
}

func singular(label string) string {
	return label[:len(label)-1]
}
