// Package ops defines the closed set of task operations the assistant can
// dispatch, together with the JSON Schemas the intent backend is asked to
// satisfy for each of them.
package ops

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	schemakind "github.com/santhosh-tekuri/jsonschema/v6/kind"

	"github.com/basket/taskchat/internal/taskstore"
)

// Kind names one operation in the catalog.
type Kind string

const (
	KindAdd      Kind = "add"
	KindList     Kind = "list"
	KindUpdate   Kind = "update"
	KindComplete Kind = "complete"
	KindDelete   Kind = "delete"
)

// Kinds returns every operation kind in catalog order.
func Kinds() []Kind {
	return []Kind{KindAdd, KindList, KindUpdate, KindComplete, KindDelete}
}

// ParseKind maps an operation name onto the closed set.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", &ParamError{Field: "operation", Reason: "must be one of add, list, update, complete or delete"}
}

// Operation is one of Add, List, Update, Complete or Delete. The set is
// closed: no type outside this package satisfies it.
type Operation interface {
	Kind() Kind
	operation()
}

// Add creates a task.
type Add struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// List reads the owner's tasks.
type List struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Update patches fields of an existing task.
type Update struct {
	TaskID      int64   `json:"task_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
}

// Complete marks a task done. A nil Completed toggles the current state.
type Complete struct {
	TaskID    int64 `json:"task_id"`
	Completed *bool `json:"completed,omitempty"`
}

// Delete removes a task.
type Delete struct {
	TaskID int64 `json:"task_id"`
}

func (Add) Kind() Kind      { return KindAdd }
func (List) Kind() Kind     { return KindList }
func (Update) Kind() Kind   { return KindUpdate }
func (Complete) Kind() Kind { return KindComplete }
func (Delete) Kind() Kind   { return KindDelete }

func (Add) operation()      {}
func (List) operation()     {}
func (Update) operation()   {}
func (Complete) operation() {}
func (Delete) operation()   {}

// TaskID returns the target task of an operation that addresses one.
func TaskID(op Operation) (int64, bool) {
	switch o := op.(type) {
	case Update:
		return o.TaskID, true
	case Complete:
		return o.TaskID, true
	case Delete:
		return o.TaskID, true
	}
	return 0, false
}

// ParamError reports parameters that do not satisfy an operation's schema
// or the task field rules. Its message is safe to show to the caller.
type ParamError struct {
	Field  string
	Reason string
}

func (e *ParamError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + " " + e.Reason
}

// fieldRules describes the accepted values of each parameter.
var fieldRules = map[string]string{
	"title":       "must be 1 to 200 characters",
	"description": "must be at most 1000 characters",
	"priority":    "must be low, medium or high",
	"status":      "must be all, pending or completed",
	"limit":       "must be between 1 and 100",
	"task_id":     "must be a positive task number",
	"completed":   "must be true or false",
}

const mismatchReason = "parameters do not match the operation"

// fieldError converts a taskstore validation failure.
func fieldError(err error) *ParamError {
	var fe *taskstore.FieldError
	if errors.As(err, &fe) {
		return &ParamError{Field: fe.Field, Reason: fe.Reason}
	}
	if errors.Is(err, taskstore.ErrEmptyPatch) {
		return &ParamError{Reason: err.Error()}
	}
	return &ParamError{Reason: mismatchReason}
}

const listMaxLimit = 100

var schemas = map[Kind]string{
	KindAdd: `{
  "type": "object",
  "properties": {
    "title": {"type": "string", "minLength": 1, "maxLength": 200},
    "description": {"type": "string", "maxLength": 1000},
    "priority": {"type": "string", "enum": ["low", "medium", "high"]}
  },
  "required": ["title"],
  "additionalProperties": false
}`,
	KindList: `{
  "type": "object",
  "properties": {
    "status": {"type": "string", "enum": ["all", "pending", "completed"]},
    "limit": {"type": "integer", "minimum": 1, "maximum": 100}
  },
  "additionalProperties": false
}`,
	KindUpdate: `{
  "type": "object",
  "properties": {
    "task_id": {"type": "integer", "minimum": 1},
    "title": {"type": "string", "minLength": 1, "maxLength": 200},
    "description": {"type": "string", "maxLength": 1000},
    "priority": {"type": "string", "enum": ["low", "medium", "high"]}
  },
  "required": ["task_id"],
  "minProperties": 2,
  "additionalProperties": false
}`,
	KindComplete: `{
  "type": "object",
  "properties": {
    "task_id": {"type": "integer", "minimum": 1},
    "completed": {"type": "boolean"}
  },
  "required": ["task_id"],
  "additionalProperties": false
}`,
	KindDelete: `{
  "type": "object",
  "properties": {
    "task_id": {"type": "integer", "minimum": 1}
  },
  "required": ["task_id"],
  "additionalProperties": false
}`,
}

var descriptions = map[Kind]string{
	KindAdd:      "Create a new task for the user.",
	KindList:     "List the user's tasks, optionally filtered by status.",
	KindUpdate:   "Change the title, description or priority of an existing task.",
	KindComplete: "Mark an existing task as completed, or toggle it when completed is omitted.",
	KindDelete:   "Permanently delete an existing task.",
}

// CatalogEntry describes one operation as presented to the intent backend.
type CatalogEntry struct {
	Name        Kind            `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Catalog returns every operation in catalog order.
func Catalog() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(schemas))
	for _, k := range Kinds() {
		var compact bytes.Buffer
		_ = json.Compact(&compact, []byte(schemas[k]))
		out = append(out, CatalogEntry{Name: k, Description: descriptions[k], Parameters: compact.Bytes()})
	}
	return out
}

var compiled = mustCompile()

func mustCompile() map[Kind]*jsonschema.Schema {
	out := make(map[Kind]*jsonschema.Schema, len(schemas))
	for _, k := range Kinds() {
		s, err := CompileSchema(string(k)+".json", schemas[k])
		if err != nil {
			panic(fmt.Sprintf("ops: compile %s schema: %v", k, err))
		}
		out[k] = s
	}
	return out
}

// CompileSchema compiles a JSON Schema document held in memory.
func CompileSchema(name, doc string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// Parse validates raw parameters against the schema for kind and decodes
// them into the matching Operation.
func Parse(kind Kind, raw json.RawMessage) (Operation, error) {
	schema, ok := compiled[kind]
	if !ok {
		return nil, &ParamError{Field: "operation", Reason: "must be one of add, list, update, complete or delete"}
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ParamError{Reason: "parameters are not valid JSON"}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, schemaError(err)
	}

	var op Operation
	switch kind {
	case KindAdd:
		var a Add
		err = json.Unmarshal(raw, &a)
		op = a
	case KindList:
		var l List
		err = json.Unmarshal(raw, &l)
		op = l
	case KindUpdate:
		var u Update
		err = json.Unmarshal(raw, &u)
		op = u
	case KindComplete:
		var c Complete
		err = json.Unmarshal(raw, &c)
		op = c
	case KindDelete:
		var d Delete
		err = json.Unmarshal(raw, &d)
		op = d
	}
	if err != nil {
		return nil, &ParamError{Reason: mismatchReason}
	}
	if err := Validate(op); err != nil {
		return nil, err
	}
	return op, nil
}

// Validate applies the field rules that hold regardless of how an
// operation was built: the same rules the task store enforces.
func Validate(op Operation) error {
	switch o := op.(type) {
	case Add:
		in := o.NewTask()
		if err := in.Normalize(); err != nil {
			return fieldError(err)
		}
	case List:
		if _, err := taskstore.ParseStatusFilter(o.Status); err != nil {
			return fieldError(err)
		}
		if o.Limit < 0 || o.Limit > listMaxLimit {
			return &ParamError{Field: "limit", Reason: fieldRules["limit"]}
		}
	case Update:
		if o.TaskID <= 0 {
			return &ParamError{Field: "task_id", Reason: fieldRules["task_id"]}
		}
		p := o.Patch()
		if err := p.Normalize(); err != nil {
			return fieldError(err)
		}
	case Complete:
		if o.TaskID <= 0 {
			return &ParamError{Field: "task_id", Reason: fieldRules["task_id"]}
		}
	case Delete:
		if o.TaskID <= 0 {
			return &ParamError{Field: "task_id", Reason: fieldRules["task_id"]}
		}
	case nil:
		return &ParamError{Field: "operation", Reason: "is required"}
	}
	return nil
}

// NewTask converts an Add into the store's input type.
func (a Add) NewTask() taskstore.NewTask {
	return taskstore.NewTask{Title: a.Title, Description: a.Description, Priority: taskstore.Priority(a.Priority)}
}

// Patch converts an Update into the store's patch type.
func (u Update) Patch() taskstore.Patch {
	p := taskstore.Patch{Title: u.Title, Description: u.Description}
	if u.Priority != nil {
		pr := taskstore.Priority(*u.Priority)
		p.Priority = &pr
	}
	return p
}

// Params returns the JSON form of an operation's parameters.
func Params(op Operation) json.RawMessage {
	b, err := json.Marshal(op)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// schemaError names the parameter a schema failure is about. The
// validator's wording is never carried into the error.
func schemaError(err error) *ParamError {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ParamError{Reason: mismatchReason}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	switch k := leaf.ErrorKind.(type) {
	case *schemakind.Required:
		if len(k.Missing) > 0 {
			if _, ok := fieldRules[k.Missing[0]]; ok {
				return &ParamError{Field: k.Missing[0], Reason: "is required"}
			}
		}
	case *schemakind.AdditionalProperties:
		return &ParamError{Reason: "parameters contain a field the operation does not accept"}
	case *schemakind.MinProperties:
		return &ParamError{Reason: taskstore.ErrEmptyPatch.Error()}
	}
	if len(leaf.InstanceLocation) > 0 {
		if rule, ok := fieldRules[leaf.InstanceLocation[0]]; ok {
			return &ParamError{Field: leaf.InstanceLocation[0], Reason: rule}
		}
	}
	return &ParamError{Reason: mismatchReason}
}
