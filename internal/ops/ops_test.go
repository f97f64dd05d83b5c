package ops

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/basket/taskchat/internal/taskstore"
)

func TestParse_ValidOperations(t *testing.T) {
	tests := []struct {
		kind Kind
		raw  string
		want Operation
	}{
		{KindAdd, `{"title":"buy milk"}`, Add{Title: "buy milk"}},
		{KindAdd, `{"title":"call mom","priority":"high","description":"Sunday"}`, Add{Title: "call mom", Priority: "high", Description: "Sunday"}},
		{KindList, `{}`, List{}},
		{KindList, `{"status":"pending","limit":5}`, List{Status: "pending", Limit: 5}},
		{KindComplete, `{"task_id":42}`, Complete{TaskID: 42}},
		{KindDelete, `{"task_id":7}`, Delete{TaskID: 7}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+tt.raw, func(t *testing.T) {
			got, err := Parse(tt.kind, json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParse_UpdateCarriesOnlySetFields(t *testing.T) {
	op, err := Parse(KindUpdate, json.RawMessage(`{"task_id":3,"priority":"low"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	u := op.(Update)
	if u.TaskID != 3 || u.Priority == nil || *u.Priority != "low" {
		t.Fatalf("unexpected update: %#v", u)
	}
	if u.Title != nil || u.Description != nil {
		t.Fatal("unset fields must stay nil")
	}
	p := u.Patch()
	if p.Priority == nil || string(*p.Priority) != "low" {
		t.Fatalf("patch priority = %v", p.Priority)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		raw  string
		want string
	}{
		{"add without title", KindAdd, `{}`, "title is required"},
		{"add blank title", KindAdd, `{"title":"   "}`, "title is required"},
		{"add long title", KindAdd, `{"title":"` + strings.Repeat("x", 201) + `"}`, "title must be 1 to 200 characters"},
		{"add bad priority", KindAdd, `{"title":"a","priority":"urgent"}`, "priority must be low, medium or high"},
		{"add extra field", KindAdd, `{"title":"a","owner":"u2"}`, "parameters contain a field the operation does not accept"},
		{"list bad status", KindList, `{"status":"done"}`, "status must be all, pending or completed"},
		{"list limit too big", KindList, `{"limit":1000}`, "limit must be between 1 and 100"},
		{"update without fields", KindUpdate, `{"task_id":1}`, taskstore.ErrEmptyPatch.Error()},
		{"update zero id", KindUpdate, `{"task_id":0,"title":"x"}`, "task_id must be a positive task number"},
		{"complete string id", KindComplete, `{"task_id":"1"}`, "task_id must be a positive task number"},
		{"delete missing id", KindDelete, `{}`, "task_id is required"},
		{"not json", KindDelete, `{task_id:1}`, "parameters are not valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.kind, json.RawMessage(tt.raw))
			var pe *ParamError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ParamError, got %v", err)
			}
			if pe.Error() != tt.want {
				t.Fatalf("message = %q, want %q", pe.Error(), tt.want)
			}
			if strings.Contains(pe.Error(), "at '") || strings.Contains(pe.Error(), "jsonschema") {
				t.Fatalf("message leaks validator output: %q", pe.Error())
			}
		})
	}
}

func TestValidate_AddNormalizesLikeTheStore(t *testing.T) {
	err := Validate(Add{Title: "  buy milk  ", Priority: "URGENT"})
	var pe *ParamError
	if !errors.As(err, &pe) || pe.Field != "priority" {
		t.Fatalf("expected priority ParamError, got %v", err)
	}
	if err := Validate(Add{Title: "  buy milk  "}); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(" " + strings.ToUpper(string(k)) + " ")
		if err != nil || got != k {
			t.Fatalf("ParseKind(%q) = %q, %v", k, got, err)
		}
	}
	if _, err := ParseKind("archive"); err == nil {
		t.Fatal("expected unknown operation to be rejected")
	}
}

func TestTaskID(t *testing.T) {
	if id, ok := TaskID(Delete{TaskID: 9}); !ok || id != 9 {
		t.Fatalf("TaskID(Delete) = %d, %v", id, ok)
	}
	if _, ok := TaskID(Add{Title: "x"}); ok {
		t.Fatal("Add does not address an existing task")
	}
}

func TestCatalog_CoversEveryKindWithValidSchema(t *testing.T) {
	cat := Catalog()
	if len(cat) != len(Kinds()) {
		t.Fatalf("catalog has %d entries, want %d", len(cat), len(Kinds()))
	}
	for i, entry := range cat {
		if entry.Name != Kinds()[i] {
			t.Fatalf("entry %d = %q, want %q", i, entry.Name, Kinds()[i])
		}
		if !json.Valid(entry.Parameters) {
			t.Fatalf("%s schema is not valid JSON", entry.Name)
		}
		if entry.Description == "" {
			t.Fatalf("%s has no description", entry.Name)
		}
	}
}

func TestParams_RoundTripsThroughParse(t *testing.T) {
	title := "renamed"
	op := Update{TaskID: 5, Title: &title}
	back, err := Parse(KindUpdate, Params(op))
	if err != nil {
		t.Fatalf("Parse(Params): %v", err)
	}
	u := back.(Update)
	if u.TaskID != 5 || u.Title == nil || *u.Title != title {
		t.Fatalf("got %#v", u)
	}
}
