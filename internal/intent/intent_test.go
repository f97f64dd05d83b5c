package intent

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/ops"
	"github.com/basket/taskchat/internal/persistence"
	"github.com/basket/taskchat/internal/recall"
	"github.com/basket/taskchat/internal/taskstore"
)

type scriptedBackend struct {
	calls   atomic.Int32
	respond func(ctx context.Context, call int, p Prompt) (string, error)
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Complete(ctx context.Context, p Prompt) (string, error) {
	n := int(b.calls.Add(1))
	return b.respond(ctx, n, p)
}

func fixedReply(text string) *scriptedBackend {
	return &scriptedBackend{respond: func(context.Context, int, Prompt) (string, error) { return text, nil }}
}

func testContext() recall.Context {
	now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	return recall.Context{
		Owner:          "u1",
		ConversationID: "c1",
		Messages: []persistence.Message{
			{Role: persistence.RoleUser, Content: "Add a task to buy milk", CreatedAt: now},
			{Role: persistence.RoleAssistant, Content: `Added "buy milk" to your tasks.`, CreatedAt: now},
		},
		Tasks: []taskstore.Task{
			{ID: 7, Owner: "u1", Title: "buy milk", Priority: taskstore.PriorityMedium, CreatedAt: now, UpdatedAt: now},
			{ID: 8, Owner: "u1", Title: "write report", Priority: taskstore.PriorityHigh, CreatedAt: now, UpdatedAt: now},
			{ID: 9, Owner: "u1", Title: "review report", Priority: taskstore.PriorityLow, CreatedAt: now, UpdatedAt: now},
		},
		Summary: taskstore.Summary{Total: 3, Pending: 3},
	}
}

func fastResolver(b Backend) *Resolver {
	r := NewResolver(b, Options{MaxMessageChars: 50, Attempts: 3, AttemptTimeout: 30 * time.Millisecond})
	r.policy.Initial = time.Millisecond
	r.policy.Max = 2 * time.Millisecond
	return r
}

func TestParseDecision(t *testing.T) {
	dec, err := ParseDecision("Sure!\n```json\n{\"action\":\"operation\",\"operation\":\"add\",\"params\":{\"title\":\"buy milk\"},\"reply\":\"Added.\"}\n```")
	if err != nil {
		t.Fatalf("ParseDecision: %v", err)
	}
	if dec.Operation != (ops.Add{Title: "buy milk"}) || dec.Reply != "Added." {
		t.Fatalf("unexpected decision: %#v", dec)
	}

	dec, err = ParseDecision(`{"action":"clarify","question":"Which task?"}`)
	if err != nil {
		t.Fatalf("ParseDecision clarify: %v", err)
	}
	if !dec.Clarifying() || dec.Question != "Which task?" {
		t.Fatalf("expected clarifying question, got %#v", dec)
	}
}

func TestParseDecision_Malformed(t *testing.T) {
	for _, text := range []string{
		"I think you want to add a task.",
		`{"action":"operation"}`,
		`{"action":"clarify"}`,
		`{"action":"shrug","question":"?"}`,
		`{"action":"operation","operation":"archive","params":{}}`,
	} {
		if _, err := ParseDecision(text); !errors.Is(err, ErrMalformedDecision) {
			t.Fatalf("ParseDecision(%q) = %v, want ErrMalformedDecision", text, err)
		}
	}
}

func TestParseDecision_InvalidParams(t *testing.T) {
	_, err := ParseDecision(`{"action":"operation","operation":"delete","params":{"task_id":"seven"}}`)
	var pe *ops.ParamError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParamError, got %v", err)
	}
}

func TestResolve_ValidationNeverReachesBackend(t *testing.T) {
	b := fixedReply(`{"action":"clarify","question":"?"}`)
	r := fastResolver(b)
	for _, msg := range []string{"", "   ", strings.Repeat("x", 51)} {
		_, err := r.Resolve(context.Background(), testContext(), msg)
		if apperr.CodeOf(err) != apperr.CodeValidation {
			t.Fatalf("Resolve(%q) code = %s, want VALIDATION", msg, apperr.CodeOf(err))
		}
	}
	if n := b.calls.Load(); n != 0 {
		t.Fatalf("backend called %d times for invalid input", n)
	}
}

func TestResolve_TimeoutsExhaustRetries(t *testing.T) {
	b := &scriptedBackend{respond: func(ctx context.Context, _ int, _ Prompt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	r := fastResolver(b)
	_, err := r.Resolve(context.Background(), testContext(), "add a task to buy milk")
	if apperr.CodeOf(err) != apperr.CodeCompletionService {
		t.Fatalf("code = %s, want COMPLETION_SERVICE (err=%v)", apperr.CodeOf(err), err)
	}
	if n := b.calls.Load(); n != 3 {
		t.Fatalf("backend called %d times, want 3", n)
	}
	if _, msg := apperr.Public(err); strings.Contains(msg, "deadline") {
		t.Fatalf("public message leaks internal error: %q", msg)
	}
}

func TestResolve_TransientThenSuccess(t *testing.T) {
	b := &scriptedBackend{respond: func(_ context.Context, call int, _ Prompt) (string, error) {
		if call == 1 {
			return "", errors.New("503 service unavailable")
		}
		return `{"action":"operation","operation":"list","params":{"status":"pending"}}`, nil
	}}
	dec, err := fastResolver(b).Resolve(context.Background(), testContext(), "show pending tasks")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.Operation != (ops.List{Status: "pending"}) {
		t.Fatalf("operation = %#v", dec.Operation)
	}
	if n := b.calls.Load(); n != 2 {
		t.Fatalf("backend called %d times, want 2", n)
	}
}

func TestResolve_PermanentFailureIsNotRetried(t *testing.T) {
	b := &scriptedBackend{respond: func(context.Context, int, Prompt) (string, error) {
		return "", errors.New("401 unauthorized: invalid api key")
	}}
	_, err := fastResolver(b).Resolve(context.Background(), testContext(), "list my tasks")
	if apperr.CodeOf(err) != apperr.CodeCompletionService {
		t.Fatalf("code = %s", apperr.CodeOf(err))
	}
	if n := b.calls.Load(); n != 1 {
		t.Fatalf("backend called %d times, want 1", n)
	}
}

func TestResolve_MalformedOutputIsCompletionFailure(t *testing.T) {
	_, err := fastResolver(fixedReply("no idea")).Resolve(context.Background(), testContext(), "hi")
	if apperr.CodeOf(err) != apperr.CodeCompletionService {
		t.Fatalf("code = %s", apperr.CodeOf(err))
	}
}

func TestResolve_InvalidParamsAreValidationErrors(t *testing.T) {
	b := fixedReply(`{"action":"operation","operation":"add","params":{"title":""}}`)
	_, err := fastResolver(b).Resolve(context.Background(), testContext(), "add something")
	code, msg := apperr.Public(err)
	if code != apperr.CodeValidation {
		t.Fatalf("code = %s", code)
	}
	if want := "I couldn't use those details: title must be 1 to 200 characters."; msg != want {
		t.Fatalf("message = %q, want %q", msg, want)
	}
}

func TestBuildPrompt_Deterministic(t *testing.T) {
	a := BuildPrompt(testContext(), "delete my milk task")
	b := BuildPrompt(testContext(), "delete my milk task")
	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical inputs produced different prompts")
	}
	if len(a.History) != 2 || a.History[0].Role != "user" {
		t.Fatalf("history = %#v", a.History)
	}
	for _, k := range ops.Kinds() {
		if !strings.Contains(a.System, `"name": "`+string(k)+`"`) {
			t.Fatalf("system prompt is missing catalog entry %q", k)
		}
	}
	if !strings.Contains(a.System, "#7 [pending] buy milk") {
		t.Fatal("system prompt is missing recent tasks")
	}
}

func TestResolve_SameInputsSameDecision(t *testing.T) {
	r := fastResolver(RulesBackend{})
	first, err := r.Resolve(context.Background(), testContext(), "Delete my milk task")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Resolve(context.Background(), testContext(), "Delete my milk task")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("decision changed: %#v vs %#v", first, again)
		}
	}
}

func TestRulesBackend(t *testing.T) {
	rc := testContext()
	tests := []struct {
		msg   string
		want  ops.Operation
		check func(t *testing.T, op ops.Operation)
		clar  bool
	}{
		{msg: "Add a task to buy milk", want: ops.Add{Title: "buy milk"}},
		{msg: "add a high priority task to call the bank", want: ops.Add{Title: "call the bank", Priority: "high"}},
		{msg: "Remind me to Water plants", want: ops.Add{Title: "Water plants"}},
		{msg: "Show my pending tasks", want: ops.List{Status: "pending"}},
		{msg: "list my tasks", want: ops.List{}},
		{msg: "Delete my milk task", want: ops.Delete{TaskID: 7}},
		{msg: "delete task #9", want: ops.Delete{TaskID: 9}},
		{msg: "Mark buy milk as done", check: func(t *testing.T, op ops.Operation) {
			c, ok := op.(ops.Complete)
			if !ok || c.TaskID != 7 || c.Completed == nil || !*c.Completed {
				t.Fatalf("got %#v", op)
			}
		}},
		{msg: "Rename task 7 to Buy oat milk", check: func(t *testing.T, op ops.Operation) {
			u, ok := op.(ops.Update)
			if !ok || u.TaskID != 7 || u.Title == nil || *u.Title != "Buy oat milk" {
				t.Fatalf("got %#v", op)
			}
		}},
		{msg: "set task 8 to low", check: func(t *testing.T, op ops.Operation) {
			u, ok := op.(ops.Update)
			if !ok || u.TaskID != 8 || u.Priority == nil || *u.Priority != "low" {
				t.Fatalf("got %#v", op)
			}
		}},
		{msg: "delete the report", clar: true},
		{msg: "finish the laundry", clar: true},
		{msg: "hello there", clar: true},
	}
	r := NewResolver(RulesBackend{}, Options{})
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			dec, err := r.Resolve(context.Background(), rc, tt.msg)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			switch {
			case tt.clar:
				if !dec.Clarifying() || dec.Question == "" {
					t.Fatalf("expected clarifying question, got %#v", dec)
				}
			case tt.check != nil:
				tt.check(t, dec.Operation)
			default:
				if !reflect.DeepEqual(dec.Operation, tt.want) {
					t.Fatalf("operation = %#v, want %#v", dec.Operation, tt.want)
				}
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":2}\n```", `{"a":2}`},
		{`prefix {"a":"}"} suffix`, `{"a":"}"}`},
		{"no json here", ""},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Fatalf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestModelName(t *testing.T) {
	tests := map[string]string{
		"anthropic":         "anthropic/claude-sonnet-4-5",
		"openai":            "openai/gpt-4o-mini",
		"google":            "googleai/gemini-2.5-flash",
		"openai_compatible": "",
	}
	for provider, want := range tests {
		if got := ModelName(provider, ""); got != want {
			t.Fatalf("ModelName(%q) = %q, want %q", provider, got, want)
		}
	}
	if got := ModelName("openai_compatible", "llama3"); got != "llama3" {
		t.Fatalf("compatible model = %q", got)
	}
}
