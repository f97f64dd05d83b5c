// Package intent turns a user message plus reconstructed conversation
// context into a structured decision: one catalog operation with validated
// parameters, or a clarifying question.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/ops"
	"github.com/basket/taskchat/internal/recall"
	"github.com/basket/taskchat/internal/retry"
	"github.com/basket/taskchat/internal/shared"
)

// Backend is the external reasoning service. Complete returns the raw
// decision text for a prompt; the resolver owns parsing and validation.
type Backend interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Decision is the resolved intent for one message. Exactly one of
// Operation and Question is set.
type Decision struct {
	Operation ops.Operation
	// Reply is the backend's natural-language text accompanying an operation.
	Reply    string
	Question string
}

// Clarifying reports whether the decision asks the user for more detail.
func (d Decision) Clarifying() bool { return d.Operation == nil }

// ErrMalformedDecision is returned when backend output cannot be read as a
// decision envelope.
var ErrMalformedDecision = errors.New("malformed decision")

const decisionSchema = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["operation", "clarify"]},
    "operation": {"type": "string", "enum": ["add", "list", "update", "complete", "delete"]},
    "params": {"type": "object"},
    "reply": {"type": "string", "maxLength": 2000},
    "question": {"type": "string", "minLength": 1, "maxLength": 2000}
  },
  "required": ["action"],
  "if": {"properties": {"action": {"const": "operation"}}},
  "then": {"required": ["operation"]},
  "else": {"required": ["question"]}
}`

var envelope *jsonschema.Schema

func init() {
	s, err := ops.CompileSchema("decision.json", decisionSchema)
	if err != nil {
		panic(fmt.Sprintf("intent: compile decision schema: %v", err))
	}
	envelope = s
}

type rawDecision struct {
	Action    string          `json:"action"`
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params"`
	Reply     string          `json:"reply"`
	Question  string          `json:"question"`
}

// ParseDecision reads backend output into a Decision. Output that is not a
// valid envelope yields ErrMalformedDecision; an envelope whose parameters
// fail the operation schema yields *ops.ParamError.
func ParseDecision(text string) (Decision, error) {
	js := extractJSON(text)
	if js == "" {
		return Decision{}, fmt.Errorf("%w: no JSON object in output", ErrMalformedDecision)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(js))
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	if err := envelope.Validate(doc); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}
	var raw rawDecision
	if err := json.Unmarshal([]byte(js), &raw); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedDecision, err)
	}

	if raw.Action == "clarify" {
		return Decision{Question: strings.TrimSpace(raw.Question)}, nil
	}
	kind, err := ops.ParseKind(raw.Operation)
	if err != nil {
		return Decision{}, err
	}
	op, err := ops.Parse(kind, raw.Params)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Operation: op, Reply: strings.TrimSpace(raw.Reply)}, nil
}

// Options configures a Resolver.
type Options struct {
	// MaxMessageChars bounds the user message; longer input is a validation
	// error and never reaches the backend.
	MaxMessageChars int
	Attempts        int
	AttemptTimeout  time.Duration
	Logger          *slog.Logger
}

// Resolver calls the backend under the shared retry policy.
type Resolver struct {
	backend  Backend
	policy   retry.Policy
	maxChars int
	logger   *slog.Logger
}

func NewResolver(backend Backend, opts Options) *Resolver {
	p := retry.BackendPolicy()
	if opts.Attempts > 0 {
		p.MaxAttempts = opts.Attempts
	}
	p.AttemptTimeout = opts.AttemptTimeout
	if opts.MaxMessageChars <= 0 {
		opts.MaxMessageChars = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{backend: backend, policy: p, maxChars: opts.MaxMessageChars, logger: opts.Logger}
}

// Backend returns the configured reasoning backend.
func (r *Resolver) Backend() Backend { return r.backend }

// CheckMessage applies the length rules to a user message.
func (r *Resolver) CheckMessage(message string) (string, error) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return "", apperr.Validation("Message must not be empty.")
	}
	if utf8.RuneCountInString(msg) > r.maxChars {
		return "", apperr.Validation(fmt.Sprintf("Message must be at most %d characters.", r.maxChars))
	}
	return msg, nil
}

// Resolve decides what to do with message. The result depends only on rc,
// message and the backend's output.
func (r *Resolver) Resolve(ctx context.Context, rc recall.Context, message string) (Decision, error) {
	msg, err := r.CheckMessage(message)
	if err != nil {
		return Decision{}, err
	}
	prompt := BuildPrompt(rc, msg)

	start := time.Now()
	text, err := retry.Do(ctx, r.policy, retry.BackendTransient, func(ctx context.Context) (string, error) {
		return r.backend.Complete(ctx, prompt)
	})
	if err != nil {
		r.logger.WarnContext(ctx, "intent backend failed",
			"backend", r.backend.Name(),
			"trace_id", shared.TraceID(ctx),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", shared.Redact(err.Error()),
		)
		return Decision{}, apperr.CompletionService(err)
	}

	dec, err := ParseDecision(text)
	if err != nil {
		var pe *ops.ParamError
		if errors.As(err, &pe) {
			return Decision{}, apperr.New(apperr.CodeValidation, "I couldn't use those details: "+pe.Error()+".", err)
		}
		r.logger.WarnContext(ctx, "intent backend returned malformed decision",
			"backend", r.backend.Name(),
			"trace_id", shared.TraceID(ctx),
			"error", err,
		)
		return Decision{}, apperr.CompletionService(err)
	}

	r.logger.DebugContext(ctx, "intent resolved",
		"backend", r.backend.Name(),
		"trace_id", shared.TraceID(ctx),
		"clarifying", dec.Clarifying(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return dec, nil
}

// extractJSON finds the decision object in backend text: a ```json fence,
// a bare fence, or the first balanced {...}.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if c := strings.TrimSpace(text[start : start+end]); isJSONObject(c) {
				return c
			}
		}
	}
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if c := strings.TrimSpace(text[start : start+end]); isJSONObject(c) {
				return c
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			if c := extractBalanced(text[i:]); c != "" && isJSONObject(c) {
				return c
			}
		}
	}
	return ""
}

func isJSONObject(s string) bool {
	var v map[string]any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the object starting at s[0], honoring strings.
func extractBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
