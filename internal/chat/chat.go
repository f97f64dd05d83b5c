// Package chat runs one chat message through the pipeline: rate limit,
// context reconstruction, intent resolution, confirmation or dispatch, and
// composition of the reply. Nothing survives between requests except what
// is persisted.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/confirm"
	"github.com/basket/taskchat/internal/intent"
	"github.com/basket/taskchat/internal/ops"
	"github.com/basket/taskchat/internal/orchestrator"
	otelpkg "github.com/basket/taskchat/internal/otel"
	"github.com/basket/taskchat/internal/persistence"
	"github.com/basket/taskchat/internal/policy"
	"github.com/basket/taskchat/internal/recall"
	"github.com/basket/taskchat/internal/shared"
	"github.com/basket/taskchat/internal/taskstore"
)

type Request struct {
	Message              string                `json:"message"`
	ConversationID       string                `json:"conversation_id,omitempty"`
	ConfirmationResponse *ConfirmationResponse `json:"confirmation_response,omitempty"`
}

type ConfirmationResponse struct {
	ConfirmationID string `json:"confirmation_id"`
	Approve        bool   `json:"approve"`
}

type Response struct {
	Response             string                  `json:"response"`
	ConversationID       string                  `json:"conversation_id"`
	ToolCalls            []orchestrator.ToolCall `json:"tool_calls"`
	RequiresConfirmation bool                    `json:"requires_confirmation"`
	ConfirmationID       string                  `json:"confirmation_id,omitempty"`
	// Code is INTENT_AMBIGUOUS when Response is a clarifying question.
	Code      apperr.Code `json:"code,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Conversations is the message history side of the store.
type Conversations interface {
	CreateConversation(ctx context.Context, owner, title string, now time.Time) (persistence.Conversation, error)
	GetConversation(ctx context.Context, id string) (persistence.Conversation, error)
	ListConversations(ctx context.Context, owner string, limit int) ([]persistence.Conversation, error)
	AppendMessages(ctx context.Context, conversationID string, msgs []persistence.Message) ([]persistence.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]persistence.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
}

// Limiter admits or rejects one message for an owner.
type Limiter interface {
	Allow(owner string) error
}

type Deps struct {
	Conversations Conversations
	Recall        *recall.Reconstructor
	Resolver      *intent.Resolver
	Confirmations *confirm.Handler
	Orchestrator  *orchestrator.Orchestrator
	Policy        policy.Checker
	Limiter       Limiter
	Telemetry     *otelpkg.Provider
	Logger        *slog.Logger
	Now           func() time.Time

	// PageDefault and PageMax bound history pages.
	PageDefault int
	PageMax     int
	// MaxContentChars caps a stored assistant message.
	MaxContentChars int
}

type Service struct {
	conversations Conversations
	recall        *recall.Reconstructor
	resolver      *intent.Resolver
	confirmations *confirm.Handler
	orchestrator  *orchestrator.Orchestrator
	policy        policy.Checker
	limiter       Limiter
	tracer        trace.Tracer
	metrics       *otelpkg.Metrics
	logger        *slog.Logger
	now           func() time.Time

	pageDefault int
	pageMax     int
	maxContent  int
}

func New(d Deps) *Service {
	s := &Service{
		conversations: d.Conversations,
		recall:        d.Recall,
		resolver:      d.Resolver,
		confirmations: d.Confirmations,
		orchestrator:  d.Orchestrator,
		policy:        d.Policy,
		limiter:       d.Limiter,
		logger:        d.Logger,
		now:           d.Now,
		pageDefault:   d.PageDefault,
		pageMax:       d.PageMax,
		maxContent:    d.MaxContentChars,
	}
	tel := d.Telemetry
	if tel == nil {
		tel = otelpkg.Disabled()
	}
	s.tracer = tel.Tracer
	s.metrics = tel.Metrics
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.policy == nil {
		s.policy = policy.Default()
	}
	if s.pageMax <= 0 {
		s.pageMax = 100
	}
	if s.pageDefault <= 0 || s.pageDefault > s.pageMax {
		s.pageDefault = min(50, s.pageMax)
	}
	if s.maxContent <= 0 {
		s.maxContent = 10000
	}
	return s
}

// HandleMessage processes one chat request for owner, which the caller has
// already authenticated.
func (s *Service) HandleMessage(ctx context.Context, owner string, req Request) (resp Response, err error) {
	if strings.TrimSpace(owner) == "" {
		return Response{}, apperr.Authentication(errors.New("no owner identity"))
	}
	ctx = shared.WithOwner(shared.EnsureTraceID(ctx), owner)
	ctx, span := otelpkg.StartSpan(ctx, s.tracer, "chat.message", otelpkg.AttrOwner.String(owner))
	defer func() {
		if err != nil {
			s.metrics.CountError(ctx, string(apperr.CodeOf(err)))
		}
		otelpkg.EndSpan(span, err)
	}()

	if err := s.limiter.Allow(owner); err != nil {
		s.metrics.CountRateLimited(ctx)
		return Response{}, err
	}
	if req.ConfirmationResponse != nil {
		return s.resolveConfirmation(ctx, owner, req)
	}

	msg, err := s.resolver.CheckMessage(req.Message)
	if err != nil {
		return Response{}, err
	}

	var rc recall.Context
	err = s.stage(ctx, "recall", func(ctx context.Context) error {
		var err error
		rc, err = s.recall.Reconstruct(ctx, owner, req.ConversationID)
		return err
	})
	if err != nil {
		return Response{}, err
	}

	var dec intent.Decision
	backend := s.resolver.Backend().Name()
	start := time.Now()
	err = s.stage(ctx, "resolve", func(ctx context.Context) error {
		ctx, span := otelpkg.StartClientSpan(ctx, s.tracer, "intent.resolve", otelpkg.AttrBackend.String(backend))
		var err error
		dec, err = s.resolver.Resolve(ctx, rc, msg)
		otelpkg.EndSpan(span, err)
		return err
	})
	s.metrics.ObserveBackend(ctx, backend, start)
	if err != nil {
		return Response{}, err
	}

	convID, err := s.ensureConversation(ctx, owner, req.ConversationID, msg)
	if err != nil {
		return Response{}, err
	}
	ctx = shared.WithConversationID(ctx, convID)

	resp = Response{ConversationID: convID, ToolCalls: []orchestrator.ToolCall{}}
	switch {
	case dec.Clarifying():
		resp.Code, resp.Response = apperr.Public(apperr.IntentAmbiguous(firstNonEmpty(dec.Question, dec.Reply)))
	case s.policy.RequiresConfirmation(string(dec.Operation.Kind())):
		if err := s.propose(ctx, owner, convID, dec.Operation, &resp); err != nil {
			return Response{}, err
		}
	default:
		call := orchestrator.Call{Owner: owner, ConversationID: convID, Op: dec.Operation}
		if err := s.dispatch(ctx, call, dec.Reply, &resp); err != nil {
			return Response{}, err
		}
	}

	s.persist(ctx, convID, msg, &resp)
	return resp, nil
}

// Confirm approves or rejects a pending confirmation outside of a chat
// message.
func (s *Service) Confirm(ctx context.Context, owner, confirmationID string, approve bool) (Response, error) {
	return s.HandleMessage(ctx, owner, Request{
		ConfirmationResponse: &ConfirmationResponse{ConfirmationID: confirmationID, Approve: approve},
	})
}

func (s *Service) propose(ctx context.Context, owner, convID string, op ops.Operation, resp *Response) error {
	return s.stage(ctx, "confirm", func(ctx context.Context) error {
		call := orchestrator.Call{Owner: owner, ConversationID: convID, Op: op}
		task, err := s.orchestrator.Authorize(ctx, call)
		if err != nil {
			return err
		}
		summary := describe(op, task)
		c, err := s.confirmations.Propose(ctx, owner, convID, op, summary)
		if err != nil {
			return apperr.Internal(err)
		}
		call.ConfirmationID = c.ID
		if err := s.orchestrator.Propose(ctx, call); err != nil {
			s.logger.ErrorContext(ctx, "record pending tool call failed",
				"trace_id", shared.TraceID(ctx), "confirmation_id", c.ID, "error", err)
		}
		s.metrics.CountProposed(ctx, string(op.Kind()))

		resp.RequiresConfirmation = true
		resp.ConfirmationID = c.ID
		resp.ToolCalls = append(resp.ToolCalls, orchestrator.ToolCall{ToolName: string(op.Kind()), Status: persistence.ToolCallPending})
		resp.Response = fmt.Sprintf("%s Please approve or reject this request (it expires at %s).",
			summary, c.ExpiresAt.Format("15:04 MST"))
		return nil
	})
}

func (s *Service) resolveConfirmation(ctx context.Context, owner string, req Request) (Response, error) {
	cr := req.ConfirmationResponse
	var res confirm.Resolution
	err := s.stage(ctx, "confirm", func(ctx context.Context) error {
		var err error
		res, err = s.confirmations.Resolve(ctx, owner, cr.ConfirmationID, cr.Approve)
		return err
	})
	if err != nil {
		return Response{}, err
	}
	convID := res.Confirmation.ConversationID
	ctx = shared.WithConversationID(ctx, convID)

	resp := Response{ConversationID: convID, ToolCalls: []orchestrator.ToolCall{}}
	userText := truncate(strings.TrimSpace(req.Message), s.maxContent)
	if !res.Approved() {
		s.metrics.CountResolved(ctx, persistence.ConfirmationRejected)
		resp.Response = "Okay, I won't do that. " + strings.TrimSuffix(res.Confirmation.Summary, "?") + " was cancelled."
		s.persist(ctx, convID, firstNonEmpty(userText, "Reject."), &resp)
		return resp, nil
	}
	s.metrics.CountResolved(ctx, persistence.ConfirmationApproved)

	if err := s.confirmations.Claim(ctx, owner, res.Confirmation.ID); err != nil {
		return Response{}, err
	}
	call := orchestrator.Call{
		Owner:          owner,
		ConversationID: convID,
		ConfirmationID: res.Confirmation.ID,
		Op:             res.Op,
	}
	if err := s.dispatch(ctx, call, "", &resp); err != nil {
		return Response{}, err
	}
	s.persist(ctx, convID, firstNonEmpty(userText, "Approve."), &resp)
	return resp, nil
}

func (s *Service) dispatch(ctx context.Context, call orchestrator.Call, reply string, resp *Response) error {
	kind := call.Op.Kind()
	return s.stage(ctx, "dispatch", func(ctx context.Context) error {
		ctx, span := otelpkg.StartSpan(ctx, s.tracer, "tool."+string(kind),
			otelpkg.AttrToolName.String(string(kind)),
			otelpkg.AttrConfirmationID.String(call.ConfirmationID))
		res, err := s.orchestrator.Dispatch(ctx, call)
		otelpkg.EndSpan(span, err)
		tc := orchestrator.ToolCallOf(kind, &res, err)
		s.metrics.CountToolCall(ctx, tc.ToolName, tc.Status)
		if err != nil {
			return err
		}
		resp.ToolCalls = append(resp.ToolCalls, tc)
		resp.Response = compose(reply, res)
		return nil
	})
}

func (s *Service) ensureConversation(ctx context.Context, owner, id, firstMessage string) (string, error) {
	if id != "" {
		return id, nil
	}
	c, err := s.conversations.CreateConversation(ctx, owner, titleFrom(firstMessage), s.now())
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("create conversation: %w", err))
	}
	return c.ID, nil
}

// persist writes the exchange. The operation has already run, so a write
// failure is logged and the response still returned.
func (s *Service) persist(ctx context.Context, convID, userText string, resp *Response) {
	now := s.now().UTC()
	resp.Timestamp = now
	meta := messageMeta{ToolCalls: resp.ToolCalls, ConfirmationID: resp.ConfirmationID}
	raw, _ := json.Marshal(meta)
	if len(meta.ToolCalls) == 0 && meta.ConfirmationID == "" {
		raw = nil
	}
	_, err := s.conversations.AppendMessages(ctx, convID, []persistence.Message{
		{Role: persistence.RoleUser, Content: userText, CreatedAt: now},
		{Role: persistence.RoleAssistant, Content: truncate(resp.Response, s.maxContent), Metadata: raw, CreatedAt: now},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "persist messages failed",
			"trace_id", shared.TraceID(ctx), "conversation_id", convID, "error", err)
	}
}

type messageMeta struct {
	ToolCalls      []orchestrator.ToolCall `json:"tool_calls,omitempty"`
	ConfirmationID string                  `json:"confirmation_id,omitempty"`
}

// stage runs fn under a span and records its duration.
func (s *Service) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := otelpkg.StartSpan(ctx, s.tracer, "chat."+name)
	err := fn(ctx)
	s.metrics.ObserveStage(ctx, name, start)
	otelpkg.EndSpan(span, err)
	return err
}

// Page is one page of a conversation's history, oldest first.
type Page struct {
	ConversationID string                `json:"conversation_id"`
	Messages       []persistence.Message `json:"messages"`
	Total          int                   `json:"total"`
	Limit          int                   `json:"limit"`
	Offset         int                   `json:"offset"`
	HasMore        bool                  `json:"has_more"`
}

// History returns a page of messages from one of owner's conversations.
func (s *Service) History(ctx context.Context, owner, conversationID string, limit, offset int) (Page, error) {
	if offset < 0 {
		return Page{}, apperr.Validation("Offset must not be negative.")
	}
	if limit <= 0 {
		limit = s.pageDefault
	}
	limit = min(limit, s.pageMax)
	if err := s.checkConversation(ctx, owner, conversationID); err != nil {
		return Page{}, err
	}
	total, err := s.conversations.CountMessages(ctx, conversationID)
	if err != nil {
		return Page{}, apperr.ContextRetrieval(err)
	}
	msgs, err := s.conversations.ListMessages(ctx, conversationID, limit, offset)
	if err != nil {
		return Page{}, apperr.ContextRetrieval(err)
	}
	if msgs == nil {
		msgs = []persistence.Message{}
	}
	return Page{
		ConversationID: conversationID,
		Messages:       msgs,
		Total:          total,
		Limit:          limit,
		Offset:         offset,
		HasMore:        offset+len(msgs) < total,
	}, nil
}

func (s *Service) Conversations(ctx context.Context, owner string, limit int) ([]persistence.Conversation, error) {
	list, err := s.conversations.ListConversations(ctx, owner, limit)
	if err != nil {
		return nil, apperr.ContextRetrieval(err)
	}
	if list == nil {
		list = []persistence.Conversation{}
	}
	return list, nil
}

func (s *Service) PendingConfirmations(ctx context.Context, owner string) ([]persistence.PendingConfirmation, error) {
	list, err := s.confirmations.ListPending(ctx, owner)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if list == nil {
		list = []persistence.PendingConfirmation{}
	}
	return list, nil
}

func (s *Service) checkConversation(ctx context.Context, owner, id string) error {
	if id == "" {
		return apperr.Validation("A conversation id is required.")
	}
	c, err := s.conversations.GetConversation(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return apperr.NotFound("conversation")
	}
	if err != nil {
		return apperr.ContextRetrieval(err)
	}
	if c.Owner != owner {
		return apperr.Authorization(fmt.Errorf("conversation %s belongs to another owner", id))
	}
	return nil
}

// describe phrases a proposed operation as a question.
func describe(op ops.Operation, task *taskstore.Task) string {
	ref := func(id int64) string {
		if task != nil && task.ID == id {
			return fmt.Sprintf("task #%d %q", id, task.Title)
		}
		return fmt.Sprintf("task #%d", id)
	}
	switch o := op.(type) {
	case ops.Add:
		return fmt.Sprintf("Add a task %q?", o.Title)
	case ops.List:
		return "List your tasks?"
	case ops.Update:
		return fmt.Sprintf("Update %s?", ref(o.TaskID))
	case ops.Complete:
		if o.Completed != nil && !*o.Completed {
			return fmt.Sprintf("Mark %s as not done?", ref(o.TaskID))
		}
		return fmt.Sprintf("Mark %s as done?", ref(o.TaskID))
	case ops.Delete:
		return fmt.Sprintf("Delete %s?", ref(o.TaskID))
	}
	return "Run this operation?"
}

// compose merges the resolver's reply with the dispatch result. Mutations
// report the store's summary; a list keeps the reply as its heading.
func compose(reply string, res orchestrator.Result) string {
	var b strings.Builder
	reply = strings.TrimSpace(reply)
	if reply != "" && reply != res.Summary && res.Operation == ops.KindList {
		b.WriteString(reply)
		b.WriteString(" ")
	}
	b.WriteString(res.Summary)
	for _, t := range res.Tasks {
		mark := " "
		if t.Completed {
			mark = "x"
		}
		fmt.Fprintf(&b, "\n[%s] #%d %s (%s)", mark, t.ID, t.Title, t.Priority)
	}
	return b.String()
}

func titleFrom(msg string) string {
	return truncate(strings.Join(strings.Fields(msg), " "), 80)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
