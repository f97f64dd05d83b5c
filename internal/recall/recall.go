// Package recall rebuilds the per-request conversation context purely from
// persisted rows. Nothing is cached between calls.
package recall

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/persistence"
	"github.com/basket/taskchat/internal/taskstore"
)

// History is the message side of the store.
type History interface {
	GetConversation(ctx context.Context, id string) (persistence.Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, n int) ([]persistence.Message, error)
}

// ToolCalls is the audit side of the store.
type ToolCalls interface {
	ListToolCalls(ctx context.Context, f persistence.ToolCallFilter) ([]persistence.ToolCallLog, error)
}

type Options struct {
	HistoryWindow   int
	RecentTasks     int
	RecentToolCalls int
	// CharBudget caps the rendered context; oldest messages are dropped first.
	CharBudget int
}

func (o Options) normalized() Options {
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = 50
	}
	if o.RecentTasks <= 0 {
		o.RecentTasks = 5
	}
	if o.RecentToolCalls <= 0 {
		o.RecentToolCalls = 5
	}
	if o.CharBudget <= 0 {
		o.CharBudget = 16000
	}
	return o
}

// Context is the reconstructed view handed to the intent resolver.
type Context struct {
	Owner          string
	ConversationID string
	Messages       []persistence.Message
	Tasks          []taskstore.Task
	ToolCalls      []persistence.ToolCallLog
	Summary        taskstore.Summary
	// Trimmed counts messages dropped to fit the character budget.
	Trimmed int
}

type Reconstructor struct {
	history   History
	toolCalls ToolCalls
	tasks     taskstore.Store
	opts      Options
}

func New(history History, toolCalls ToolCalls, tasks taskstore.Store, opts Options) *Reconstructor {
	return &Reconstructor{history: history, toolCalls: toolCalls, tasks: tasks, opts: opts.normalized()}
}

// Reconstruct loads the context for owner. An empty conversationID yields a
// context with no messages. A conversation owned by someone else is an
// authorization error; storage failures are ContextRetrieval errors.
func (r *Reconstructor) Reconstruct(ctx context.Context, owner, conversationID string) (Context, error) {
	out := Context{Owner: owner, ConversationID: conversationID}

	if conversationID != "" {
		conv, err := r.history.GetConversation(ctx, conversationID)
		if errors.Is(err, persistence.ErrNotFound) {
			return Context{}, apperr.NotFound("conversation")
		}
		if err != nil {
			return Context{}, apperr.ContextRetrieval(fmt.Errorf("load conversation: %w", err))
		}
		if conv.Owner != owner {
			return Context{}, apperr.Authorization(fmt.Errorf("conversation %s belongs to another owner", conversationID))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if conversationID != "" {
		g.Go(func() error {
			msgs, err := r.history.RecentMessages(gctx, conversationID, r.opts.HistoryWindow)
			if err != nil {
				return fmt.Errorf("load messages: %w", err)
			}
			out.Messages = msgs
			return nil
		})
	}
	g.Go(func() error {
		tasks, err := r.tasks.List(gctx, owner, taskstore.StatusAll, r.opts.RecentTasks)
		if err != nil {
			return fmt.Errorf("load recent tasks: %w", err)
		}
		out.Tasks = tasks
		return nil
	})
	g.Go(func() error {
		sum, err := r.tasks.Summary(gctx, owner)
		if err != nil {
			return fmt.Errorf("load task summary: %w", err)
		}
		out.Summary = sum
		return nil
	})
	g.Go(func() error {
		calls, err := r.toolCalls.ListToolCalls(gctx, persistence.ToolCallFilter{Owner: owner, Limit: r.opts.RecentToolCalls})
		if err != nil {
			return fmt.Errorf("load recent tool calls: %w", err)
		}
		out.ToolCalls = calls
		return nil
	})
	if err := g.Wait(); err != nil {
		return Context{}, apperr.ContextRetrieval(err)
	}

	out.fit(r.opts.CharBudget)
	return out, nil
}

// fit drops the oldest messages until the rendered size is within budget.
// The newest message is always kept.
func (c *Context) fit(budget int) {
	size := len(c.Background())
	for _, m := range c.Messages {
		size += messageCost(m)
	}
	for size > budget && len(c.Messages) > 1 {
		size -= messageCost(c.Messages[0])
		c.Messages = slices.Clone(c.Messages[1:])
		c.Trimmed++
	}
}

func messageCost(m persistence.Message) int {
	return len(m.Role) + len(m.Content) + 2
}

// Background renders the non-message part of the context as plain text.
// The output depends only on the loaded rows.
func (c Context) Background() string {
	var b strings.Builder
	s := c.Summary
	fmt.Fprintf(&b, "Task summary: %d total, %d pending, %d completed", s.Total, s.Pending, s.Completed)
	if len(s.ByPriority) > 0 {
		parts := make([]string, 0, len(s.ByPriority))
		for _, p := range []taskstore.Priority{taskstore.PriorityHigh, taskstore.PriorityMedium, taskstore.PriorityLow} {
			if n := s.ByPriority[p]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", p, n))
			}
		}
		if len(parts) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
		}
	}
	b.WriteString("\n")

	if len(c.Tasks) > 0 {
		b.WriteString("Recent tasks:\n")
		for _, t := range c.Tasks {
			state := "pending"
			if t.Completed {
				state = "completed"
			}
			fmt.Fprintf(&b, "- #%d [%s] %s (priority %s)\n", t.ID, state, t.Title, t.Priority)
		}
	}
	if len(c.ToolCalls) > 0 {
		b.WriteString("Recent operations:\n")
		for _, l := range c.ToolCalls {
			fmt.Fprintf(&b, "- %s %s %s\n", l.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), l.ToolName, l.Status)
		}
	}
	return b.String()
}
