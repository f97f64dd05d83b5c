// Package confirm runs the approval state machine for destructive
// operations: pending → approved | rejected | expired. Every transition is
// a single conditional update in the store, so concurrent resolutions of
// the same confirmation have exactly one winner.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/ops"
	"github.com/basket/taskchat/internal/persistence"
	"github.com/basket/taskchat/internal/shared"
)

// DefaultTTL is how long a proposal stays approvable.
const DefaultTTL = 10 * time.Minute

// Store persists confirmations. Transition, Expire and Claim must be
// atomic conditional updates that report whether they changed a row.
type Store interface {
	InsertConfirmation(ctx context.Context, c persistence.PendingConfirmation) error
	GetConfirmation(ctx context.Context, id string) (persistence.PendingConfirmation, error)
	TransitionConfirmation(ctx context.Context, id, owner, status string, now time.Time) (bool, error)
	ExpireConfirmation(ctx context.Context, id string, now time.Time) (bool, error)
	ClaimConfirmationExecution(ctx context.Context, id, owner string, now time.Time) (bool, error)
	ListPendingConfirmations(ctx context.Context, owner string, now time.Time) ([]persistence.PendingConfirmation, error)
	ExpireStaleConfirmations(ctx context.Context, now time.Time) (int64, error)
}

// Resolution is the outcome of an approve or reject.
type Resolution struct {
	Confirmation persistence.PendingConfirmation
	// Op is the proposed operation, decoded from the stored row.
	Op ops.Operation
}

func (r Resolution) Approved() bool {
	return r.Confirmation.Status == persistence.ConfirmationApproved
}

type Handler struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Handler)

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func New(store Store, ttl time.Duration, opts ...Option) *Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	h := &Handler{store: store, ttl: ttl, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Propose stores a pending confirmation for op.
func (h *Handler) Propose(ctx context.Context, owner, conversationID string, op ops.Operation, summary string) (persistence.PendingConfirmation, error) {
	now := h.now().UTC()
	c := persistence.PendingConfirmation{
		ID:             uuid.NewString(),
		Owner:          owner,
		ConversationID: conversationID,
		Operation:      string(op.Kind()),
		Params:         ops.Params(op),
		Summary:        summary,
		Status:         persistence.ConfirmationPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(h.ttl),
	}
	if err := h.store.InsertConfirmation(ctx, c); err != nil {
		return persistence.PendingConfirmation{}, fmt.Errorf("propose confirmation: %w", err)
	}
	h.logger.InfoContext(ctx, "confirmation proposed",
		"trace_id", shared.TraceID(ctx), "owner", owner, "confirmation_id", c.ID,
		"operation", c.Operation, "expires_at", c.ExpiresAt)
	return c, nil
}

// Resolve approves or rejects a pending confirmation owned by owner.
// A confirmation past its expiry is marked expired and can never be
// approved; one that is no longer pending yields
// ConfirmationAlreadyResolved.
func (h *Handler) Resolve(ctx context.Context, owner, id string, approve bool) (Resolution, error) {
	c, err := h.load(ctx, owner, id)
	if err != nil {
		return Resolution{}, err
	}

	target := persistence.ConfirmationRejected
	if approve {
		target = persistence.ConfirmationApproved
	}
	now := h.now().UTC()
	won, err := h.store.TransitionConfirmation(ctx, id, owner, target, now)
	if err != nil {
		return Resolution{}, apperr.Internal(err)
	}
	if !won {
		return Resolution{}, h.lost(ctx, id, now)
	}

	c.Status = target
	c.ResolvedAt = &now
	h.logger.InfoContext(ctx, "confirmation resolved",
		"trace_id", shared.TraceID(ctx), "owner", owner, "confirmation_id", id, "status", target)

	op, err := decode(c)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Confirmation: c, Op: op}, nil
}

// Claim reserves an approved confirmation for execution. It succeeds at
// most once per confirmation; the caller must run the operation only after
// a successful claim.
func (h *Handler) Claim(ctx context.Context, owner, id string) error {
	ok, err := h.store.ClaimConfirmationExecution(ctx, id, owner, h.now().UTC())
	if err != nil {
		return apperr.Internal(err)
	}
	if !ok {
		return apperr.ConfirmationAlreadyResolved("executed")
	}
	return nil
}

// ListPending returns owner's confirmations that can still be approved.
func (h *Handler) ListPending(ctx context.Context, owner string) ([]persistence.PendingConfirmation, error) {
	rows, err := h.store.ListPendingConfirmations(ctx, owner, h.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list pending confirmations: %w", err)
	}
	return rows, nil
}

// ExpireStale marks every past-due pending confirmation expired.
func (h *Handler) ExpireStale(ctx context.Context) (int64, error) {
	n, err := h.store.ExpireStaleConfirmations(ctx, h.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire stale confirmations: %w", err)
	}
	if n > 0 {
		h.logger.InfoContext(ctx, "expired stale confirmations", "count", n)
	}
	return n, nil
}

func (h *Handler) load(ctx context.Context, owner, id string) (persistence.PendingConfirmation, error) {
	if id == "" {
		return persistence.PendingConfirmation{}, apperr.Validation("A confirmation id is required.")
	}
	c, err := h.store.GetConfirmation(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return c, apperr.NotFound("confirmation")
	}
	if err != nil {
		return c, apperr.Internal(err)
	}
	if c.Owner != owner {
		return persistence.PendingConfirmation{}, apperr.Authorization(fmt.Errorf("confirmation %s belongs to another owner", id))
	}
	return c, nil
}

// lost explains why a transition changed nothing.
func (h *Handler) lost(ctx context.Context, id string, now time.Time) error {
	current, err := h.store.GetConfirmation(ctx, id)
	if err != nil {
		return apperr.Internal(err)
	}
	switch current.Status {
	case persistence.ConfirmationPending:
		if !current.ExpiresAt.After(now) {
			if _, err := h.store.ExpireConfirmation(ctx, id, now); err != nil {
				h.logger.WarnContext(ctx, "mark confirmation expired failed", "confirmation_id", id, "error", err)
			}
			return apperr.ConfirmationExpired()
		}
		// Still pending and not expired: the update raced a concurrent
		// writer that has since rolled back. Treat as resolved elsewhere.
		return apperr.ConfirmationAlreadyResolved(current.Status)
	case persistence.ConfirmationExpired:
		return apperr.ConfirmationExpired()
	}
	return apperr.ConfirmationAlreadyResolved(current.Status)
}

func decode(c persistence.PendingConfirmation) (ops.Operation, error) {
	kind, err := ops.ParseKind(c.Operation)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("confirmation %s: %w", c.ID, err))
	}
	op, err := ops.Parse(kind, c.Params)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("confirmation %s: %w", c.ID, err))
	}
	return op, nil
}
