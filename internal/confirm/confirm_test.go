package confirm_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskchat/internal/apperr"
	"github.com/basket/taskchat/internal/confirm"
	"github.com/basket/taskchat/internal/ops"
	"github.com/basket/taskchat/internal/persistence"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskchat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newHandler(t *testing.T) (*confirm.Handler, *persistence.Store, *fakeClock) {
	t.Helper()
	store := openTestStore(t)
	clock := &fakeClock{t: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	return confirm.New(store, 0, confirm.WithClock(clock.Now)), store, clock
}

func propose(t *testing.T, h *confirm.Handler, owner string) persistence.PendingConfirmation {
	t.Helper()
	c, err := h.Propose(context.Background(), owner, "conv-1", ops.Delete{TaskID: 7}, `Delete task #7 "buy milk"?`)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	return c
}

func TestPropose_UsesTenMinuteTTL(t *testing.T) {
	h, _, clock := newHandler(t)
	c := propose(t, h, "u1")
	if c.Status != persistence.ConfirmationPending {
		t.Fatalf("status = %q", c.Status)
	}
	if got := c.ExpiresAt.Sub(clock.Now()); got != 10*time.Minute {
		t.Fatalf("ttl = %v, want 10m", got)
	}
}

func TestResolve_ApproveOnce(t *testing.T) {
	h, store, _ := newHandler(t)
	ctx := context.Background()
	c := propose(t, h, "u1")

	res, err := h.Resolve(ctx, "u1", c.ID, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Approved() || res.Op != (ops.Delete{TaskID: 7}) {
		t.Fatalf("resolution = %#v", res)
	}

	_, err = h.Resolve(ctx, "u1", c.ID, true)
	if apperr.CodeOf(err) != apperr.CodeConfirmationResolved {
		t.Fatalf("second approval code = %s", apperr.CodeOf(err))
	}

	row, err := store.GetConfirmation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConfirmation: %v", err)
	}
	if row.Status != persistence.ConfirmationApproved || row.ResolvedAt == nil {
		t.Fatalf("row = %#v", row)
	}
}

func TestResolve_RejectIsFinal(t *testing.T) {
	h, _, _ := newHandler(t)
	ctx := context.Background()
	c := propose(t, h, "u1")

	res, err := h.Resolve(ctx, "u1", c.ID, false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Approved() {
		t.Fatal("rejection reported as approval")
	}
	if _, err := h.Resolve(ctx, "u1", c.ID, true); apperr.CodeOf(err) != apperr.CodeConfirmationResolved {
		t.Fatalf("approve after reject code = %s", apperr.CodeOf(err))
	}
}

func TestResolve_ExpiredCanNeverBeApproved(t *testing.T) {
	h, store, clock := newHandler(t)
	ctx := context.Background()
	c := propose(t, h, "u1")

	clock.Advance(10*time.Minute + time.Second)
	for i := 0; i < 2; i++ {
		if _, err := h.Resolve(ctx, "u1", c.ID, true); apperr.CodeOf(err) != apperr.CodeConfirmationExpired {
			t.Fatalf("attempt %d code = %s, want CONFIRMATION_EXPIRED", i, apperr.CodeOf(err))
		}
	}
	row, _ := store.GetConfirmation(ctx, c.ID)
	if row.Status != persistence.ConfirmationExpired {
		t.Fatalf("status = %q, want expired", row.Status)
	}
	if err := h.Claim(ctx, "u1", c.ID); apperr.CodeOf(err) != apperr.CodeConfirmationResolved {
		t.Fatalf("claim on expired row code = %s", apperr.CodeOf(err))
	}
}

func TestResolve_ExactlyAtExpiryIsExpired(t *testing.T) {
	h, _, clock := newHandler(t)
	c := propose(t, h, "u1")
	clock.Advance(10 * time.Minute)
	if _, err := h.Resolve(context.Background(), "u1", c.ID, true); apperr.CodeOf(err) != apperr.CodeConfirmationExpired {
		t.Fatalf("code = %s", apperr.CodeOf(err))
	}
}

func TestResolve_OwnershipAndLookup(t *testing.T) {
	h, _, _ := newHandler(t)
	ctx := context.Background()
	c := propose(t, h, "u1")

	if _, err := h.Resolve(ctx, "u2", c.ID, true); apperr.CodeOf(err) != apperr.CodeAuthorization {
		t.Fatalf("other owner code = %s", apperr.CodeOf(err))
	}
	if _, err := h.Resolve(ctx, "u1", "missing", true); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("unknown id code = %s", apperr.CodeOf(err))
	}
	if _, err := h.Resolve(ctx, "u1", "", true); apperr.CodeOf(err) != apperr.CodeValidation {
		t.Fatalf("empty id code = %s", apperr.CodeOf(err))
	}
	// The foreign attempt must not have consumed the confirmation.
	if _, err := h.Resolve(ctx, "u1", c.ID, true); err != nil {
		t.Fatalf("owner approval after foreign attempt: %v", err)
	}
}

func TestResolve_ConcurrentApprovalsHaveOneWinner(t *testing.T) {
	h, _, _ := newHandler(t)
	c := propose(t, h, "u1")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.Resolve(context.Background(), "u1", c.ID, true)
		}(i)
	}
	close(start)
	wg.Wait()

	wins, resolved := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case apperr.CodeOf(err) == apperr.CodeConfirmationResolved:
			resolved++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || resolved != n-1 {
		t.Fatalf("wins=%d resolved=%d", wins, resolved)
	}
}

func TestClaim_AtMostOnce(t *testing.T) {
	h, _, _ := newHandler(t)
	ctx := context.Background()
	c := propose(t, h, "u1")

	if err := h.Claim(ctx, "u1", c.ID); apperr.CodeOf(err) != apperr.CodeConfirmationResolved {
		t.Fatalf("claim before approval code = %s", apperr.CodeOf(err))
	}
	if _, err := h.Resolve(ctx, "u1", c.ID, true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := h.Claim(ctx, "u2", c.ID); err == nil {
		t.Fatal("another owner must not claim")
	}
	if err := h.Claim(ctx, "u1", c.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := h.Claim(ctx, "u1", c.ID); apperr.CodeOf(err) != apperr.CodeConfirmationResolved {
		t.Fatalf("second claim code = %s", apperr.CodeOf(err))
	}
}

func TestListPendingAndExpireStale(t *testing.T) {
	h, _, clock := newHandler(t)
	ctx := context.Background()
	old := propose(t, h, "u1")
	clock.Advance(6 * time.Minute)
	fresh := propose(t, h, "u1")
	propose(t, h, "u2")

	pending, err := h.ListPending(ctx, "u1")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	clock.Advance(5 * time.Minute)
	n, err := h.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	pending, _ = h.ListPending(ctx, "u1")
	if len(pending) != 1 || pending[0].ID != fresh.ID {
		t.Fatalf("pending after sweep = %#v", pending)
	}
	if _, err := h.Resolve(ctx, "u1", old.ID, true); apperr.CodeOf(err) != apperr.CodeConfirmationExpired {
		t.Fatalf("swept confirmation code = %s", apperr.CodeOf(err))
	}
}
