package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docxpdf/internal/clock"
	"docxpdf/internal/domain"
)

type releaseRecorder struct {
	mu     sync.Mutex
	tokens map[string]int
}

func newReleaseRecorder() *releaseRecorder {
	return &releaseRecorder{tokens: make(map[string]int)}
}

func (r *releaseRecorder) release(s domain.Session) {
	r.mu.Lock()
	r.tokens[s.Token]++
	r.mu.Unlock()
}

func (r *releaseRecorder) count(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[token]
}

func newTestStore(t *testing.T) (*MemoryStore, *clock.Manual, *releaseRecorder) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := newReleaseRecorder()
	store := NewMemoryStore(Config{TTL: 30 * time.Minute, Grace: 2 * time.Minute}, clk, rec.release, nil)
	return store, clk, rec
}

func pendingWithOrder(t *testing.T, store *MemoryStore, orderID string) domain.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := store.Create(ctx, domain.NewSession{State: domain.StatePaymentPending})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.BindOrder(ctx, sess.Token, orderID); err != nil {
		t.Fatalf("bind order: %v", err)
	}
	return sess
}

func TestNewTokenIsUnguessable(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		token, err := NewToken()
		if err != nil {
			t.Fatalf("new token: %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(token)
		if err != nil {
			t.Fatalf("token %q is not base64url: %v", token, err)
		}
		if len(raw) != tokenBytes {
			t.Fatalf("token carries %d bytes, want %d", len(raw), tokenBytes)
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token %q", token)
		}
		seen[token] = struct{}{}
	}
}

func TestCreateAndGet(t *testing.T) {
	store, clk, _ := newTestStore(t)
	ctx := context.Background()

	artifacts := []domain.ConversionResult{{SourceName: "a.docx", Success: true, PageCount: 3}}
	sess, err := store.Create(ctx, domain.NewSession{State: domain.StateFreeAllowed, Artifacts: artifacts, WorkDir: "/tmp/x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !sess.ExpiresAt.Equal(clk.Now().Add(30 * time.Minute)) {
		t.Fatalf("expires at %v", sess.ExpiresAt)
	}

	// snapshots must not alias store state
	artifacts[0].PageCount = 99
	sess.Artifacts[0].PageCount = 42

	got, err := store.Get(ctx, sess.Token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Artifacts[0].PageCount != 3 {
		t.Fatalf("artifacts were mutated through a copy: %+v", got.Artifacts)
	}
	if store.Len() != 1 {
		t.Fatalf("len = %d", store.Len())
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBindAndResolveOrder(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	sess := pendingWithOrder(t, store, "order_A")

	token, err := store.ResolveOrder(ctx, "order_A")
	if err != nil || token != sess.Token {
		t.Fatalf("resolve = %q, %v", token, err)
	}
	if _, err := store.ResolveOrder(ctx, "order_unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.BindOrder(ctx, sess.Token, "order_B"); !errors.Is(err, ErrOrderAlreadyBound) {
		t.Fatalf("expected ErrOrderAlreadyBound, got %v", err)
	}

	other, _ := store.Create(ctx, domain.NewSession{State: domain.StatePaymentPending})
	if err := store.BindOrder(ctx, other.Token, "order_A"); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}

	free, _ := store.Create(ctx, domain.NewSession{State: domain.StateFreeAllowed})
	if err := store.BindOrder(ctx, free.Token, "order_C"); !errors.Is(err, ErrOrderMismatch) {
		t.Fatalf("free session must not take an order, got %v", err)
	}
}

func TestResolveOrderOfExpiredSession(t *testing.T) {
	store, clk, rec := newTestStore(t)
	ctx := context.Background()
	sess := pendingWithOrder(t, store, "order_A")

	clk.Advance(31 * time.Minute)
	if _, err := store.ResolveOrder(ctx, "order_A"); !errors.Is(err, ErrOrderExpired) {
		t.Fatalf("expected ErrOrderExpired, got %v", err)
	}
	if rec.count(sess.Token) != 1 {
		t.Fatalf("release not run on lazy expiry")
	}
	// после уничтожения сессии заказ больше не известен
	if _, err := store.ResolveOrder(ctx, "order_A"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkPaidOnce(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	sess := pendingWithOrder(t, store, "order_A")

	if _, err := store.MarkPaid(ctx, sess.Token, "order_X", "pay_1"); !errors.Is(err, ErrOrderMismatch) {
		t.Fatalf("expected ErrOrderMismatch, got %v", err)
	}

	paid, err := store.MarkPaid(ctx, sess.Token, "order_A", "pay_1")
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.State != domain.StateVerified || paid.PaymentID != "pay_1" {
		t.Fatalf("unexpected session %+v", paid)
	}
	if _, err := store.MarkPaid(ctx, sess.Token, "order_A", "pay_2"); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}

	got, _ := store.Get(ctx, sess.Token)
	if got.PaymentID != "pay_1" {
		t.Fatalf("payment id overwritten: %q", got.PaymentID)
	}
}

func TestConcurrentMarkPaidSingleWinner(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	sess := pendingWithOrder(t, store, "order_A")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.MarkPaid(ctx, sess.Token, "order_A", "pay_1"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("mark paid succeeded %d times", wins.Load())
	}
}

func TestConsumeRequiresPayment(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	sess := pendingWithOrder(t, store, "order_A")

	if _, err := store.Consume(ctx, sess.Token); !errors.Is(err, domain.ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}
	built := false
	if _, err := store.Package(ctx, sess.Token, func(domain.Session) (string, error) {
		built = true
		return "ref", nil
	}); !errors.Is(err, domain.ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired from package, got %v", err)
	}
	if built {
		t.Fatalf("archive built for unpaid session")
	}
}

func TestPackageBuildsOnce(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _ := store.Create(ctx, domain.NewSession{State: domain.StateFreeAllowed})

	var builds atomic.Int32
	build := func(domain.Session) (string, error) {
		builds.Add(1)
		return "archive.zip", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.Package(ctx, sess.Token, build)
			if err != nil || got.ArchiveRef != "archive.zip" {
				t.Errorf("package = %+v, %v", got, err)
			}
		}()
	}
	wg.Wait()

	if builds.Load() != 1 {
		t.Fatalf("archive built %d times", builds.Load())
	}
}

func TestPackageBuildErrorLeavesSessionUnpackaged(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _ := store.Create(ctx, domain.NewSession{State: domain.StateFreeAllowed})

	boom := errors.New("disk full")
	if _, err := store.Package(ctx, sess.Token, func(domain.Session) (string, error) { return "", boom }); !errors.Is(err, boom) {
		t.Fatalf("expected build error, got %v", err)
	}
	got, _ := store.Get(ctx, sess.Token)
	if got.Packaged() {
		t.Fatalf("session marked packaged after failed build")
	}
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	sess, _ := store.Create(ctx, domain.NewSession{State: domain.StateFreeAllowed})

	var wins, retries atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Consume(ctx, sess.Token)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyConsumed):
				retries.Add(1)
			default:
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || retries.Load() != 31 {
		t.Fatalf("wins=%d retries=%d", wins.Load(), retries.Load())
	}
}

func TestConsumeStartsGraceWindow(t *testing.T) {
	store, clk, rec := newTestStore(t)
	ctx := context.Background()
	sess, _ := store.Create(ctx, domain.NewSession{State: domain.StateFreeAllowed})

	clk.Advance(5 * time.Minute)
	consumed, err := store.Consume(ctx, sess.Token)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !consumed.ExpiresAt.Equal(clk.Now().Add(2 * time.Minute)) {
		t.Fatalf("grace deadline = %v", consumed.ExpiresAt)
	}
	if consumed.ConsumedAt == nil || consumed.Status() != "delivered" {
		t.Fatalf("unexpected consumed session %+v", consumed)
	}

	clk.Advance(time.Minute)
	if _, err := store.Consume(ctx, sess.Token); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("retry within grace: %v", err)
	}

	clk.Advance(time.Minute)
	if n := store.Sweep(clk.Now()); n != 1 {
		t.Fatalf("sweep expired %d sessions", n)
	}
	if _, err := store.Consume(ctx, sess.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after reclamation, got %v", err)
	}
	if rec.count(sess.Token) != 1 {
		t.Fatalf("release called %d times", rec.count(sess.Token))
	}
}

func TestConsumeNearTTLKeepsEarlierDeadline(t *testing.T) {
	store, clk, _ := newTestStore(t)
	ctx := context.Background()
	sess, _ := store.Create(ctx, domain.NewSession{State: domain.StateFreeAllowed})

	clk.Advance(29 * time.Minute)
	consumed, err := store.Consume(ctx, sess.Token)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !consumed.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Fatalf("deadline moved past ttl: %v", consumed.ExpiresAt)
	}
}

func TestTTLExpiry(t *testing.T) {
	store, clk, rec := newTestStore(t)
	ctx := context.Background()
	paid := pendingWithOrder(t, store, "order_A")
	free, _ := store.Create(ctx, domain.NewSession{State: domain.StateFreeAllowed})

	clk.Advance(29 * time.Minute)
	if n := store.Sweep(clk.Now()); n != 0 {
		t.Fatalf("swept %d sessions before ttl", n)
	}

	clk.Advance(time.Minute)
	if n := store.Sweep(clk.Now()); n != 2 {
		t.Fatalf("swept %d sessions at ttl", n)
	}
	if store.Len() != 0 {
		t.Fatalf("len = %d after sweep", store.Len())
	}
	if _, err := store.ResolveOrder(ctx, "order_A"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("order index survived expiry: %v", err)
	}
	if rec.count(paid.Token) != 1 || rec.count(free.Token) != 1 {
		t.Fatalf("release counts: %v", rec.tokens)
	}

	// second sweep and explicit expiry must not release again
	store.Sweep(clk.Now().Add(time.Hour))
	if store.Expire(ctx, free.Token) {
		t.Fatalf("expire reported success for destroyed session")
	}
	if rec.count(free.Token) != 1 {
		t.Fatalf("release called %d times", rec.count(free.Token))
	}
}

func TestLazyExpiryOnAccess(t *testing.T) {
	store, clk, rec := newTestStore(t)
	ctx := context.Background()
	sess, _ := store.Create(ctx, domain.NewSession{State: domain.StateFreeAllowed})

	clk.Advance(31 * time.Minute)
	if _, err := store.Get(ctx, sess.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if rec.count(sess.Token) != 1 {
		t.Fatalf("release not run on lazy expiry")
	}
	if n := store.Sweep(clk.Now()); n != 0 {
		t.Fatalf("sweep expired %d already destroyed sessions", n)
	}
}

func TestExpireAll(t *testing.T) {
	store, _, rec := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := store.Create(ctx, domain.NewSession{State: domain.StateFreeAllowed}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	if n := store.ExpireAll(ctx); n != 5 {
		t.Fatalf("expired %d sessions", n)
	}
	if store.Len() != 0 || len(rec.tokens) != 5 {
		t.Fatalf("len=%d released=%d", store.Len(), len(rec.tokens))
	}
}

func TestSchedulerOrdersByDeadline(t *testing.T) {
	s := newScheduler()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.schedule("c", base.Add(3*time.Minute))
	s.schedule("a", base.Add(time.Minute))
	s.schedule("b", base.Add(2*time.Minute))

	due := s.due(base.Add(2 * time.Minute))
	if len(due) != 2 || due[0].token != "a" || due[1].token != "b" {
		t.Fatalf("due = %+v", due)
	}
	if s.pending() != 1 {
		t.Fatalf("pending = %d", s.pending())
	}
}
