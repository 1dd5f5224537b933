package service

import (
	"context"
	"fmt"
	"order-reconciler/internal/domain"
	"order-reconciler/internal/infrastructure/payment"
	"order-reconciler/internal/repo"
	"order-reconciler/internal/retry"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store      *repo.MemoryStore
	clock      *testClock
	locks      LockManager
	engine     TransitionEngine
	gateway    *payment.MockGateway
	reconciler Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repo.NewMemoryStore()
	clock := newTestClock()
	locks := NewLockManager(store.Locks(), DefaultLockTTL, clock.Now, nil)
	engine := NewTransitionEngine(store, locks, clock.Now, nil)
	gateway := payment.NewMockGateway(payment.MockOptions{}, nil)
	retrier := retry.New(retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Multiplier:  2,
	})
	rec := NewReconciler(store, engine, gateway, retrier, ReconcilerConfig{StuckAfter: time.Minute, BatchLimit: 50}, clock.Now, nil)
	return &harness{store: store, clock: clock, locks: locks, engine: engine, gateway: gateway, reconciler: rec}
}

var orderSeq int

func (h *harness) placeOrder(t *testing.T, reference string, total int64) *domain.Order {
	t.Helper()
	orderSeq++
	o := domain.NewOrder(fmt.Sprintf("ORD-%05d", orderSeq), reference, total, h.clock.Now())
	require.NoError(t, h.store.CreateOrder(context.Background(), o))
	return o
}

func (h *harness) order(t *testing.T, o *domain.Order) *domain.Order {
	t.Helper()
	got, err := h.store.FindById(context.Background(), o.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func (h *harness) transactions(t *testing.T, o *domain.Order) []domain.PaymentTransaction {
	t.Helper()
	txns, err := h.store.ListTransactions(context.Background(), o.ID)
	require.NoError(t, err)
	return txns
}

func successWebhook(reference string, amount int64) *payment.Verification {
	return &payment.Verification{
		Reference:       reference,
		Status:          payment.StatusSuccess,
		AmountPaidMinor: amount,
		Raw:             []byte(fmt.Sprintf(`{"event":"charge.success","data":{"reference":%q,"amount":%d}}`, reference, amount)),
	}
}
