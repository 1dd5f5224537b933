package repo_test

import (
	"context"
	"order-reconciler/internal/database"
	"order-reconciler/internal/domain"
	"order-reconciler/internal/repo"
	"order-reconciler/internal/testutil"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func TestPostgresStore(t *testing.T) {
	db, _ := testutil.Postgres(t)
	ctx := context.Background()
	store := repo.NewPostgresStore(db)

	// migrations are re-runnable
	require.NoError(t, database.Migrate(ctx, db))

	o := domain.NewOrder("ORD-PG-1", "PG-R1", 50000, t0)
	require.NoError(t, store.CreateOrder(ctx, o))
	assert.Error(t, store.CreateOrder(ctx, domain.NewOrder("ORD-PG-1", "PG-R2", 1, t0)), "order number is unique")

	t.Run("find", func(t *testing.T) {
		got, err := store.FindByReference(ctx, "PG-R1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, o.ID, got.ID)
		assert.Equal(t, domain.OrderPending, got.Status)
		assert.EqualValues(t, 50000, got.TotalAmount)
		assert.Nil(t, got.Lock)

		missing, err := store.FindByReference(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		missing, err = store.FindById(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("stuck orders", func(t *testing.T) {
		stuck, err := store.FindStuckOrders(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, o.ID, stuck[0].ID)

		stuck, err = store.FindStuckOrders(ctx, t0, 10)
		require.NoError(t, err)
		assert.Empty(t, stuck)
	})

	t.Run("transaction writes commit together", func(t *testing.T) {
		paidAt := t0.Add(time.Minute)
		err := store.InTx(ctx, func(tx repo.Tx) error {
			cur, err := tx.FindByIdForUpdate(ctx, o.ID)
			require.NoError(t, err)
			cur.Status = domain.OrderConfirmed
			cur.PaymentStatus = domain.PaymentPaid
			cur.PaidAt = &paidAt
			cur.IdempotencyKey = domain.IdempotencyKey("PG-R1")
			cur.UpdatedAt = paidAt
			require.NoError(t, tx.UpdateOrder(ctx, cur))

			written, err := tx.RecordTransaction(ctx, &domain.PaymentTransaction{
				ID: uuid.New(), OrderID: o.ID, Reference: "PG-R1", Status: domain.TransactionCompleted,
				AmountMinor: 50000, PaidAt: &paidAt, RawGatewayResponse: []byte(`{"status":"success"}`),
				CreatedAt: paidAt, UpdatedAt: paidAt,
			})
			require.NoError(t, err)
			assert.True(t, written)

			ev := domain.NewCommunicationEvent(cur, domain.PaymentEventType(domain.PaymentPaid), paidAt)
			inserted, err := tx.EnqueueEvent(ctx, ev)
			require.NoError(t, err)
			assert.True(t, inserted)
			inserted, err = tx.EnqueueEvent(ctx, domain.NewCommunicationEvent(cur, ev.EventType, paidAt))
			require.NoError(t, err)
			assert.False(t, inserted)
			return nil
		})
		require.NoError(t, err)

		got, err := store.FindById(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
		require.NotNil(t, got.PaidAt)
		assert.True(t, paidAt.Equal(*got.PaidAt))
		assert.Equal(t, "pay:PG-R1", got.IdempotencyKey)

		done, err := store.FindCompletedTransaction(ctx, "PG-R1")
		require.NoError(t, err)
		require.NotNil(t, done)
		assert.JSONEq(t, `{"status":"success"}`, string(done.RawGatewayResponse))

		events, err := store.ListEvents(ctx, o.ID)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("completed transaction is never rewritten", func(t *testing.T) {
		err := store.InTx(ctx, func(tx repo.Tx) error {
			written, err := tx.RecordTransaction(ctx, &domain.PaymentTransaction{
				ID: uuid.New(), OrderID: o.ID, Reference: "PG-R1", Status: domain.TransactionFailed,
				CreatedAt: t0, UpdatedAt: t0,
			})
			require.NoError(t, err)
			assert.False(t, written)
			return nil
		})
		require.NoError(t, err)

		txns, err := store.ListTransactions(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, domain.TransactionCompleted, txns[0].Status)
	})

	t.Run("rollback", func(t *testing.T) {
		err := store.InTx(ctx, func(tx repo.Tx) error {
			cur, err := tx.FindByIdForUpdate(ctx, o.ID)
			require.NoError(t, err)
			cur.Status = domain.OrderPreparing
			require.NoError(t, tx.UpdateOrder(ctx, cur))
			return domain.ErrInvalidTransition
		})
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
		got, _ := store.FindById(ctx, o.ID)
		assert.Equal(t, domain.OrderConfirmed, got.Status)
	})
}

func TestPostgresLocks(t *testing.T) {
	db, _ := testutil.Postgres(t)
	ctx := context.Background()
	store := repo.NewPostgresStore(db)
	locks := store.Locks()

	o := domain.NewOrder("ORD-PG-L", "PG-L1", 1000, t0)
	require.NoError(t, store.CreateOrder(ctx, o))

	a := domain.Lock{OrderID: o.ID, Holder: "admin-a", AcquiredAt: t0, ExpiresAt: t0.Add(30 * time.Second)}
	res, err := locks.Acquire(ctx, a, t0)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.False(t, res.Reentrant)

	b := domain.Lock{OrderID: o.ID, Holder: "admin-b", AcquiredAt: t0.Add(time.Second), ExpiresAt: t0.Add(31 * time.Second)}
	res, err = locks.Acquire(ctx, b, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, "admin-a", res.Lock.Holder)

	again := a
	again.AcquiredAt = t0.Add(2 * time.Second)
	again.ExpiresAt = t0.Add(32 * time.Second)
	res, err = locks.Acquire(ctx, again, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Reentrant)
	assert.True(t, t0.Equal(res.Lock.AcquiredAt))

	released, err := locks.Release(ctx, o.ID, "admin-b")
	require.NoError(t, err)
	assert.False(t, released)

	// expired without a sweep
	res, err = locks.Acquire(ctx, b, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	n, err := locks.PurgeExpired(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	l, err := locks.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, l)

	_, err = locks.Acquire(ctx, domain.Lock{OrderID: uuid.New(), Holder: "x", ExpiresAt: t0}, t0)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	_, err = locks.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}
