package service

import (
	"context"
	"errors"
	"fmt"
	"order-reconciler/internal/domain"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAcquireConflictAndReentry(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R-lock-1", 1000)
	ctx := context.Background()

	a, err := h.locks.Acquire(ctx, o.ID, "admin-a", 0)
	require.NoError(t, err)
	assert.False(t, a.Reentrant)
	assert.Equal(t, h.clock.Now().Add(DefaultLockTTL), a.ExpiresAt)

	h.clock.Advance(10 * time.Second)
	_, err = h.locks.Acquire(ctx, o.ID, "admin-b", 0)
	require.ErrorIs(t, err, domain.ErrConflict)
	var conflict *domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "admin-a", conflict.Holder)
	assert.Equal(t, 20*time.Second, conflict.RetryIn)
	assert.Equal(t, "locked by admin-a, retry in 20s", conflict.Error())

	again, err := h.locks.Acquire(ctx, o.ID, "admin-a", 0)
	require.NoError(t, err)
	assert.True(t, again.Reentrant)
	assert.True(t, again.ExpiresAt.After(a.ExpiresAt))
}

func TestLockConcurrentAcquireSingleWinner(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R-lock-2", 1000)

	var (
		wg        sync.WaitGroup
		winners   atomic.Int32
		conflicts atomic.Int32
	)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.locks.Acquire(context.Background(), o.ID, fmt.Sprintf("admin-%d", i), 0)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, domain.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners.Load())
	assert.EqualValues(t, 15, conflicts.Load())
}

func TestLockExpiryWithoutSweep(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R-lock-3", 1000)
	ctx := context.Background()

	_, err := h.locks.Acquire(ctx, o.ID, "admin-a", 0)
	require.NoError(t, err)

	st, err := h.locks.Inspect(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, st.Locked)
	assert.Equal(t, "admin-a", st.Holder)
	assert.Equal(t, 30, st.SecondsRemaining)

	h.clock.Advance(DefaultLockTTL)
	st, err = h.locks.Inspect(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, st.Locked)

	b, err := h.locks.Acquire(ctx, o.ID, "admin-b", 0)
	require.NoError(t, err)
	assert.False(t, b.Reentrant)
}

func TestLockTTLIsCapped(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R-lock-4", 1000)

	handle, err := h.locks.Acquire(context.Background(), o.ID, "admin-a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(DefaultLockTTL), handle.ExpiresAt)

	short, err := h.locks.Acquire(context.Background(), o.ID, "admin-a", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(5*time.Second), short.ExpiresAt)
}

func TestLockReleaseOnlyByHolder(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R-lock-5", 1000)
	ctx := context.Background()

	a, err := h.locks.Acquire(ctx, o.ID, "admin-a", 0)
	require.NoError(t, err)

	require.NoError(t, h.locks.Release(ctx, &LockHandle{OrderID: o.ID, Holder: "admin-b"}))
	st, _ := h.locks.Inspect(ctx, o.ID)
	assert.True(t, st.Locked)

	require.NoError(t, h.locks.Release(ctx, a))
	st, _ = h.locks.Inspect(ctx, o.ID)
	assert.False(t, st.Locked)

	require.NoError(t, h.locks.Release(ctx, a))
	require.NoError(t, h.locks.Release(ctx, nil))
}

func TestLockPurgeExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o1 := h.placeOrder(t, "R-lock-6", 1000)
	o2 := h.placeOrder(t, "R-lock-7", 1000)

	_, err := h.locks.Acquire(ctx, o1.ID, "admin-a", 5*time.Second)
	require.NoError(t, err)
	_, err = h.locks.Acquire(ctx, o2.ID, "admin-a", 0)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	n, err := h.locks.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	assert.Nil(t, h.order(t, o1).Lock)
	assert.NotNil(t, h.order(t, o2).Lock)
}

func TestLockErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.locks.Acquire(ctx, uuid.New(), "admin-a", 0)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	o := h.placeOrder(t, "R-lock-8", 1000)
	_, err = h.locks.Acquire(ctx, o.ID, "  ", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.locks.Inspect(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}
