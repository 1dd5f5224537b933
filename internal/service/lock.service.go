package service

import (
	"context"
	"fmt"
	"log/slog"
	"order-reconciler/internal/domain"
	"order-reconciler/internal/repo"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultLockTTL = 30 * time.Second

// LockHandle is proof of holding an order's lock. Reentrant is true when the holder
// already owned the lock before this acquire.
type LockHandle struct {
	OrderID   uuid.UUID
	Holder    string
	ExpiresAt time.Time
	Reentrant bool
}

type LockManager interface {
	Acquire(ctx context.Context, orderID uuid.UUID, holder string, ttl time.Duration) (*LockHandle, error)
	Release(ctx context.Context, handle *LockHandle) error
	Inspect(ctx context.Context, orderID uuid.UUID) (domain.LockStatus, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

type lockManager struct {
	locks repo.LockRepo
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

func NewLockManager(locks repo.LockRepo, ttl time.Duration, now func() time.Time, log *slog.Logger) LockManager {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &lockManager{locks: locks, ttl: ttl, now: now, log: log.With("component", "locks")}
}

// Acquire fails fast with a *domain.ConflictError when another holder's lock is in force.
// ttl <= 0 uses the manager default; ttl is never allowed above it.
func (m *lockManager) Acquire(ctx context.Context, orderID uuid.UUID, holder string, ttl time.Duration) (*LockHandle, error) {
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return nil, fmt.Errorf("%w: lock holder is required", domain.ErrValidation)
	}
	if ttl <= 0 || ttl > m.ttl {
		ttl = m.ttl
	}
	now := m.now()
	res, err := m.locks.Acquire(ctx, domain.Lock{
		OrderID:    orderID,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, now)
	if err != nil {
		return nil, err
	}
	if !res.Acquired {
		m.log.Debug("lock held elsewhere", "order_id", orderID, "holder", res.Lock.Holder, "requested_by", holder)
		return nil, &domain.ConflictError{
			OrderID: orderID,
			Holder:  res.Lock.Holder,
			RetryIn: res.Lock.Remaining(now),
		}
	}
	return &LockHandle{
		OrderID:   orderID,
		Holder:    holder,
		ExpiresAt: res.Lock.ExpiresAt,
		Reentrant: res.Reentrant,
	}, nil
}

// Release is a no-op when the lock already expired or moved to someone else.
func (m *lockManager) Release(ctx context.Context, handle *LockHandle) error {
	if handle == nil {
		return nil
	}
	released, err := m.locks.Release(ctx, handle.OrderID, handle.Holder)
	if err != nil {
		return err
	}
	if !released {
		m.log.Debug("lock already gone at release", "order_id", handle.OrderID, "holder", handle.Holder)
	}
	return nil
}

func (m *lockManager) Inspect(ctx context.Context, orderID uuid.UUID) (domain.LockStatus, error) {
	l, err := m.locks.Get(ctx, orderID)
	if err != nil {
		return domain.LockStatus{}, err
	}
	return domain.StatusOf(orderID, l, m.now()), nil
}

func (m *lockManager) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := m.locks.PurgeExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("purged expired locks", "count", n)
	}
	return n, nil
}
