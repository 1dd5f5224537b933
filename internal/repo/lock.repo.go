package repo

import (
	"context"
	"database/sql"
	"errors"
	"order-reconciler/internal/domain"
	"time"

	"github.com/google/uuid"
)

type lockRepo struct {
	db *sql.DB
}

// NewLockRepo stores locks in the processing lock columns of the orders table,
// so the lock and the row it guards live in one authoritative place.
func NewLockRepo(db *sql.DB) LockRepo {
	return &lockRepo{db: db}
}

func scanLock(row rowScanner, orderID uuid.UUID) (*domain.Lock, error) {
	var (
		holder     sql.NullString
		acquiredAt sql.NullTime
		expiresAt  sql.NullTime
	)
	if err := row.Scan(&holder, &acquiredAt, &expiresAt); err != nil {
		return nil, err
	}
	if !holder.Valid {
		return nil, nil
	}
	return &domain.Lock{
		OrderID:    orderID,
		Holder:     holder.String,
		AcquiredAt: acquiredAt.Time,
		ExpiresAt:  expiresAt.Time,
	}, nil
}

// Acquire is a check-and-set under the order's row lock.
func (r *lockRepo) Acquire(ctx context.Context, lock domain.Lock, now time.Time) (AcquireResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return AcquireResult{}, domain.Transient(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT lock_holder, lock_acquired_at, lock_expires_at FROM orders WHERE id = $1 FOR UPDATE",
		lock.OrderID,
	)
	current, err := scanLock(row, lock.OrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return AcquireResult{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return AcquireResult{}, err
	}

	if current.Active(now) && current.Holder != lock.Holder {
		return AcquireResult{Lock: *current}, nil
	}
	reentrant := current.Active(now)
	if reentrant {
		lock.AcquiredAt = current.AcquiredAt
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE orders SET lock_holder = $2, lock_acquired_at = $3, lock_expires_at = $4 WHERE id = $1",
		lock.OrderID, lock.Holder, lock.AcquiredAt, lock.ExpiresAt,
	)
	if err != nil {
		return AcquireResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AcquireResult{}, domain.Transient(err)
	}
	return AcquireResult{Acquired: true, Reentrant: reentrant, Lock: lock}, nil
}

func (r *lockRepo) Release(ctx context.Context, orderID uuid.UUID, holder string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET lock_holder = NULL, lock_acquired_at = NULL, lock_expires_at = NULL
		WHERE id = $1 AND lock_holder = $2`,
		orderID, holder,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *lockRepo) Get(ctx context.Context, orderID uuid.UUID) (*domain.Lock, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT lock_holder, lock_acquired_at, lock_expires_at FROM orders WHERE id = $1",
		orderID,
	)
	l, err := scanLock(row, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	return l, err
}

func (r *lockRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET lock_holder = NULL, lock_acquired_at = NULL, lock_expires_at = NULL
		WHERE lock_holder IS NOT NULL AND lock_expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
