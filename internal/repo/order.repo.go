package repo

import (
	"context"
	"database/sql"
	"errors"
	"order-reconciler/internal/domain"
	"time"

	"github.com/google/uuid"
)

type OrderRepo interface {
	FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	FindByIdForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Order, error)
	FindByReference(ctx context.Context, reference string) (*domain.Order, error)
	UpdateOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error
	CreateOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error
	FindStuckOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
}

const orderColumns = `id, order_number, status, payment_status, payment_reference, total_amount, paid_at,
	lock_holder, lock_acquired_at, lock_expires_at, idempotency_key, created_at, updated_at`

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order      domain.Order
		reference  sql.NullString
		paidAt     sql.NullTime
		holder     sql.NullString
		acquiredAt sql.NullTime
		expiresAt  sql.NullTime
		idemKey    sql.NullString
	)
	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&order.Status,
		&order.PaymentStatus,
		&reference,
		&order.TotalAmount,
		&paidAt,
		&holder,
		&acquiredAt,
		&expiresAt,
		&idemKey,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.PaymentReference = reference.String
	order.PaidAt = timePtr(paidAt)
	order.IdempotencyKey = idemKey.String
	if holder.Valid {
		order.Lock = &domain.Lock{
			OrderID:    order.ID,
			Holder:     holder.String,
			AcquiredAt: acquiredAt.Time,
			ExpiresAt:  expiresAt.Time,
		}
	}
	return &order, nil
}

// findOne returns nil, nil when no row matches.
func findOne(row *sql.Row) (*domain.Order, error) {
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *orderRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return findOne(r.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
}

func (r *orderRepo) FindByIdForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Order, error) {
	return findOne(tx.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
}

func (r *orderRepo) FindByReference(ctx context.Context, reference string) (*domain.Order, error) {
	if reference == "" {
		return nil, nil
	}
	return findOne(r.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE payment_reference = $1", reference))
}

// UpdateOrder writes the status columns. Lock columns belong to the lock repo.
func (r *orderRepo) UpdateOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    payment_status = $3,
		    payment_reference = COALESCE($4, payment_reference),
		    paid_at = $5,
		    idempotency_key = COALESCE($6, idempotency_key),
		    updated_at = $7
		WHERE id = $1`,
		order.ID,
		order.Status,
		order.PaymentStatus,
		nullString(order.PaymentReference),
		nullTime(order.PaidAt),
		nullString(order.IdempotencyKey),
		order.UpdatedAt,
	)
	return err
}

func (r *orderRepo) CreateOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, status, payment_status, payment_reference, total_amount, paid_at, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		order.ID,
		order.OrderNumber,
		order.Status,
		order.PaymentStatus,
		nullString(order.PaymentReference),
		order.TotalAmount,
		nullTime(order.PaidAt),
		nullString(order.IdempotencyKey),
		order.CreatedAt,
		order.UpdatedAt,
	)
	return err
}

// FindStuckOrders lists unpaid orders with a gateway reference that have not moved since before.
func (r *orderRepo) FindStuckOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_status = $1
		  AND payment_reference IS NOT NULL
		  AND status NOT IN ($2, $3)
		  AND updated_at < $4
		ORDER BY updated_at
		LIMIT $5`,
		domain.PaymentPending, domain.OrderDelivered, domain.OrderCancelled, before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}
