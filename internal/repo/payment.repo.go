package repo

import (
	"context"
	"database/sql"
	"errors"
	"order-reconciler/internal/domain"

	"github.com/google/uuid"
)

type PaymentRepo interface {
	// tx *sql.Tx -> the caller's transition transaction
	RecordTransaction(ctx context.Context, tx *sql.Tx, txn *domain.PaymentTransaction) (bool, error)
	FindCompleted(ctx context.Context, reference string) (*domain.PaymentTransaction, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentTransaction, error)
}

const transactionColumns = `id, order_id, reference, status, amount_minor, paid_at, raw_gateway_response, created_at, updated_at`

type paymentRepo struct {
	db *sql.DB
}

func NewPaymentRepo(db *sql.DB) PaymentRepo {
	return &paymentRepo{db: db}
}

func scanTransaction(row rowScanner) (*domain.PaymentTransaction, error) {
	var (
		t      domain.PaymentTransaction
		paidAt sql.NullTime
		raw    []byte
	)
	err := row.Scan(
		&t.ID,
		&t.OrderID,
		&t.Reference,
		&t.Status,
		&t.AmountMinor,
		&paidAt,
		&raw,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.PaidAt = timePtr(paidAt)
	t.RawGatewayResponse = raw
	return &t, nil
}

// RecordTransaction upserts on (order_id, reference) but leaves completed rows untouched.
func (r *paymentRepo) RecordTransaction(ctx context.Context, tx *sql.Tx, txn *domain.PaymentTransaction) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO payment_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id, reference) DO UPDATE
		SET status = EXCLUDED.status,
		    amount_minor = EXCLUDED.amount_minor,
		    paid_at = EXCLUDED.paid_at,
		    raw_gateway_response = EXCLUDED.raw_gateway_response,
		    updated_at = EXCLUDED.updated_at
		WHERE payment_transactions.status <> 'completed'`,
		txn.ID,
		txn.OrderID,
		txn.Reference,
		txn.Status,
		txn.AmountMinor,
		nullTime(txn.PaidAt),
		nullJSON(txn.RawGatewayResponse),
		txn.CreatedAt,
		txn.UpdatedAt,
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

func (r *paymentRepo) FindCompleted(ctx context.Context, reference string) (*domain.PaymentTransaction, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM payment_transactions WHERE reference = $1 AND status = $2 LIMIT 1",
		reference, domain.TransactionCompleted,
	)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *paymentRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+transactionColumns+" FROM payment_transactions WHERE order_id = $1 ORDER BY created_at",
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []domain.PaymentTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}
