package repo

import (
	"context"
	"database/sql"
	"fmt"
	"order-reconciler/internal/domain"
	"time"

	"github.com/google/uuid"
)

// Store is the authoritative persistence boundary for the reconciliation core.
// Reads run outside a transaction; every mutation of an order goes through InTx.
type Store interface {
	FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	FindByReference(ctx context.Context, reference string) (*domain.Order, error)
	FindStuckOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
	FindCompletedTransaction(ctx context.Context, reference string) (*domain.PaymentTransaction, error)
	ListTransactions(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentTransaction, error)
	ListEvents(ctx context.Context, orderID uuid.UUID) ([]domain.CommunicationEvent, error)
	CreateOrder(ctx context.Context, order *domain.Order) error

	// InTx runs fn in one atomic unit. fn's error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Locks() LockRepo
}

// Tx is the write surface available inside InTx.
type Tx interface {
	FindByIdForUpdate(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	UpdateOrder(ctx context.Context, order *domain.Order) error
	// RecordTransaction inserts or upgrades the (order_id, reference) row. A completed row is
	// never rewritten; written is false in that case.
	RecordTransaction(ctx context.Context, txn *domain.PaymentTransaction) (written bool, err error)
	// EnqueueEvent inserts the event unless its dedupe key already exists.
	EnqueueEvent(ctx context.Context, event *domain.CommunicationEvent) (inserted bool, err error)
}

// AcquireResult reports the outcome of a lock check-and-set. Lock is the lock in force
// afterwards: ours when Acquired, the other holder's otherwise.
type AcquireResult struct {
	Acquired  bool
	Reentrant bool
	Lock      domain.Lock
}

type LockRepo interface {
	Acquire(ctx context.Context, lock domain.Lock, now time.Time) (AcquireResult, error)
	Release(ctx context.Context, orderID uuid.UUID, holder string) (bool, error)
	Get(ctx context.Context, orderID uuid.UUID) (*domain.Lock, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type pgStore struct {
	db          *sql.DB
	orderRepo   OrderRepo
	paymentRepo PaymentRepo
	eventRepo   EventRepo
	lockRepo    LockRepo
}

func NewPostgresStore(db *sql.DB) Store {
	return &pgStore{
		db:          db,
		orderRepo:   NewOrderRepo(db),
		paymentRepo: NewPaymentRepo(db),
		eventRepo:   NewEventRepo(db),
		lockRepo:    NewLockRepo(db),
	}
}

func (s *pgStore) FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return s.orderRepo.FindById(ctx, id)
}

func (s *pgStore) FindByReference(ctx context.Context, reference string) (*domain.Order, error) {
	return s.orderRepo.FindByReference(ctx, reference)
}

func (s *pgStore) FindStuckOrders(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	return s.orderRepo.FindStuckOrders(ctx, before, limit)
}

func (s *pgStore) FindCompletedTransaction(ctx context.Context, reference string) (*domain.PaymentTransaction, error) {
	return s.paymentRepo.FindCompleted(ctx, reference)
}

func (s *pgStore) ListTransactions(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentTransaction, error) {
	return s.paymentRepo.ListByOrder(ctx, orderID)
}

func (s *pgStore) ListEvents(ctx context.Context, orderID uuid.UUID) ([]domain.CommunicationEvent, error) {
	return s.eventRepo.ListByOrder(ctx, orderID)
}

func (s *pgStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.orderRepo.CreateOrder(ctx, tx, order); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx, store: s}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transient(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *pgStore) Locks() LockRepo { return s.lockRepo }

type pgTx struct {
	tx    *sql.Tx
	store *pgStore
}

func (t *pgTx) FindByIdForUpdate(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return t.store.orderRepo.FindByIdForUpdate(ctx, t.tx, id)
}

func (t *pgTx) UpdateOrder(ctx context.Context, order *domain.Order) error {
	return t.store.orderRepo.UpdateOrder(ctx, t.tx, order)
}

func (t *pgTx) RecordTransaction(ctx context.Context, txn *domain.PaymentTransaction) (bool, error) {
	return t.store.paymentRepo.RecordTransaction(ctx, t.tx, txn)
}

func (t *pgTx) EnqueueEvent(ctx context.Context, event *domain.CommunicationEvent) (bool, error) {
	return t.store.eventRepo.Enqueue(ctx, t.tx, event)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
