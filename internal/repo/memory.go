package repo

import (
	"cmp"
	"context"
	"errors"
	"order-reconciler/internal/domain"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errDuplicateOrder = errors.New("order already exists")

// MemoryStore is an in-process Store and LockRepo. One mutex serializes every write,
// which gives InTx the same all-or-nothing behavior as a database transaction.
type MemoryStore struct {
	mu       sync.Mutex
	orders   map[uuid.UUID]*domain.Order
	txns     map[string]*domain.PaymentTransaction
	events   map[string]*domain.CommunicationEvent
	onChange func(domain.ChangeEvent)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[uuid.UUID]*domain.Order),
		txns:   make(map[string]*domain.PaymentTransaction),
		events: make(map[string]*domain.CommunicationEvent),
	}
}

// OnChange registers fn to receive a change event after each committed order write.
func (m *MemoryStore) OnChange(fn func(domain.ChangeEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func txnKey(orderID uuid.UUID, reference string) string {
	return orderID.String() + "|" + reference
}

func (m *MemoryStore) FindById(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Clone(), nil
}

func (m *MemoryStore) FindByReference(_ context.Context, reference string) (*domain.Order, error) {
	if reference == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.PaymentReference == reference {
			return o.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) FindStuckOrders(_ context.Context, before time.Time, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if o.PaymentStatus != domain.PaymentPending || o.PaymentReference == "" || o.Status.Terminal() {
			continue
		}
		if !o.UpdatedAt.Before(before) {
			continue
		}
		out = append(out, *o.Clone())
	}
	slices.SortFunc(out, func(a, b domain.Order) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) FindCompletedTransaction(_ context.Context, reference string) (*domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.Reference == reference && t.Status == domain.TransactionCompleted {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, orderID uuid.UUID) ([]domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentTransaction
	for _, t := range m.txns {
		if t.OrderID == orderID {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b domain.PaymentTransaction) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, orderID uuid.UUID) ([]domain.CommunicationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CommunicationEvent
	for _, e := range m.events {
		if e.OrderID == orderID {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b domain.CommunicationEvent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.EventType, b.EventType)
	})
	return out, nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, order *domain.Order) error {
	m.mu.Lock()
	if _, exists := m.orders[order.ID]; exists {
		m.mu.Unlock()
		return errDuplicateOrder
	}
	for _, o := range m.orders {
		if order.PaymentReference != "" && o.PaymentReference == order.PaymentReference {
			m.mu.Unlock()
			return errDuplicateOrder
		}
	}
	m.orders[order.ID] = order.Clone()
	notify := m.onChange
	m.mu.Unlock()

	if notify != nil {
		notify(changeOf(order, "INSERT"))
	}
	return nil
}

func changeOf(o *domain.Order, op string) domain.ChangeEvent {
	return domain.ChangeEvent{OrderID: o.ID, Op: op, Status: o.Status, PaymentStatus: o.PaymentStatus}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	tx := &memTx{
		store:  m,
		orders: make(map[uuid.UUID]*domain.Order),
		txns:   make(map[string]*domain.PaymentTransaction),
		events: make(map[string]*domain.CommunicationEvent),
	}
	if err := fn(tx); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return err
	}

	var changes []domain.ChangeEvent
	for id, o := range tx.orders {
		prev := m.orders[id]
		if prev.Status != o.Status || prev.PaymentStatus != o.PaymentStatus {
			changes = append(changes, changeOf(o, "UPDATE"))
		}
		// lock columns are owned by the lock methods
		o.Lock = prev.Lock
		m.orders[id] = o
	}
	for k, t := range tx.txns {
		m.txns[k] = t
	}
	for k, e := range tx.events {
		m.events[k] = e
	}
	notify := m.onChange
	m.mu.Unlock()

	if notify != nil {
		for _, c := range changes {
			notify(c)
		}
	}
	return nil
}

func (m *MemoryStore) Locks() LockRepo { return m }

// memTx stages writes until InTx commits them. The store mutex is held throughout.
type memTx struct {
	store  *MemoryStore
	orders map[uuid.UUID]*domain.Order
	txns   map[string]*domain.PaymentTransaction
	events map[string]*domain.CommunicationEvent
}

func (t *memTx) FindByIdForUpdate(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	if o, ok := t.orders[id]; ok {
		return o.Clone(), nil
	}
	return t.store.orders[id].Clone(), nil
}

func (t *memTx) UpdateOrder(_ context.Context, order *domain.Order) error {
	if _, ok := t.store.orders[order.ID]; !ok {
		return domain.ErrOrderNotFound
	}
	t.orders[order.ID] = order.Clone()
	return nil
}

func (t *memTx) RecordTransaction(_ context.Context, txn *domain.PaymentTransaction) (bool, error) {
	key := txnKey(txn.OrderID, txn.Reference)
	existing, ok := t.txns[key]
	if !ok {
		existing, ok = t.store.txns[key]
	}
	if ok && existing.Status == domain.TransactionCompleted {
		return false, nil
	}
	cp := *txn
	if ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	}
	t.txns[key] = &cp
	return true, nil
}

func (t *memTx) EnqueueEvent(_ context.Context, event *domain.CommunicationEvent) (bool, error) {
	if _, ok := t.store.events[event.DedupeKey]; ok {
		return false, nil
	}
	if _, ok := t.events[event.DedupeKey]; ok {
		return false, nil
	}
	cp := *event
	t.events[event.DedupeKey] = &cp
	return true, nil
}

func (m *MemoryStore) Acquire(_ context.Context, lock domain.Lock, now time.Time) (AcquireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[lock.OrderID]
	if !ok {
		return AcquireResult{}, domain.ErrOrderNotFound
	}
	current := o.Lock
	if current.Active(now) && current.Holder != lock.Holder {
		return AcquireResult{Lock: *current}, nil
	}
	reentrant := current.Active(now)
	if reentrant {
		lock.AcquiredAt = current.AcquiredAt
	}
	l := lock
	o.Lock = &l
	return AcquireResult{Acquired: true, Reentrant: reentrant, Lock: lock}, nil
}

func (m *MemoryStore) Release(_ context.Context, orderID uuid.UUID, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Lock == nil || o.Lock.Holder != holder {
		return false, nil
	}
	o.Lock = nil
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, orderID uuid.UUID) (*domain.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if o.Lock == nil {
		return nil, nil
	}
	l := *o.Lock
	return &l, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, o := range m.orders {
		if o.Lock != nil && !o.Lock.Active(now) {
			o.Lock = nil
			n++
		}
	}
	return n, nil
}
