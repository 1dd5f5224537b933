package domain

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderConfirmed      OrderStatus = "confirmed"
	OrderPreparing      OrderStatus = "preparing"
	OrderOutForDelivery OrderStatus = "out_for_delivery"
	OrderDelivered      OrderStatus = "delivered"
	OrderCancelled      OrderStatus = "cancelled"
)

// Valid reports whether s is one of the known order statuses.
func (s OrderStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Terminal reports whether no further status change is allowed from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

// Order is a customer purchase. TotalAmount is in minor currency units.
type Order struct {
	ID               uuid.UUID
	OrderNumber      string
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	PaymentReference string
	TotalAmount      int64
	PaidAt           *time.Time
	Lock             *Lock
	IdempotencyKey   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.PaidAt != nil {
		t := *o.PaidAt
		cp.PaidAt = &t
	}
	if o.Lock != nil {
		l := *o.Lock
		cp.Lock = &l
	}
	return &cp
}

// NewOrder builds an order in its placement state.
func NewOrder(orderNumber, paymentReference string, totalAmount int64, now time.Time) *Order {
	return &Order{
		ID:               uuid.New(),
		OrderNumber:      orderNumber,
		Status:           OrderPending,
		PaymentStatus:    PaymentPending,
		PaymentReference: paymentReference,
		TotalAmount:      totalAmount,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
