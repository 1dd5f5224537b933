package domain

import (
	"encoding/json"
	"slices"
)

// statusTransitions is the legal order status graph. Terminal statuses map to nothing.
var statusTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:        {OrderConfirmed, OrderCancelled},
	OrderConfirmed:      {OrderPreparing, OrderCancelled},
	OrderPreparing:      {OrderOutForDelivery, OrderCancelled},
	OrderOutForDelivery: {OrderDelivered, OrderCancelled},
	OrderDelivered:      {},
	OrderCancelled:      {},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentPaid, PaymentFailed},
	PaymentPaid:    {},
	PaymentFailed:  {},
}

func CanTransition(from, to OrderStatus) bool {
	return slices.Contains(statusTransitions[from], to)
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return slices.Contains(paymentTransitions[from], to)
}

// Source names where a transition request came from.
type Source string

const (
	SourceAdmin   Source = "admin"
	SourceWebhook Source = "webhook"
	SourceManual  Source = "manual"
	SourceBatch   Source = "batch"
)

func (s Source) Valid() bool {
	switch s {
	case SourceAdmin, SourceWebhook, SourceManual, SourceBatch:
		return true
	}
	return false
}

// FromGateway reports whether evidence from s carries a gateway verification.
func (s Source) FromGateway() bool {
	return s == SourceWebhook || s == SourceManual || s == SourceBatch
}

// Evidence justifies a transition: a gateway response, an admin action, or a sweep tag.
type Evidence struct {
	Source          Source
	Reference       string
	AmountPaidMinor int64
	Raw             json.RawMessage
	Note            string
}

// Plan is the result of validating a requested change against an order.
type Plan struct {
	Status         OrderStatus
	PaymentStatus  PaymentStatus
	StatusChanged  bool
	PaymentChanged bool
}

func (p Plan) Changed() bool { return p.StatusChanged || p.PaymentChanged }

// PlanTransition validates a requested status and payment status against o.
// Empty targets mean unchanged. A payment success on a pending order also confirms it.
func PlanTransition(o *Order, status OrderStatus, payment PaymentStatus) (Plan, error) {
	p := Plan{Status: o.Status, PaymentStatus: o.PaymentStatus}
	if status == "" {
		status = o.Status
	}
	if payment == "" {
		payment = o.PaymentStatus
	}

	reject := func() (Plan, error) {
		return Plan{}, &TransitionError{
			OrderID:     o.ID,
			FromStatus:  o.Status,
			ToStatus:    status,
			FromPayment: o.PaymentStatus,
			ToPayment:   payment,
		}
	}

	if payment != o.PaymentStatus {
		if !CanTransitionPayment(o.PaymentStatus, payment) {
			return reject()
		}
		p.PaymentStatus = payment
		p.PaymentChanged = true
		if payment == PaymentPaid && o.Status == OrderPending && status == OrderPending {
			status = OrderConfirmed
		}
	}

	if status != o.Status {
		if !CanTransition(o.Status, status) {
			return reject()
		}
		p.Status = status
		p.StatusChanged = true
	}

	if p.Changed() && o.Status.Terminal() {
		return reject()
	}
	return p, nil
}
