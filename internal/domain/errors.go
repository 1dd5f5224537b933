package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConflict              = errors.New("order is locked by another actor")
	ErrInvalidTransition     = errors.New("invalid operation for current order state")
	ErrAmountMismatch        = errors.New("paid amount does not match order total")
	ErrOrderNotFound         = errors.New("order not found")
	ErrRetryExhausted        = errors.New("retry attempts exhausted")
	ErrTransportDisconnected = errors.New("live update transport disconnected")
	// ErrTransient marks network and timeout failures that may succeed on retry.
	ErrTransient  = errors.New("transient failure")
	ErrValidation = errors.New("invalid request")
)

// ConflictError is returned when another holder owns the order's lock.
type ConflictError struct {
	OrderID uuid.UUID
	Holder  string
	RetryIn time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("locked by %s, retry in %ds", e.Holder, e.RetrySeconds())
}

// RetrySeconds is RetryIn rounded up to whole seconds.
func (e *ConflictError) RetrySeconds() int { return ceilSeconds(e.RetryIn) }

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TransitionError describes a rejected state change.
type TransitionError struct {
	OrderID     uuid.UUID
	FromStatus  OrderStatus
	ToStatus    OrderStatus
	FromPayment PaymentStatus
	ToPayment   PaymentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for order %s: status %s->%s, payment %s->%s",
		e.OrderID, e.FromStatus, e.ToStatus, e.FromPayment, e.ToPayment)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// AmountMismatchError is raised when gateway evidence reports less than the order total.
type AmountMismatchError struct {
	OrderID   uuid.UUID
	Reference string
	Expected  int64
	Paid      int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("order %s reference %s: paid %d, expected %d", e.OrderID, e.Reference, e.Paid, e.Expected)
}

func (e *AmountMismatchError) Is(target error) bool { return target == ErrAmountMismatch }

// Transient wraps err so retry classification treats it as temporary.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
