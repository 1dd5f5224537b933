package service

import (
	"context"
	"fmt"
	"log/slog"
	"order-reconciler/internal/domain"
	"order-reconciler/internal/repo"
	"time"

	"github.com/google/uuid"
)

// TransitionRequest asks for a status and/or payment status change on one order.
// The order is resolved by OrderID, or by PaymentReference when OrderID is zero.
type TransitionRequest struct {
	OrderID          uuid.UUID
	PaymentReference string
	Status           domain.OrderStatus
	PaymentStatus    domain.PaymentStatus
	Actor            string
	Evidence         domain.Evidence
	IdempotencyKey   string
}

func (r *TransitionRequest) validate() error {
	if r.OrderID == uuid.Nil && r.PaymentReference == "" {
		return fmt.Errorf("%w: order id or payment reference is required", domain.ErrValidation)
	}
	if r.Status == "" && r.PaymentStatus == "" {
		return fmt.Errorf("%w: no target status given", domain.ErrValidation)
	}
	if r.Status != "" && !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrValidation, r.Status)
	}
	if r.PaymentStatus != "" && !r.PaymentStatus.Valid() {
		return fmt.Errorf("%w: unknown payment status %q", domain.ErrValidation, r.PaymentStatus)
	}
	if r.Actor == "" {
		return fmt.Errorf("%w: actor is required", domain.ErrValidation)
	}
	if r.Evidence.Source == "" {
		r.Evidence.Source = domain.SourceAdmin
	}
	if !r.Evidence.Source.Valid() {
		return fmt.Errorf("%w: unknown evidence source %q", domain.ErrValidation, r.Evidence.Source)
	}
	return nil
}

type TransitionResult struct {
	Order   *domain.Order
	Applied bool
}

// TransitionEngine is the only writer of order status.
type TransitionEngine interface {
	Apply(ctx context.Context, req TransitionRequest) (TransitionResult, error)
}

type transitionEngine struct {
	store repo.Store
	locks LockManager
	now   func() time.Time
	log   *slog.Logger
}

func NewTransitionEngine(store repo.Store, locks LockManager, now func() time.Time, log *slog.Logger) TransitionEngine {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &transitionEngine{store: store, locks: locks, now: now, log: log.With("component", "transitions")}
}

// Apply validates and writes one transition under the order's lock.
// A lock held by another actor fails with domain.ErrConflict and is not retried here.
// A request that changes nothing returns Applied=false without error.
func (e *transitionEngine) Apply(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	if err := req.validate(); err != nil {
		return TransitionResult{}, err
	}
	orderID, err := e.resolve(ctx, req)
	if err != nil {
		return TransitionResult{}, err
	}

	handle, err := e.locks.Acquire(ctx, orderID, req.Actor, 0)
	if err != nil {
		return TransitionResult{}, err
	}
	if !handle.Reentrant {
		defer func() {
			if err := e.locks.Release(context.WithoutCancel(ctx), handle); err != nil {
				e.log.Warn("release lock", "order_id", orderID, "error", err)
			}
		}()
	}

	var result TransitionResult
	err = e.store.InTx(ctx, func(tx repo.Tx) error {
		order, err := tx.FindByIdForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return domain.ErrOrderNotFound
		}
		result.Order = order

		if req.IdempotencyKey != "" && order.IdempotencyKey == req.IdempotencyKey {
			return nil
		}
		plan, err := domain.PlanTransition(order, req.Status, req.PaymentStatus)
		if err != nil {
			return err
		}
		if !plan.Changed() {
			return nil
		}
		if err := e.checkEvidence(order, plan, req.Evidence); err != nil {
			return err
		}

		now := e.now()
		order.Status = plan.Status
		order.PaymentStatus = plan.PaymentStatus
		if plan.PaymentStatus == domain.PaymentPaid && order.PaidAt == nil {
			order.PaidAt = &now
		}
		if order.PaymentReference == "" {
			order.PaymentReference = req.Evidence.Reference
		}
		if req.IdempotencyKey != "" {
			order.IdempotencyKey = req.IdempotencyKey
		}
		order.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		if plan.PaymentChanged && req.Evidence.Reference != "" {
			if err := e.recordTransaction(ctx, tx, order, req.Evidence, now); err != nil {
				return err
			}
		}
		if err := e.enqueueEvents(ctx, tx, order, plan, now); err != nil {
			return err
		}
		result.Applied = true
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}

	if result.Applied {
		e.log.Info("transition applied",
			"order_id", result.Order.ID,
			"status", result.Order.Status,
			"payment_status", result.Order.PaymentStatus,
			"actor", req.Actor,
			"source", req.Evidence.Source,
		)
	}
	return result, nil
}

func (e *transitionEngine) resolve(ctx context.Context, req TransitionRequest) (uuid.UUID, error) {
	if req.OrderID != uuid.Nil {
		return req.OrderID, nil
	}
	order, err := e.store.FindByReference(ctx, req.PaymentReference)
	if err != nil {
		return uuid.Nil, domain.Transient(err)
	}
	if order == nil {
		return uuid.Nil, fmt.Errorf("%w: reference %q", domain.ErrOrderNotFound, req.PaymentReference)
	}
	return order.ID, nil
}

// checkEvidence guards gateway-driven payment changes: the reference must belong to the order
// and a successful payment must cover the order total.
func (e *transitionEngine) checkEvidence(order *domain.Order, plan domain.Plan, ev domain.Evidence) error {
	if !plan.PaymentChanged || !ev.Source.FromGateway() {
		return nil
	}
	if ev.Reference == "" || (order.PaymentReference != "" && ev.Reference != order.PaymentReference) {
		return fmt.Errorf("%w: evidence reference %q does not belong to order %s", domain.ErrValidation, ev.Reference, order.ID)
	}
	if plan.PaymentStatus != domain.PaymentPaid {
		return nil
	}
	if ev.AmountPaidMinor < order.TotalAmount {
		e.log.Error("paid amount below order total",
			"security_incident", true,
			"order_id", order.ID,
			"order_number", order.OrderNumber,
			"reference", ev.Reference,
			"expected", order.TotalAmount,
			"paid", ev.AmountPaidMinor,
			"source", ev.Source,
		)
		return &domain.AmountMismatchError{
			OrderID:   order.ID,
			Reference: ev.Reference,
			Expected:  order.TotalAmount,
			Paid:      ev.AmountPaidMinor,
		}
	}
	if ev.AmountPaidMinor > order.TotalAmount {
		e.log.Warn("paid amount above order total",
			"order_id", order.ID, "reference", ev.Reference,
			"expected", order.TotalAmount, "paid", ev.AmountPaidMinor)
	}
	return nil
}

func (e *transitionEngine) recordTransaction(ctx context.Context, tx repo.Tx, order *domain.Order, ev domain.Evidence, now time.Time) error {
	txn := &domain.PaymentTransaction{
		ID:                 uuid.New(),
		OrderID:            order.ID,
		Reference:          ev.Reference,
		Status:             domain.TransactionFailed,
		AmountMinor:        ev.AmountPaidMinor,
		RawGatewayResponse: ev.Raw,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if order.PaymentStatus == domain.PaymentPaid {
		txn.Status = domain.TransactionCompleted
		txn.PaidAt = order.PaidAt
	}
	written, err := tx.RecordTransaction(ctx, txn)
	if err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	if !written {
		e.log.Debug("transaction already completed", "order_id", order.ID, "reference", ev.Reference)
	}
	return nil
}

func (e *transitionEngine) enqueueEvents(ctx context.Context, tx repo.Tx, order *domain.Order, plan domain.Plan, now time.Time) error {
	var types []string
	if plan.PaymentChanged {
		types = append(types, domain.PaymentEventType(plan.PaymentStatus))
	}
	if plan.StatusChanged {
		types = append(types, domain.OrderEventType(plan.Status))
	}
	for _, t := range types {
		if _, err := tx.EnqueueEvent(ctx, domain.NewCommunicationEvent(order, t, now)); err != nil {
			return fmt.Errorf("enqueue %s: %w", t, err)
		}
	}
	return nil
}
