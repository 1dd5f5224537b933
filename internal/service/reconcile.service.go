package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"order-reconciler/internal/domain"
	"order-reconciler/internal/infrastructure/payment"
	"order-reconciler/internal/repo"
	"order-reconciler/internal/retry"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeNoop              Outcome = "noop"
	OutcomeAlreadyReconciled Outcome = "already_reconciled"
	OutcomePending           Outcome = "pending"
	OutcomeFailed            Outcome = "failed"
)

type ReconciliationResult struct {
	Reference string        `json:"reference"`
	Source    domain.Source `json:"source"`
	OrderID   uuid.UUID     `json:"order_id"`
	Outcome   Outcome       `json:"outcome"`
	Applied   bool          `json:"applied"`
	Error     string        `json:"error,omitempty"`
	Order     *domain.Order `json:"-"`
	Err       error         `json:"-"`
}

// BatchRequest bounds a sweep. With no References, candidates are discovered from
// orders stuck in payment pending.
type BatchRequest struct {
	References []string
	Exclude    []string
	Limit      int
}

type BatchReport struct {
	Results     []ReconciliationResult `json:"results"`
	Processed   int                    `json:"processed"`
	Failed      int                    `json:"failed"`
	Skipped     int                    `json:"skipped"`
	Interrupted bool                   `json:"interrupted"`
}

// Reconciler funnels webhook, manual verify and batch sweeps through the transition engine.
type Reconciler interface {
	Reconcile(ctx context.Context, source domain.Source, reference string, evidence *payment.Verification) (ReconciliationResult, error)
	ReconcileBatch(ctx context.Context, req BatchRequest) (BatchReport, error)
}

type ReconcilerConfig struct {
	StuckAfter time.Duration
	BatchLimit int
}

type reconciler struct {
	store   repo.Store
	engine  TransitionEngine
	gateway payment.PaymentGateway
	retry   *retry.Controller
	cfg     ReconcilerConfig
	now     func() time.Time
	log     *slog.Logger
}

func NewReconciler(
	store repo.Store,
	engine TransitionEngine,
	gateway payment.PaymentGateway,
	retrier *retry.Controller,
	cfg ReconcilerConfig,
	now func() time.Time,
	log *slog.Logger,
) Reconciler {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &reconciler{
		store:   store,
		engine:  engine,
		gateway: gateway,
		retry:   retrier,
		cfg:     cfg,
		now:     now,
		log:     log.With("component", "reconciler"),
	}
}

// Reconcile brings the order behind reference in line with the gateway. evidence is the
// webhook payload; when nil the gateway is asked directly.
func (r *reconciler) Reconcile(ctx context.Context, source domain.Source, reference string, evidence *payment.Verification) (ReconciliationResult, error) {
	reference = strings.TrimSpace(reference)
	res := ReconciliationResult{Reference: reference, Source: source}
	if !source.FromGateway() {
		return r.fail(res, fmt.Errorf("%w: %q is not a reconciliation source", domain.ErrValidation, source))
	}
	if reference == "" {
		return r.fail(res, fmt.Errorf("%w: empty reference", domain.ErrOrderNotFound))
	}

	order, err := retry.Value(ctx, r.retry, "find order", func(ctx context.Context) (*domain.Order, error) {
		o, err := r.store.FindByReference(ctx, reference)
		return o, domain.Transient(err)
	})
	if err != nil {
		return r.fail(res, err)
	}
	if order == nil {
		return r.fail(res, fmt.Errorf("%w: reference %q", domain.ErrOrderNotFound, reference))
	}
	res.OrderID = order.ID
	res.Order = order

	done, err := retry.Value(ctx, r.retry, "find transaction", func(ctx context.Context) (*domain.PaymentTransaction, error) {
		t, err := r.store.FindCompletedTransaction(ctx, reference)
		return t, domain.Transient(err)
	})
	if err != nil {
		return r.fail(res, err)
	}
	if done != nil {
		res.Outcome = OutcomeAlreadyReconciled
		return res, nil
	}

	if evidence == nil {
		evidence, err = retry.Value(ctx, r.retry, "gateway verify", func(ctx context.Context) (*payment.Verification, error) {
			return r.gateway.Verify(ctx, reference)
		})
		if err != nil {
			return r.fail(res, err)
		}
	}
	if evidence.Reference != "" && evidence.Reference != reference {
		return r.fail(res, fmt.Errorf("%w: evidence is for reference %q", domain.ErrValidation, evidence.Reference))
	}

	target, settled := paymentOutcome(evidence.Status)
	if !settled {
		res.Outcome = OutcomePending
		return res, nil
	}

	req := TransitionRequest{
		OrderID:       order.ID,
		PaymentStatus: target,
		Actor:         "system:" + string(source),
		Evidence: domain.Evidence{
			Source:          source,
			Reference:       reference,
			AmountPaidMinor: evidence.AmountPaidMinor,
			Raw:             evidence.Raw,
		},
		IdempotencyKey: domain.IdempotencyKey(reference),
	}
	applied, err := retry.Value(ctx, r.retry, "apply transition", func(ctx context.Context) (TransitionResult, error) {
		return r.engine.Apply(ctx, req)
	})
	if err != nil {
		return r.fail(res, err)
	}
	res.Order = applied.Order
	res.Applied = applied.Applied
	res.Outcome = OutcomeNoop
	if applied.Applied {
		res.Outcome = OutcomeApplied
	}
	r.log.Info("reconciled", "reference", reference, "source", source, "order_id", order.ID, "outcome", res.Outcome)
	return res, nil
}

func paymentOutcome(s payment.VerificationStatus) (domain.PaymentStatus, bool) {
	switch s {
	case payment.StatusSuccess:
		return domain.PaymentPaid, true
	case payment.StatusFailed, payment.StatusAbandoned, payment.StatusReversed:
		return domain.PaymentFailed, true
	}
	return "", false
}

func (r *reconciler) fail(res ReconciliationResult, err error) (ReconciliationResult, error) {
	res.Outcome = OutcomeFailed
	res.Err = err
	res.Error = err.Error()
	switch {
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, payment.ErrUnknownReference):
		r.log.Warn("reconcile: unresolvable reference", "reference", res.Reference, "source", res.Source, "error", err)
	case errors.Is(err, domain.ErrAmountMismatch):
		// already logged as a security incident by the engine
	default:
		r.log.Error("reconcile failed", "reference", res.Reference, "source", res.Source, "error", err)
	}
	return res, err
}

// ReconcileBatch walks candidates one at a time so the sweep never contends with itself
// on order locks. A failing reference is recorded and the sweep moves on.
func (r *reconciler) ReconcileBatch(ctx context.Context, req BatchRequest) (BatchReport, error) {
	limit := req.Limit
	if limit <= 0 || limit > r.cfg.BatchLimit {
		limit = r.cfg.BatchLimit
	}
	exclude := make(map[string]struct{}, len(req.Exclude))
	for _, ref := range req.Exclude {
		exclude[strings.TrimSpace(ref)] = struct{}{}
	}

	refs := req.References
	if len(refs) == 0 {
		stuck, err := r.store.FindStuckOrders(ctx, r.now().Add(-r.cfg.StuckAfter), limit+len(exclude))
		if err != nil {
			return BatchReport{}, fmt.Errorf("find stuck orders: %w", err)
		}
		for _, o := range stuck {
			refs = append(refs, o.PaymentReference)
		}
	}

	report := BatchReport{Results: []ReconciliationResult{}}
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if report.Processed >= limit {
			break
		}
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		ref = strings.TrimSpace(ref)
		if _, skip := exclude[ref]; skip {
			report.Skipped++
			continue
		}
		if _, dup := seen[ref]; dup {
			report.Skipped++
			continue
		}
		seen[ref] = struct{}{}

		res, err := r.Reconcile(ctx, domain.SourceBatch, ref, nil)
		report.Processed++
		if err != nil {
			report.Failed++
		}
		report.Results = append(report.Results, res)
	}
	if ctx.Err() != nil {
		report.Interrupted = true
	}
	r.log.Info("batch sweep finished",
		"processed", report.Processed, "failed", report.Failed,
		"skipped", report.Skipped, "interrupted", report.Interrupted)
	return report, nil
}
