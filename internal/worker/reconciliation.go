package worker

import (
	"context"
	"log/slog"
	"order-reconciler/internal/service"
	"time"
)

// ReconciliationWorker periodically sweeps orders stuck in payment pending and asks the
// gateway for the truth through the reconciler.
type ReconciliationWorker struct {
	reconciler service.Reconciler
	interval   time.Duration
	limit      int
	log        *slog.Logger
}

func NewReconciliationWorker(
	reconciler service.Reconciler,
	interval time.Duration,
	limit int,
	log *slog.Logger,
) *ReconciliationWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ReconciliationWorker{
		reconciler: reconciler,
		interval:   interval,
		limit:      limit,
		log:        log.With("component", "reconciliation_worker"),
	}
}

func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	rw.log.Info("reconciliation worker started", "interval", rw.interval)

	for {
		select {
		case <-ctx.Done():
			rw.log.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			if _, err := rw.Sweep(ctx); err != nil {
				rw.log.Error("reconciliation sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one batch over discovered stuck orders.
func (rw *ReconciliationWorker) Sweep(ctx context.Context) (service.BatchReport, error) {
	report, err := rw.reconciler.ReconcileBatch(ctx, service.BatchRequest{Limit: rw.limit})
	if err != nil {
		return report, err
	}
	if report.Processed == 0 {
		return report, nil
	}
	for _, r := range report.Results {
		if r.Outcome == service.OutcomeApplied {
			rw.log.Info("stuck order settled", "order_id", r.OrderID, "reference", r.Reference)
		}
	}
	return report, nil
}
