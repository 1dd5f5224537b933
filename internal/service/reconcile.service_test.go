package service

import (
	"context"
	"order-reconciler/internal/domain"
	"order-reconciler/internal/infrastructure/payment"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookPaysPendingOrder(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R1", 50000)

	res, err := h.reconciler.Reconcile(context.Background(), domain.SourceWebhook, "R1", successWebhook("R1", 50000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.True(t, res.Applied)
	assert.Equal(t, o.ID, res.OrderID)

	got := h.order(t, o)
	assert.Equal(t, domain.OrderConfirmed, got.Status)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
	require.NotNil(t, got.PaidAt)
	assert.Equal(t, h.clock.Now(), *got.PaidAt)
	assert.Equal(t, domain.IdempotencyKey("R1"), got.IdempotencyKey)

	txns := h.transactions(t, o)
	require.Len(t, txns, 1)
	assert.Equal(t, "R1", txns[0].Reference)
	assert.Equal(t, domain.TransactionCompleted, txns[0].Status)
	assert.EqualValues(t, 50000, txns[0].AmountMinor)
	assert.Contains(t, string(txns[0].RawGatewayResponse), "charge.success")

	events, err := h.store.ListEvents(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestWebhookDeliveredTwice(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R1", 50000)
	ctx := context.Background()

	_, err := h.reconciler.Reconcile(ctx, domain.SourceWebhook, "R1", successWebhook("R1", 50000))
	require.NoError(t, err)
	before := h.order(t, o)

	h.clock.Advance(time.Minute)
	res, err := h.reconciler.Reconcile(ctx, domain.SourceWebhook, "R1", successWebhook("R1", 50000))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, OutcomeAlreadyReconciled, res.Outcome)

	after := h.order(t, o)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.PaidAt, after.PaidAt)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Len(t, h.transactions(t, o), 1)
}

// Webhook, manual verify and batch sweep may land in any order; the final state is the same.
func TestReconcileSourcesConverge(t *testing.T) {
	orders := [][]domain.Source{
		{domain.SourceWebhook, domain.SourceManual, domain.SourceBatch},
		{domain.SourceBatch, domain.SourceWebhook, domain.SourceManual},
		{domain.SourceManual, domain.SourceBatch, domain.SourceWebhook, domain.SourceWebhook},
	}
	for _, seq := range orders {
		h := newHarness(t)
		o := h.placeOrder(t, "R-conv", 50000)
		h.gateway.Record("R-conv", payment.StatusSuccess, 50000)

		applied := 0
		for _, src := range seq {
			var ev *payment.Verification
			if src == domain.SourceWebhook {
				ev = successWebhook("R-conv", 50000)
			}
			var (
				res ReconciliationResult
				err error
			)
			if src == domain.SourceBatch {
				report, berr := h.reconciler.ReconcileBatch(context.Background(), BatchRequest{References: []string{"R-conv"}})
				require.NoError(t, berr)
				require.Len(t, report.Results, 1)
				res, err = report.Results[0], report.Results[0].Err
			} else {
				res, err = h.reconciler.Reconcile(context.Background(), src, "R-conv", ev)
			}
			require.NoError(t, err)
			if res.Applied {
				applied++
			}
			h.clock.Advance(time.Second)
		}

		assert.Equal(t, 1, applied, "%v", seq)
		got := h.order(t, o)
		assert.Equal(t, domain.OrderConfirmed, got.Status)
		assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
		assert.Len(t, h.transactions(t, o), 1)
	}
}

func TestReconcileUnderpaymentIsAmountMismatch(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R-under", 50000)

	for _, src := range []domain.Source{domain.SourceWebhook, domain.SourceManual} {
		var ev *payment.Verification
		if src == domain.SourceWebhook {
			ev = successWebhook("R-under", 100)
		} else {
			h.gateway.Record("R-under", payment.StatusSuccess, 49999)
		}
		res, err := h.reconciler.Reconcile(context.Background(), src, "R-under", ev)
		require.ErrorIs(t, err, domain.ErrAmountMismatch)
		assert.Equal(t, OutcomeFailed, res.Outcome)
	}
	got := h.order(t, o)
	assert.Equal(t, domain.PaymentPending, got.PaymentStatus)
	assert.Nil(t, got.PaidAt)
}

func TestReconcileFailedPayment(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R-fail", 50000)
	h.gateway.Record("R-fail", payment.StatusAbandoned, 0)

	res, err := h.reconciler.Reconcile(context.Background(), domain.SourceManual, "R-fail", nil)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	got := h.order(t, o)
	assert.Equal(t, domain.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, domain.OrderPending, got.Status)
	assert.Nil(t, got.PaidAt)
	txns := h.transactions(t, o)
	require.Len(t, txns, 1)
	assert.Equal(t, domain.TransactionFailed, txns[0].Status)

	res, err = h.reconciler.Reconcile(context.Background(), domain.SourceManual, "R-fail", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
}

func TestReconcilePendingAtGateway(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R-wait", 50000)
	h.gateway.Record("R-wait", payment.StatusOngoing, 0)

	res, err := h.reconciler.Reconcile(context.Background(), domain.SourceManual, "R-wait", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.Equal(t, domain.PaymentPending, h.order(t, o).PaymentStatus)
}

func TestReconcileRetriesGatewayTimeouts(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R-flaky", 50000)
	h.gateway.Record("R-flaky", payment.StatusSuccess, 50000)

	h.gateway.FailNext(3)
	res, err := h.reconciler.Reconcile(context.Background(), domain.SourceManual, "R-flaky", nil)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.PaymentPaid, h.order(t, o).PaymentStatus)
}

func TestReconcileGatewayExhausted(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R-down", 50000)
	h.gateway.Record("R-down", payment.StatusSuccess, 50000)

	h.gateway.FailNext(100)
	res, err := h.reconciler.Reconcile(context.Background(), domain.SourceManual, "R-down", nil)
	require.ErrorIs(t, err, domain.ErrRetryExhausted)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, domain.PaymentPending, h.order(t, o).PaymentStatus)
}

func TestReconcileConflictWithAdmin(t *testing.T) {
	h := newHarness(t)
	o := h.placeOrder(t, "R-busy", 50000)
	ctx := context.Background()

	admin, err := h.locks.Acquire(ctx, o.ID, "admin-a", 0)
	require.NoError(t, err)

	_, err = h.reconciler.Reconcile(ctx, domain.SourceWebhook, "R-busy", successWebhook("R-busy", 50000))
	require.ErrorIs(t, err, domain.ErrRetryExhausted)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, domain.PaymentPending, h.order(t, o).PaymentStatus)

	require.NoError(t, h.locks.Release(ctx, admin))
	res, err := h.reconciler.Reconcile(ctx, domain.SourceWebhook, "R-busy", successWebhook("R-busy", 50000))
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestReconcileUnknownReference(t *testing.T) {
	h := newHarness(t)
	for _, ref := range []string{"", "  ", "no-such-ref"} {
		res, err := h.reconciler.Reconcile(context.Background(), domain.SourceWebhook, ref, successWebhook(ref, 1))
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
		assert.Equal(t, OutcomeFailed, res.Outcome)
		assert.NotEmpty(t, res.Error)
	}

	_, err := h.reconciler.Reconcile(context.Background(), domain.SourceAdmin, "R1", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReconcileEvidenceForOtherReference(t *testing.T) {
	h := newHarness(t)
	h.placeOrder(t, "R-a", 50000)
	_, err := h.reconciler.Reconcile(context.Background(), domain.SourceWebhook, "R-a", successWebhook("R-b", 50000))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBatchContinuesPastBadReference(t *testing.T) {
	h := newHarness(t)
	refs := []string{"B1", "B2", "%%malformed%%", "B3", "B4"}
	for _, ref := range refs {
		if ref == "%%malformed%%" {
			continue
		}
		h.placeOrder(t, ref, 1000)
		h.gateway.Record(ref, payment.StatusSuccess, 1000)
	}
	_, err := h.reconciler.Reconcile(context.Background(), domain.SourceWebhook, "B2", successWebhook("B2", 1000))
	require.NoError(t, err)

	report, err := h.reconciler.ReconcileBatch(context.Background(), BatchRequest{References: refs})
	require.NoError(t, err)
	require.Len(t, report.Results, 5)
	assert.Equal(t, 5, report.Processed)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.Interrupted)

	outcomes := map[string]Outcome{}
	for _, r := range report.Results {
		outcomes[r.Reference] = r.Outcome
		if r.Reference == "%%malformed%%" {
			assert.ErrorIs(t, r.Err, domain.ErrOrderNotFound)
		} else {
			assert.NoError(t, r.Err)
		}
	}
	assert.Equal(t, map[string]Outcome{
		"B1":            OutcomeApplied,
		"B2":            OutcomeAlreadyReconciled,
		"%%malformed%%": OutcomeFailed,
		"B3":            OutcomeApplied,
		"B4":            OutcomeApplied,
	}, outcomes)
}

func TestBatchExclusionAndLimit(t *testing.T) {
	h := newHarness(t)
	refs := []string{"L1", "L2", "L3", "L4", "L5"}
	for _, ref := range refs {
		h.placeOrder(t, ref, 1000)
		h.gateway.Record(ref, payment.StatusSuccess, 1000)
	}

	report, err := h.reconciler.ReconcileBatch(context.Background(), BatchRequest{
		References: append(refs, "L1"),
		Exclude:    []string{"L2"},
		Limit:      2,
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, "L1", report.Results[0].Reference)
	assert.Equal(t, "L3", report.Results[1].Reference)
	assert.Equal(t, 1, report.Skipped)
}

func TestBatchDiscoversStuckOrders(t *testing.T) {
	h := newHarness(t)
	old := h.placeOrder(t, "S-old", 1000)
	h.gateway.Record("S-old", payment.StatusSuccess, 1000)
	h.placeOrder(t, "", 1000)

	h.clock.Advance(2 * time.Minute)
	fresh := h.placeOrder(t, "S-fresh", 1000)
	h.gateway.Record("S-fresh", payment.StatusSuccess, 1000)

	report, err := h.reconciler.ReconcileBatch(context.Background(), BatchRequest{})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "S-old", report.Results[0].Reference)
	assert.Equal(t, domain.PaymentPaid, h.order(t, old).PaymentStatus)
	assert.Equal(t, domain.PaymentPending, h.order(t, fresh).PaymentStatus)
}

func TestBatchInterruptedBetweenCandidates(t *testing.T) {
	h := newHarness(t)
	for _, ref := range []string{"I1", "I2", "I3"} {
		h.placeOrder(t, ref, 1000)
		h.gateway.Record(ref, payment.StatusSuccess, 1000)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.reconciler.ReconcileBatch(ctx, BatchRequest{References: []string{"I1", "I2", "I3"}})
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Empty(t, report.Results)

	for _, ref := range []string{"I1", "I2", "I3"} {
		o, err := h.store.FindByReference(context.Background(), ref)
		require.NoError(t, err)
		assert.Nil(t, o.Lock)
	}
}
