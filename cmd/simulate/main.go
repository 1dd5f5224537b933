package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"order-reconciler/internal/domain"
	"order-reconciler/internal/infrastructure/payment"
	"order-reconciler/internal/live"
	"order-reconciler/internal/logging"
	"order-reconciler/internal/repo"
	"order-reconciler/internal/retry"
	"order-reconciler/internal/service"
	"order-reconciler/internal/worker"
	"os"
	"sync"
	"time"
)

// simulate drives the reconciler against a flaky in-memory gateway: charges land while
// the caller times out, webhooks arrive late, twice or never, and admins race for locks.
func main() {
	orders := flag.Int("orders", 20, "number of orders to place")
	timeouts := flag.Int("timeout-percent", 30, "share of gateway calls that time out")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := logging.Setup(*level, false, os.Stderr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := simulate(ctx, *orders, *timeouts, log); err != nil {
		log.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func simulate(ctx context.Context, n, timeoutPercent int, log *slog.Logger) error {
	store := repo.NewMemoryStore()
	hub := live.NewHub()
	defer hub.Close()
	store.OnChange(hub.Publish)

	gateway := payment.NewMockGateway(payment.MockOptions{
		Latency:        20 * time.Millisecond,
		TimeoutPercent: timeoutPercent,
		TimeoutDelay:   50 * time.Millisecond,
	}, log)
	retrier := retry.New(retry.Policy{
		MaxAttempts: 4,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0.2,
	}, retry.WithLogger(log))
	locks := service.NewLockManager(store.Locks(), 2*time.Second, nil, log)
	engine := service.NewTransitionEngine(store, locks, nil, log)
	reconciler := service.NewReconciler(store, engine, gateway, retrier, service.ReconcilerConfig{
		StuckAfter: time.Millisecond,
		BatchLimit: n,
	}, nil, log)
	notifier := live.NewNotifier(hub, live.Options{Debounce: 50 * time.Millisecond, Logger: log})
	defer notifier.Close()

	placed := make([]*domain.Order, 0, n)
	for i := range n {
		o := domain.NewOrder(fmt.Sprintf("ORD-%05d", i+1), fmt.Sprintf("ref_%05d", i+1), int64(1000+rand.IntN(9000))*100, time.Now())
		if err := store.CreateOrder(ctx, o); err != nil {
			return err
		}
		placed = append(placed, o)
	}

	watched := placed[0]
	sub, err := notifier.Subscribe(ctx, watched.ID, store.FindById)
	if err != nil {
		return err
	}
	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		for o := range sub.All(ctx) {
			log.Info("live update", "order", o.OrderNumber, "status", o.Status, "payment_status", o.PaymentStatus)
		}
	}()

	fmt.Printf("--- checkout: %d orders, %d%% gateway timeouts ---\n", n, timeoutPercent)
	var wg sync.WaitGroup
	for i, o := range placed {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkout(ctx, i, o, gateway, reconciler, engine, log)
		}()
	}
	wg.Wait()

	fmt.Println("--- batch sweep over whatever is still pending ---")
	swept, err := worker.NewReconciliationWorker(reconciler, time.Second, n, log).Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("sweep: processed=%d failed=%d skipped=%d\n", swept.Processed, swept.Failed, swept.Skipped)

	sub.Unsubscribe()
	watch.Wait()
	return summarize(ctx, store, placed)
}

// checkout plays out one order's payment story. The charge always lands at the gateway
// unless the customer abandons it; what the shop hears about it varies.
func checkout(
	ctx context.Context,
	i int,
	o *domain.Order,
	gateway *payment.MockGateway,
	reconciler service.Reconciler,
	engine service.TransitionEngine,
	log *slog.Logger,
) {
	ref := o.PaymentReference
	switch i % 5 {
	case 0:
		// webhook delivered twice, concurrently with a manual verify
		v := gateway.Record(ref, payment.StatusSuccess, o.TotalAmount)
		var wg sync.WaitGroup
		for _, src := range []domain.Source{domain.SourceWebhook, domain.SourceWebhook, domain.SourceManual} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var ev *payment.Verification
				if src == domain.SourceWebhook {
					ev = &v
				}
				report(ctx, log, o, reconciler, src, ev)
			}()
		}
		wg.Wait()
	case 1:
		// admin cancels the order while the payment webhook is in flight
		v := gateway.Record(ref, payment.StatusSuccess, o.TotalAmount)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Apply(ctx, service.TransitionRequest{
				OrderID: o.ID,
				Status:  domain.OrderCancelled,
				Actor:   "admin-" + o.OrderNumber,
				Evidence: domain.Evidence{
					Source: domain.SourceAdmin,
					Note:   "customer asked to cancel",
				},
			})
			if err != nil && !errors.Is(err, domain.ErrConflict) {
				log.Warn("admin cancel rejected", "order", o.OrderNumber, "error", err)
			}
		}()
		report(ctx, log, o, reconciler, domain.SourceWebhook, &v)
		wg.Wait()
	case 2:
		// webhook lost; only the sweep will find it
		gateway.Record(ref, payment.StatusSuccess, o.TotalAmount)
	case 3:
		// customer abandoned checkout
		gateway.Record(ref, payment.StatusAbandoned, 0)
		report(ctx, log, o, reconciler, domain.SourceManual, nil)
	case 4:
		// tampered webhook claiming a smaller amount
		v := gateway.Record(ref, payment.StatusSuccess, o.TotalAmount/10)
		report(ctx, log, o, reconciler, domain.SourceWebhook, &v)
	}
}

func report(ctx context.Context, log *slog.Logger, o *domain.Order, reconciler service.Reconciler, src domain.Source, ev *payment.Verification) {
	res, err := reconciler.Reconcile(ctx, src, o.PaymentReference, ev)
	attrs := []any{"order", o.OrderNumber, "source", src, "outcome", res.Outcome}
	if err != nil {
		log.Warn("reconcile", append(attrs, "error", err)...)
		return
	}
	log.Info("reconcile", attrs...)
}

func summarize(ctx context.Context, store repo.Store, placed []*domain.Order) error {
	counts := map[string]int{}
	phantom := 0
	for _, p := range placed {
		o, err := store.FindById(ctx, p.ID)
		if err != nil {
			return err
		}
		counts[fmt.Sprintf("%s/%s", o.Status, o.PaymentStatus)]++
		txns, err := store.ListTransactions(ctx, o.ID)
		if err != nil {
			return err
		}
		if len(txns) > 1 {
			phantom++
		}
	}
	fmt.Println("--- final state ---")
	for k, v := range counts {
		fmt.Printf("%-28s %d\n", k, v)
	}
	fmt.Printf("orders with duplicate transactions: %d\n", phantom)
	if phantom > 0 {
		return errors.New("duplicate payment transactions recorded")
	}
	return nil
}
