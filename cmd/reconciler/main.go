package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"order-reconciler/internal/config"
	"order-reconciler/internal/database"
	"order-reconciler/internal/infrastructure/payment"
	"order-reconciler/internal/live"
	"order-reconciler/internal/logging"
	"order-reconciler/internal/repo"
	"order-reconciler/internal/retry"
	"order-reconciler/internal/server"
	"order-reconciler/internal/service"
	"order-reconciler/internal/worker"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	port := flag.Int("port", cfg.Port, "http listen port")
	memory := flag.Bool("memory", false, "keep orders in memory instead of postgres")
	flag.Parse()
	cfg.Port = *port

	log := logging.Setup(cfg.LogLevel, cfg.LogJSON, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *memory, log); err != nil {
		log.Error("reconciler stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, memory bool, log *slog.Logger) error {
	var (
		store     repo.Store
		transport live.Transport
		health    func(context.Context) map[string]string
	)
	if memory {
		mem := repo.NewMemoryStore()
		hub := live.NewHub()
		defer hub.Close()
		mem.OnChange(hub.Publish)
		store, transport = mem, hub
		log.Warn("using in-memory store, orders are lost on exit")
	} else {
		dsn := cfg.DB.DSN()
		db, err := database.NewPostgres(ctx, dsn)
		if err != nil {
			return err
		}
		dbs := database.New(db, cfg.DB.Name, log)
		defer dbs.Close()
		if err := database.Migrate(ctx, db); err != nil {
			return err
		}
		store = repo.NewPostgresStore(db)
		transport = live.NewPostgresTransport(dsn, log)
		health = dbs.Health
	}

	var gateway payment.PaymentGateway
	if cfg.Gateway.Mock {
		gateway = payment.NewMockGateway(payment.MockOptions{Latency: 50 * time.Millisecond}, log)
		log.Warn("using mock payment gateway")
	} else {
		gateway = payment.NewHTTPGateway(cfg.Gateway.BaseURL, cfg.Gateway.SecretKey, cfg.Gateway.Timeout)
	}

	retrier := retry.New(retry.Policy{
		MaxAttempts:    cfg.RetryMaxAttempts,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
		Multiplier:     2,
		Jitter:         0.2,
		AttemptTimeout: cfg.RetryAttemptTimeout,
	}, retry.WithLogger(log))

	locks := service.NewLockManager(store.Locks(), cfg.LockTTL, nil, log)
	engine := service.NewTransitionEngine(store, locks, nil, log)
	reconciler := service.NewReconciler(store, engine, gateway, retrier, service.ReconcilerConfig{
		StuckAfter: cfg.ReconcileStuckAfter,
		BatchLimit: cfg.ReconcileBatchLimit,
	}, nil, log)

	notifier := live.NewNotifier(transport, live.Options{
		Debounce: cfg.LiveDebounce,
		Reconnect: retry.Policy{
			MaxAttempts: cfg.LiveMaxReconnects,
			BaseDelay:   cfg.LiveReconnectBase,
			MaxDelay:    cfg.LiveReconnectMax,
			Multiplier:  2,
			Jitter:      0.2,
		},
		Logger: log,
	})
	defer notifier.Close()

	srv := server.New(server.Deps{
		Store:         store,
		Engine:        engine,
		Locks:         locks,
		Reconciler:    reconciler,
		Notifier:      notifier,
		Health:        health,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		CORSOrigins:   cfg.CORSOrigins,
		Logger:        log,
	})
	httpServer := server.NewHTTPServer(fmt.Sprintf(":%d", cfg.Port), srv.Handler())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", httpServer.Addr, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		notifier.Close()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		worker.NewReconciliationWorker(reconciler, cfg.ReconcileInterval, cfg.ReconcileBatchLimit, log).Run(ctx)
		return nil
	})
	g.Go(func() error {
		worker.NewLockSweeper(locks, cfg.LockSweepInterval, log).Run(ctx)
		return nil
	})
	return g.Wait()
}
