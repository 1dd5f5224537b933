package worker

import (
	"context"
	"log/slog"
	"order-reconciler/internal/service"
	"time"
)

// LockSweeper purges expired order locks off the request path.
type LockSweeper struct {
	locks    service.LockManager
	interval time.Duration
	log      *slog.Logger
}

func NewLockSweeper(locks service.LockManager, interval time.Duration, log *slog.Logger) *LockSweeper {
	if log == nil {
		log = slog.Default()
	}
	return &LockSweeper{locks: locks, interval: interval, log: log.With("component", "lock_sweeper")}
}

func (ls *LockSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(ls.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ls.locks.PurgeExpired(ctx); err != nil {
				ls.log.Error("purge expired locks", "error", err)
			}
		}
	}
}
