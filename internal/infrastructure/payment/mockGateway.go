package payment

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"order-reconciler/internal/domain"
	"sync"
	"time"
)

// MockOptions tunes the simulated network. Percentages are 0-100.
type MockOptions struct {
	Latency        time.Duration
	TimeoutPercent int
	TimeoutDelay   time.Duration
}

// MockGateway keeps payments in memory and can simulate a flaky network,
// including the phantom case where the charge lands but the caller sees a timeout.
type MockGateway struct {
	mu       sync.RWMutex
	payments map[string]Verification
	failNext int
	opts     MockOptions
	log      *slog.Logger
}

func NewMockGateway(opts MockOptions, log *slog.Logger) *MockGateway {
	if log == nil {
		log = slog.Default()
	}
	return &MockGateway{
		payments: make(map[string]Verification),
		opts:     opts,
		log:      log.With("component", "mock_gateway"),
	}
}

// Record stores the gateway-side truth for a reference.
func (g *MockGateway) Record(reference string, status VerificationStatus, amountMinor int64) Verification {
	v := Verification{Reference: reference, Status: status, AmountPaidMinor: amountMinor, Currency: "NGN"}
	if status == StatusSuccess {
		now := time.Now().UTC()
		v.PaidAt = &now
	}
	v.Raw, _ = json.Marshal(map[string]any{"status": true, "data": v})

	g.mu.Lock()
	g.payments[reference] = v
	g.mu.Unlock()
	return v
}

// FailNext makes the next n Verify calls fail with a transient timeout.
func (g *MockGateway) FailNext(n int) {
	g.mu.Lock()
	g.failNext = n
	g.mu.Unlock()
}

func (g *MockGateway) Verify(ctx context.Context, reference string) (*Verification, error) {
	g.mu.Lock()
	forced := g.failNext > 0
	if forced {
		g.failNext--
	}
	g.mu.Unlock()
	if forced {
		return nil, domain.Transient(errors.New("gateway: connection timeout"))
	}

	if err := sleep(ctx, g.opts.Latency); err != nil {
		return nil, err
	}
	if g.opts.TimeoutPercent > 0 && rand.IntN(100) < g.opts.TimeoutPercent {
		if err := sleep(ctx, g.opts.TimeoutDelay); err != nil {
			return nil, err
		}
		g.log.Warn("simulated gateway timeout", "reference", reference)
		return nil, domain.Transient(errors.New("gateway: connection timeout"))
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.payments[reference]
	if !ok {
		return nil, ErrUnknownReference
	}
	return &v, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
