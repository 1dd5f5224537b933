package live

import (
	"context"
	"errors"
	"log/slog"
	"order-reconciler/internal/domain"
	"order-reconciler/internal/retry"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var ErrNotifierClosed = errors.New("live: notifier closed")

// FetchFunc loads the current state of an order.
type FetchFunc func(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)

type Options struct {
	// Debounce coalesces bursts of change events into one re-fetch.
	Debounce time.Duration
	// MaxWait bounds how long a steady stream of events can hold a re-fetch back.
	MaxWait time.Duration
	// FetchTimeout bounds one shared re-fetch.
	FetchTimeout time.Duration
	// Reconnect schedules reconnect delays. MaxAttempts bounds consecutive failed connects;
	// a feed lost before StableAfter counts as one.
	Reconnect   retry.Policy
	StableAfter time.Duration
	// OnStateChange observes every connection state transition. It runs on the
	// subscription's goroutine and must not call Unsubscribe.
	OnStateChange func(orderID uuid.UUID, from, to State)
	Logger        *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Debounce:     250 * time.Millisecond,
		MaxWait:      time.Second,
		FetchTimeout: 10 * time.Second,
		StableAfter:  10 * time.Second,
		Reconnect: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    15 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
	}
}

// Notifier owns the live subscriptions of one process. Close ends all of them.
type Notifier struct {
	transport Transport
	opts      Options
	log       *slog.Logger
	fetches   singleflight.Group
	// after schedules reconnect delays
	after func(time.Duration) <-chan time.Time

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewNotifier(t Transport, opts Options) *Notifier {
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 4 * opts.Debounce
	}
	if opts.MaxWait < opts.Debounce {
		opts.MaxWait = opts.Debounce
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = def.FetchTimeout
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = def.StableAfter
	}
	if opts.Reconnect.BaseDelay <= 0 {
		opts.Reconnect = def.Reconnect
	}
	if opts.Reconnect.MaxAttempts <= 0 {
		opts.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		transport: t,
		opts:      opts,
		log:       log.With("component", "live"),
		after:     time.After,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Subscribe starts watching orderID. The current order is delivered once connected and
// again, debounced, after each change. The subscription ends when ctx is done,
// on Unsubscribe, or on Close.
func (n *Notifier) Subscribe(ctx context.Context, orderID uuid.UUID, fetch FetchFunc) (*Subscription, error) {
	if fetch == nil {
		return nil, errors.New("live: fetch func is required")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrNotifierClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		n:         n,
		orderID:   orderID,
		fetch:     fetch,
		cancel:    cancel,
		updates:   make(chan *domain.Order, 1),
		states:    make(chan StateChange, 1),
		reconnect: make(chan struct{}, 1),
		done:      make(chan struct{}),
		state:     StateDisconnected,
		log:       n.log.With("order_id", orderID),
	}
	n.subs[s] = struct{}{}
	go s.run(subCtx)
	return s, nil
}

func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	subs := make([]*Subscription, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

// Len reports the number of live subscriptions.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func (n *Notifier) forget(s *Subscription) {
	n.mu.Lock()
	delete(n.subs, s)
	n.mu.Unlock()
}

// load shares one in-flight fetch between subscriptions watching the same order.
// The shared fetch outlives any single caller; each caller stops waiting when its own ctx ends.
func (n *Notifier) load(ctx context.Context, s *Subscription) (*domain.Order, error) {
	ch := n.fetches.DoChan(s.orderID.String(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.opts.FetchTimeout)
		defer cancel()
		return s.fetch(fctx, s.orderID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		o, _ := r.Val.(*domain.Order)
		return o.Clone(), nil
	}
}
