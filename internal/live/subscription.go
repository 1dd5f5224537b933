package live

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"order-reconciler/internal/domain"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Subscription delivers fresh copies of one order. Delivery is at least once and may repeat.
type Subscription struct {
	n       *Notifier
	orderID uuid.UUID
	fetch   FetchFunc
	cancel  context.CancelFunc
	log     *slog.Logger

	updates   chan *domain.Order
	states    chan StateChange
	reconnect chan struct{}
	done      chan struct{}
	once      sync.Once

	mu    sync.Mutex
	state State
	err   error
}

func (s *Subscription) OrderID() uuid.UUID { return s.orderID }

// Updates yields the latest fetched order. Only the newest undelivered value is kept.
// The channel is closed when the subscription ends.
func (s *Subscription) Updates() <-chan *domain.Order { return s.updates }

// All ranges over updates until ctx is done or the subscription ends.
// Breaking out of the loop unsubscribes.
func (s *Subscription) All(ctx context.Context) iter.Seq[*domain.Order] {
	return func(yield func(*domain.Order) bool) {
		for {
			select {
			case <-ctx.Done():
				s.Unsubscribe()
				return
			case o, ok := <-s.updates:
				if !ok {
					return
				}
				if !yield(o) {
					s.Unsubscribe()
					return
				}
			}
		}
	}
}

// StateChange is a connection state transition. Err is set when reconnecting gave up.
type StateChange struct {
	State State
	Err   error
}

// StateChanges yields connection transitions. Only the newest undelivered one is kept.
func (s *Subscription) StateChanges() <-chan StateChange { return s.states }

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is domain.ErrTransportDisconnected once reconnect attempts are used up,
// and nil again after a successful connect.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the subscription has torn down its transport.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reconnect drops the current connection, resets the backoff and connects again.
// A request made while a connect is already in flight is absorbed by it.
func (s *Subscription) Reconnect() {
	if s.State() == StateConnecting {
		return
	}
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// Unsubscribe stops the subscription and waits for its transport to close.
// It is safe to call more than once and while a connect is in progress.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *Subscription) setState(to State, err error) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.err = err
	s.mu.Unlock()
	if from == to {
		return
	}
	s.log.Debug("live state", "from", from, "to", to)
	change := StateChange{State: to, Err: err}
	select {
	case s.states <- change:
	default:
		select {
		case <-s.states:
		default:
		}
		s.states <- change
	}
	if hook := s.n.opts.OnStateChange; hook != nil {
		hook(s.orderID, from, to)
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer func() {
		s.n.forget(s)
		s.setState(StateDisconnected, nil)
		close(s.updates)
		close(s.done)
	}()

	policy := s.n.opts.Reconnect
	b := policy.NewBackOff()
	failures := 0

	for {
		s.setState(StateConnecting, nil)
		feed, err := s.n.transport.Connect(ctx)
		if ctx.Err() != nil {
			if feed != nil {
				feed.Close()
			}
			return
		}
		if err == nil {
			s.setState(StateConnected, nil)
			up := time.Now()
			err = s.pump(ctx, feed)
			feed.Close()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errReconnectRequested) {
				failures = 0
				b.Reset()
				continue
			}
			// a feed lost before StableAfter counts as a failed attempt
			if time.Since(up) >= s.n.opts.StableAfter {
				failures = 0
				b.Reset()
				s.log.Warn("live feed lost", "error", err)
			} else {
				failures++
				s.log.Warn("live feed lost soon after connecting", "attempt", failures, "error", err)
			}
		} else {
			failures++
			s.log.Warn("live connect failed", "attempt", failures, "error", err)
		}

		if failures >= policy.MaxAttempts {
			s.setState(StateDisconnected, fmt.Errorf("%w after %d attempts: %w", domain.ErrTransportDisconnected, failures, err))
			select {
			case <-ctx.Done():
				return
			case <-s.reconnect:
				failures = 0
				b.Reset()
				continue
			}
		}

		s.setState(StateDisconnected, nil)
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = policy.MaxDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-s.reconnect:
			failures = 0
			b.Reset()
		case <-s.n.after(delay):
		}
	}
}

var errReconnectRequested = errors.New("live: reconnect requested")

// pump filters feed events for this order and re-fetches once per quiet period,
// or after MaxWait when events never stop. It returns when the feed ends,
// a reconnect is requested, or ctx is done.
func (s *Subscription) pump(ctx context.Context, feed Feed) error {
	// a fresh snapshot covers changes missed while disconnected
	debounce := time.After(0)
	var deadline <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.reconnect:
			return errReconnectRequested
		case ev, ok := <-feed.Events():
			if !ok {
				if err := feed.Err(); err != nil {
					return err
				}
				return errors.New("live: feed closed")
			}
			if ev.OrderID != s.orderID {
				continue
			}
			debounce = time.After(s.n.opts.Debounce)
			if deadline == nil {
				deadline = time.After(s.n.opts.MaxWait)
			}
		case <-debounce:
			debounce, deadline = nil, nil
			s.refresh(ctx)
		case <-deadline:
			debounce, deadline = nil, nil
			s.refresh(ctx)
		}
	}
}

func (s *Subscription) refresh(ctx context.Context) {
	o, err := s.n.load(ctx, s)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("live re-fetch failed", "error", err)
		}
		return
	}
	if o == nil {
		return
	}
	select {
	case s.updates <- o:
	default:
		select {
		case <-s.updates:
		default:
		}
		s.updates <- o
	}
}
