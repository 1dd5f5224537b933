package live

import (
	"context"
	"errors"
	"order-reconciler/internal/domain"
	"sync"
)

var errHubClosed = errors.New("live: hub closed")

const feedBuffer = 64

// Hub is an in-process Transport. The in-memory store publishes into it after each commit.
type Hub struct {
	mu     sync.Mutex
	feeds  map[*hubFeed]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{feeds: make(map[*hubFeed]struct{})}
}

func (h *Hub) Connect(ctx context.Context) (Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errHubClosed
	}
	f := &hubFeed{hub: h, ch: make(chan domain.ChangeEvent, feedBuffer)}
	h.feeds[f] = struct{}{}
	return f, nil
}

// Publish fans ev out to every open feed. A feed whose buffer is full already has a
// re-fetch pending, so the event is dropped for it.
func (h *Hub) Publish(ev domain.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for f := range h.feeds {
		select {
		case f.ch <- ev:
		default:
		}
	}
}

// Drop ends every open feed with err, as a broken connection would.
func (h *Hub) Drop(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for f := range h.feeds {
		f.end(err)
	}
}

// Close drops all feeds and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.Drop(errHubClosed)
}

// Len reports the number of open feeds.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds)
}

type hubFeed struct {
	hub *Hub
	ch  chan domain.ChangeEvent
	err error
}

// end must be called with hub.mu held.
func (f *hubFeed) end(err error) {
	if _, ok := f.hub.feeds[f]; !ok {
		return
	}
	delete(f.hub.feeds, f)
	f.err = err
	close(f.ch)
}

func (f *hubFeed) Events() <-chan domain.ChangeEvent { return f.ch }

func (f *hubFeed) Err() error {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	return f.err
}

func (f *hubFeed) Close() error {
	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	f.end(nil)
	return nil
}
