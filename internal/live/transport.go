// Package live keeps subscribers' view of an order fresh from the orders change stream.
package live

import (
	"context"
	"order-reconciler/internal/domain"
)

// Channel is the NOTIFY channel the orders trigger publishes on.
const Channel = "order_changes"

// Feed is one open connection to the change stream. Events is closed when the
// connection ends; Err then reports why, or nil after Close.
type Feed interface {
	Events() <-chan domain.ChangeEvent
	Err() error
	Close() error
}

// Transport opens feeds. Connect must return promptly once ctx is cancelled.
type Transport interface {
	Connect(ctx context.Context) (Feed, error)
}

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)
