package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Lock is a short-lived exclusivity token on an order.
type Lock struct {
	OrderID    uuid.UUID
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Active reports whether the lock is still in force at now.
func (l *Lock) Active(now time.Time) bool {
	return l != nil && l.Holder != "" && now.Before(l.ExpiresAt)
}

// Remaining is the time left before expiry, zero when expired.
func (l *Lock) Remaining(now time.Time) time.Duration {
	if !l.Active(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// LockStatus is the read-only view of an order's lock for display.
type LockStatus struct {
	OrderID          uuid.UUID  `json:"order_id"`
	Locked           bool       `json:"locked"`
	Holder           string     `json:"holder,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	SecondsRemaining int        `json:"seconds_remaining"`
}

// StatusOf computes the lock view at now. Expired locks read as absent.
func StatusOf(orderID uuid.UUID, l *Lock, now time.Time) LockStatus {
	st := LockStatus{OrderID: orderID}
	if !l.Active(now) {
		return st
	}
	exp := l.ExpiresAt
	st.Locked = true
	st.Holder = l.Holder
	st.ExpiresAt = &exp
	st.SecondsRemaining = ceilSeconds(l.Remaining(now))
	return st
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
