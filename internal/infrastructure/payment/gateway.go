package payment

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnknownReference is returned when the gateway has no transaction for a reference.
var ErrUnknownReference = errors.New("gateway has no transaction for reference")

type VerificationStatus string

const (
	StatusSuccess   VerificationStatus = "success"
	StatusFailed    VerificationStatus = "failed"
	StatusAbandoned VerificationStatus = "abandoned"
	StatusReversed  VerificationStatus = "reversed"
	StatusPending   VerificationStatus = "pending"
	StatusOngoing   VerificationStatus = "ongoing"
)

// Settled reports whether the gateway has reached a final answer for the payment.
func (s VerificationStatus) Settled() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusAbandoned, StatusReversed:
		return true
	}
	return false
}

// Verification is the gateway's view of one payment reference. Webhooks and
// verify calls produce the same shape.
type Verification struct {
	Reference       string             `json:"reference"`
	Status          VerificationStatus `json:"status"`
	AmountPaidMinor int64              `json:"amount"`
	Currency        string             `json:"currency,omitempty"`
	PaidAt          *time.Time         `json:"paid_at,omitempty"`
	Raw             json.RawMessage    `json:"-"`
}

type PaymentGateway interface {
	Verify(ctx context.Context, reference string) (*Verification, error)
}
