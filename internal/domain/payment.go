package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// PaymentTransaction records one verified payment attempt against a gateway reference.
// Once Completed the row is never rewritten.
type PaymentTransaction struct {
	ID                 uuid.UUID
	OrderID            uuid.UUID
	Reference          string
	Status             TransactionStatus
	AmountMinor        int64
	PaidAt             *time.Time
	RawGatewayResponse json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IdempotencyKey derives the reconciliation key for a gateway reference.
func IdempotencyKey(reference string) string {
	return "pay:" + reference
}
