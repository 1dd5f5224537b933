package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventStatus string

const (
	EventQueued EventStatus = "queued"
	EventSent   EventStatus = "sent"
	EventFailed EventStatus = "failed"
)

// CommunicationEvent is an outbound notification queued for the notification worker.
type CommunicationEvent struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	EventType string
	Status    EventStatus
	DedupeKey string
	Payload   json.RawMessage
	CreatedAt time.Time
}

func OrderEventType(s OrderStatus) string     { return "order_" + string(s) }
func PaymentEventType(s PaymentStatus) string { return "payment_" + string(s) }

// DedupeKey identifies one logical notification for an order.
func DedupeKey(orderID uuid.UUID, eventType string) string {
	return orderID.String() + ":" + eventType
}

// NewCommunicationEvent builds a queued event with its dedupe key.
func NewCommunicationEvent(o *Order, eventType string, now time.Time) *CommunicationEvent {
	payload, _ := json.Marshal(map[string]any{
		"order_id":       o.ID,
		"order_number":   o.OrderNumber,
		"status":         o.Status,
		"payment_status": o.PaymentStatus,
	})
	return &CommunicationEvent{
		ID:        uuid.New(),
		OrderID:   o.ID,
		EventType: eventType,
		Status:    EventQueued,
		DedupeKey: DedupeKey(o.ID, eventType),
		Payload:   payload,
		CreatedAt: now,
	}
}

// ChangeEvent is a row-level change notification for the orders table.
type ChangeEvent struct {
	OrderID       uuid.UUID     `json:"order_id"`
	Op            string        `json:"op"`
	Status        OrderStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
}
