package repo

import (
	"context"
	"database/sql"
	"order-reconciler/internal/domain"

	"github.com/google/uuid"
)

// EventRepo is the outbox for communication events. Delivery is done by an external worker.
type EventRepo interface {
	Enqueue(ctx context.Context, tx *sql.Tx, event *domain.CommunicationEvent) (bool, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.CommunicationEvent, error)
}

type eventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) EventRepo {
	return &eventRepo{db: db}
}

// Enqueue treats a duplicate dedupe key as success with inserted=false.
func (r *eventRepo) Enqueue(ctx context.Context, tx *sql.Tx, event *domain.CommunicationEvent) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO communication_events (id, order_id, event_type, status, dedupe_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		event.ID,
		event.OrderID,
		event.EventType,
		event.Status,
		event.DedupeKey,
		nullJSON(event.Payload),
		event.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *eventRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.CommunicationEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, event_type, status, dedupe_key, payload, created_at
		FROM communication_events
		WHERE order_id = $1
		ORDER BY created_at, event_type`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.CommunicationEvent
	for rows.Next() {
		var e domain.CommunicationEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.OrderID, &e.EventType, &e.Status, &e.DedupeKey, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}
