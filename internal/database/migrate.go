package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is idempotent; Migrate runs it on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id                UUID PRIMARY KEY,
		order_number      TEXT NOT NULL UNIQUE,
		status            TEXT NOT NULL DEFAULT 'pending',
		payment_status    TEXT NOT NULL DEFAULT 'pending',
		payment_reference TEXT UNIQUE,
		total_amount      BIGINT NOT NULL CHECK (total_amount >= 0),
		paid_at           TIMESTAMPTZ,
		lock_holder       TEXT,
		lock_acquired_at  TIMESTAMPTZ,
		lock_expires_at   TIMESTAMPTZ,
		idempotency_key   TEXT,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT orders_paid_at_matches CHECK ((payment_status = 'paid') = (paid_at IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS orders_stuck_idx ON orders (updated_at)
		WHERE payment_status = 'pending' AND payment_reference IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id                   UUID PRIMARY KEY,
		order_id             UUID NOT NULL REFERENCES orders (id),
		reference            TEXT NOT NULL,
		status               TEXT NOT NULL,
		amount_minor         BIGINT NOT NULL DEFAULT 0,
		paid_at              TIMESTAMPTZ,
		raw_gateway_response JSONB,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (order_id, reference)
	)`,
	`CREATE INDEX IF NOT EXISTS payment_transactions_reference_idx ON payment_transactions (reference)`,
	`CREATE TABLE IF NOT EXISTS communication_events (
		id         UUID PRIMARY KEY,
		order_id   UUID NOT NULL REFERENCES orders (id),
		event_type TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'queued',
		dedupe_key TEXT NOT NULL UNIQUE,
		payload    JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// lock-only updates do not change what subscribers render
	`CREATE OR REPLACE FUNCTION notify_order_change() RETURNS trigger AS $$
	BEGIN
		IF TG_OP = 'UPDATE'
			AND NEW.status IS NOT DISTINCT FROM OLD.status
			AND NEW.payment_status IS NOT DISTINCT FROM OLD.payment_status
			AND NEW.paid_at IS NOT DISTINCT FROM OLD.paid_at THEN
			RETURN NEW;
		END IF;
		PERFORM pg_notify('order_changes', json_build_object(
			'order_id', NEW.id,
			'op', TG_OP,
			'status', NEW.status,
			'payment_status', NEW.payment_status
		)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS orders_notify ON orders`,
	`CREATE TRIGGER orders_notify AFTER INSERT OR UPDATE ON orders
		FOR EACH ROW EXECUTE FUNCTION notify_order_change()`,
}

// Migrate creates the tables and the change trigger in one transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return tx.Commit()
}
