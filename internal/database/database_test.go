package database_test

import (
	"context"
	"order-reconciler/internal/database"
	"order-reconciler/internal/testutil"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateAndHealth(t *testing.T) {
	db, _ := testutil.Postgres(t)
	ctx := context.Background()

	// second run over an existing schema
	require.NoError(t, database.Migrate(ctx, db))

	svc := database.New(db, "orders", nil)
	health := svc.Health(ctx)
	assert.Equal(t, "up", health["status"])
	assert.Equal(t, "orders", health["database"])
	assert.NotEmpty(t, health["open_connections"])

	_, err := db.ExecContext(ctx,
		`INSERT INTO orders (id, order_number, payment_status, total_amount) VALUES ($1, 'ORD-X', 'paid', 100)`,
		uuid.New())
	assert.Error(t, err, "paid without paid_at must violate the check")

	require.NoError(t, svc.Close())
	health = svc.Health(ctx)
	assert.Equal(t, "down", health["status"])
	assert.NotEmpty(t, health["error"])
}
