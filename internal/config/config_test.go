package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) *viper.Viper {
	v := viper.New()
	for k, val := range m {
		v.Set(k, val)
	}
	return v
}

func TestDefaultsWithEmptyEnv(t *testing.T) {
	c, err := fromViper(Default(), envOf(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, 30*time.Second, c.LockTTL)
	assert.Equal(t, 5, c.RetryMaxAttempts)
}

func TestEnvOverrides(t *testing.T) {
	c, err := fromViper(Default(), envOf(map[string]string{
		"APP_PORT":               "9090",
		"LOG_JSON":               "true",
		"LOCK_TTL":               "45s",
		"RETRY_MAX_ATTEMPTS":     "3",
		"RECONCILE_BATCH_LIMIT":  "10",
		"GATEWAY_MOCK":           "false",
		"GATEWAY_SECRET_KEY":     "sk_test",
		"GATEWAY_WEBHOOK_SECRET": "whsec_test",
		"CORS_ORIGINS":           "https://admin.example.com, http://localhost:3000,",
		"BLUEPRINT_DB_HOST":      "db",
		"BLUEPRINT_DB_SCHEMA":    "shop",
	}))
	require.NoError(t, err)
	assert.Equal(t, 9090, c.Port)
	assert.True(t, c.LogJSON)
	assert.Equal(t, 45*time.Second, c.LockTTL)
	assert.Equal(t, 3, c.RetryMaxAttempts)
	assert.Equal(t, 10, c.ReconcileBatchLimit)
	assert.False(t, c.Gateway.Mock)
	assert.Equal(t, []string{"https://admin.example.com", "http://localhost:3000"}, c.CORSOrigins)
	assert.Equal(t, "postgres://postgres:@db:5432/orders?sslmode=disable&search_path=shop", c.DB.DSN())
}

func TestInvalidValuesAreErrors(t *testing.T) {
	_, err := fromViper(Default(), envOf(map[string]string{
		"APP_PORT":           "http",
		"LOCK_TTL":           "-1s",
		"RETRY_MAX_ATTEMPTS": "0",
		"LOG_JSON":           "maybe",
	}))
	require.Error(t, err)
	for _, key := range []string{"APP_PORT", "LOCK_TTL", "RETRY_MAX_ATTEMPTS", "LOG_JSON"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestRealGatewayNeedsSecret(t *testing.T) {
	_, err := fromViper(Default(), envOf(map[string]string{"GATEWAY_MOCK": "0"}))
	assert.ErrorContains(t, err, "GATEWAY_SECRET_KEY")

	assert.ErrorContains(t, err, "GATEWAY_WEBHOOK_SECRET")

	_, err = fromViper(Default(), envOf(map[string]string{"GATEWAY_MOCK": "false", "GATEWAY_SECRET_KEY": "sk_live"}))
	assert.ErrorContains(t, err, "GATEWAY_WEBHOOK_SECRET")
	assert.NotContains(t, err.Error(), "GATEWAY_SECRET_KEY is required")

	_, err = fromViper(Default(), envOf(map[string]string{"RETRY_BASE_DELAY": "10s"}))
	assert.ErrorContains(t, err, "RETRY_MAX_DELAY")
}

func TestLoadReadsProcessEnv(t *testing.T) {
	t.Setenv("APP_PORT", "7070")
	t.Setenv("LIVE_DEBOUNCE", "1s")
	t.Setenv("LOG_LEVEL", "")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, c.Port)
	assert.Equal(t, time.Second, c.LiveDebounce)
	assert.Equal(t, "info", c.LogLevel)
}
