package config

import (
	"fmt"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

type Database struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	Schema   string
}

// DSN is the pgx connection string for the configured database.
func (d Database) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Name)
	if d.Schema != "" {
		dsn += "&search_path=" + d.Schema
	}
	return dsn
}

type Gateway struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Mock          bool
	Timeout       time.Duration
}

type Config struct {
	Env      string
	Port     int
	LogLevel string
	LogJSON  bool

	DB      Database
	Gateway Gateway

	LockTTL           time.Duration
	LockSweepInterval time.Duration

	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	RetryAttemptTimeout time.Duration

	ReconcileInterval   time.Duration
	ReconcileStuckAfter time.Duration
	ReconcileBatchLimit int

	LiveDebounce      time.Duration
	LiveReconnectBase time.Duration
	LiveReconnectMax  time.Duration
	LiveMaxReconnects int

	CORSOrigins []string
}

func Default() Config {
	return Config{
		Env:      "dev",
		Port:     8080,
		LogLevel: "info",
		DB: Database{
			Host: "localhost",
			Port: "5432",
			Name: "orders",
			User: "postgres",
		},
		Gateway: Gateway{
			BaseURL: "https://api.paystack.co",
			Mock:    true,
			Timeout: 10 * time.Second,
		},
		LockTTL:             30 * time.Second,
		LockSweepInterval:   15 * time.Second,
		RetryMaxAttempts:    5,
		RetryBaseDelay:      200 * time.Millisecond,
		RetryMaxDelay:       5 * time.Second,
		RetryAttemptTimeout: 10 * time.Second,
		ReconcileInterval:   time.Minute,
		ReconcileStuckAfter: 5 * time.Minute,
		ReconcileBatchLimit: 50,
		LiveDebounce:        250 * time.Millisecond,
		LiveReconnectBase:   500 * time.Millisecond,
		LiveReconnectMax:    15 * time.Second,
		LiveMaxReconnects:   5,
		CORSOrigins:         []string{"http://localhost:5173"},
	}
}

// Load layers the environment over Default. A value that is set but unparsable is an error.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	return fromViper(Default(), v)
}

// parser reads typed keys from v, collecting every bad value instead of stopping at the first.
type parser struct {
	v    *viper.Viper
	errs []string
}

// raw returns the key's value when it is set and non-empty.
func (p *parser) raw(key string) (any, bool) {
	if !p.v.IsSet(key) {
		return nil, false
	}
	val := p.v.Get(key)
	if s, ok := val.(string); ok && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return val, true
}

func (p *parser) str(key string, dst *string) {
	if _, ok := p.raw(key); ok {
		*dst = p.v.GetString(key)
	}
}

func (p *parser) integer(key string, dst *int, floor int) {
	val, ok := p.raw(key)
	if !ok {
		return
	}
	n, err := cast.ToIntE(val)
	if err != nil || n < floor {
		p.errs = append(p.errs, fmt.Sprintf("%s=%q: want an integer >= %d", key, fmt.Sprint(val), floor))
		return
	}
	*dst = n
}

func (p *parser) boolean(key string, dst *bool) {
	val, ok := p.raw(key)
	if !ok {
		return
	}
	b, err := cast.ToBoolE(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s=%q: want a boolean", key, fmt.Sprint(val)))
		return
	}
	*dst = b
}

func (p *parser) duration(key string, dst *time.Duration) {
	val, ok := p.raw(key)
	if !ok {
		return
	}
	d, err := cast.ToDurationE(val)
	if err != nil || d <= 0 {
		p.errs = append(p.errs, fmt.Sprintf("%s=%q: want a positive duration", key, fmt.Sprint(val)))
		return
	}
	*dst = d
}

func fromViper(c Config, v *viper.Viper) (Config, error) {
	p := &parser{v: v}

	p.str("APP_ENV", &c.Env)
	p.integer("APP_PORT", &c.Port, 1)
	p.str("LOG_LEVEL", &c.LogLevel)
	p.boolean("LOG_JSON", &c.LogJSON)

	p.str("BLUEPRINT_DB_HOST", &c.DB.Host)
	p.str("BLUEPRINT_DB_PORT", &c.DB.Port)
	p.str("BLUEPRINT_DB_DATABASE", &c.DB.Name)
	p.str("BLUEPRINT_DB_USERNAME", &c.DB.User)
	p.str("BLUEPRINT_DB_PASSWORD", &c.DB.Password)
	p.str("BLUEPRINT_DB_SCHEMA", &c.DB.Schema)

	p.str("GATEWAY_BASE_URL", &c.Gateway.BaseURL)
	p.str("GATEWAY_SECRET_KEY", &c.Gateway.SecretKey)
	p.str("GATEWAY_WEBHOOK_SECRET", &c.Gateway.WebhookSecret)
	p.boolean("GATEWAY_MOCK", &c.Gateway.Mock)

	p.duration("LOCK_TTL", &c.LockTTL)
	p.duration("LOCK_SWEEP_INTERVAL", &c.LockSweepInterval)

	p.integer("RETRY_MAX_ATTEMPTS", &c.RetryMaxAttempts, 1)
	p.duration("RETRY_BASE_DELAY", &c.RetryBaseDelay)
	p.duration("RETRY_MAX_DELAY", &c.RetryMaxDelay)
	p.duration("RETRY_ATTEMPT_TIMEOUT", &c.RetryAttemptTimeout)

	p.duration("RECONCILE_INTERVAL", &c.ReconcileInterval)
	p.duration("RECONCILE_STUCK_AFTER", &c.ReconcileStuckAfter)
	p.integer("RECONCILE_BATCH_LIMIT", &c.ReconcileBatchLimit, 1)

	p.duration("LIVE_DEBOUNCE", &c.LiveDebounce)
	p.duration("LIVE_RECONNECT_BASE", &c.LiveReconnectBase)
	p.duration("LIVE_RECONNECT_MAX", &c.LiveReconnectMax)
	p.integer("LIVE_MAX_RECONNECTS", &c.LiveMaxReconnects, 1)

	if _, ok := p.raw("CORS_ORIGINS"); ok {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v.GetString("CORS_ORIGINS"), ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	if c.RetryMaxDelay < c.RetryBaseDelay {
		p.errs = append(p.errs, "RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY")
	}
	if c.LiveReconnectMax < c.LiveReconnectBase {
		p.errs = append(p.errs, "LIVE_RECONNECT_MAX must not be below LIVE_RECONNECT_BASE")
	}
	if !c.Gateway.Mock && c.Gateway.SecretKey == "" {
		p.errs = append(p.errs, "GATEWAY_SECRET_KEY is required unless GATEWAY_MOCK is set")
	}
	// an unsigned webhook would be trusted as payment evidence
	if !c.Gateway.Mock && c.Gateway.WebhookSecret == "" {
		p.errs = append(p.errs, "GATEWAY_WEBHOOK_SECRET is required unless GATEWAY_MOCK is set")
	}

	if len(p.errs) > 0 {
		return c, fmt.Errorf("config: %s", strings.Join(p.errs, "; "))
	}
	return c, nil
}
