package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const maxOpenConns = 25

// Service represents a service that interacts with a database.
type Service interface {
	// Health returns a map of health status information.
	Health(ctx context.Context) map[string]string

	DB() *sql.DB

	// Close terminates the database connection.
	Close() error
}

type service struct {
	db   *sql.DB
	name string
	log  *slog.Logger
}

// NewPostgres opens a pgx-backed pool for dsn and checks it answers.
func NewPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func New(db *sql.DB, name string, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{db: db, name: name, log: log.With("component", "database")}
}

func (s *service) DB() *sql.DB { return s.db }

// Health pings the database and reports pool statistics. "message" carries the
// most pressing pool warning, if any.
func (s *service) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.log.Error("database unreachable", "database", s.name, "error", err)
		return map[string]string{"status": "down", "database": s.name, "error": err.Error()}
	}

	st := s.db.Stats()
	report := map[string]string{
		"status":              "up",
		"database":            s.name,
		"message":             "healthy",
		"open_connections":    strconv.Itoa(st.OpenConnections),
		"in_use":              strconv.Itoa(st.InUse),
		"idle":                strconv.Itoa(st.Idle),
		"wait_count":          strconv.FormatInt(st.WaitCount, 10),
		"wait_duration":       st.WaitDuration.String(),
		"max_idle_closed":     strconv.FormatInt(st.MaxIdleClosed, 10),
		"max_lifetime_closed": strconv.FormatInt(st.MaxLifetimeClosed, 10),
	}
	half := int64(st.OpenConnections) / 2
	switch {
	case st.MaxLifetimeClosed > half:
		report["message"] = "connections are recycled by max lifetime faster than they are used"
	case st.MaxIdleClosed > half:
		report["message"] = "idle connections are closed often, pool idle size may be too small"
	case st.WaitCount > 1000:
		report["message"] = "callers are waiting for connections"
	case st.OpenConnections > maxOpenConns*4/5:
		report["message"] = "pool is near its connection limit"
	}
	return report
}

func (s *service) Close() error {
	s.log.Info("disconnected from database", "database", s.name)
	return s.db.Close()
}
