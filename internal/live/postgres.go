package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"order-reconciler/internal/domain"
	"sync"

	"github.com/jackc/pgx/v5"
)

// PostgresTransport listens for the orders trigger's NOTIFY payloads on a dedicated connection.
type PostgresTransport struct {
	dsn     string
	channel string
	log     *slog.Logger
}

func NewPostgresTransport(dsn string, log *slog.Logger) *PostgresTransport {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresTransport{dsn: dsn, channel: Channel, log: log.With("component", "live.postgres")}
}

func (t *PostgresTransport) Connect(ctx context.Context) (Feed, error) {
	conn, err := pgx.Connect(ctx, t.dsn)
	if err != nil {
		return nil, fmt.Errorf("live: connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("live: listen %s: %w", t.channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	f := &pgFeed{
		ch:     make(chan domain.ChangeEvent, feedBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.loop(loopCtx, conn, t.log)
	return f, nil
}

type pgFeed struct {
	ch     chan domain.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (f *pgFeed) loop(ctx context.Context, conn *pgx.Conn, log *slog.Logger) {
	defer close(f.done)
	defer close(f.ch)
	defer conn.Close(context.Background())

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				f.mu.Lock()
				f.err = err
				f.mu.Unlock()
			}
			return
		}
		var ev domain.ChangeEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			log.Warn("bad change payload", "channel", n.Channel, "error", err)
			continue
		}
		select {
		case f.ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (f *pgFeed) Events() <-chan domain.ChangeEvent { return f.ch }

func (f *pgFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *pgFeed) Close() error {
	f.cancel()
	<-f.done
	return nil
}
