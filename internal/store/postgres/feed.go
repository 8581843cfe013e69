package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/store"
	"github.com/spigell/cv-matcher/internal/utils"
)

const (
	feedBuffer       = 64
	reconnectBase    = 500 * time.Millisecond
	reconnectMaxWait = 30 * time.Second
)

// Feed streams trigger notifications. Every subscription holds its own
// connection. After a reconnect a resync event is emitted because
// notifications sent while disconnected are lost.
type Feed struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func newFeed(pool *pgxpool.Pool, log *zap.Logger) *Feed {
	return &Feed{pool: pool, logger: log.Named("feed")}
}

func (f *Feed) Subscribe(ctx context.Context, filter store.Filter) (<-chan store.ChangeEvent, func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	conn, err := f.listen(ctx)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan store.ChangeEvent, feedBuffer)
	go f.loop(ctx, conn, filter, out)
	return out, cancel, nil
}

func (f *Feed) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, wrap("postgres.Feed.Subscribe", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, wrap("postgres.Feed.Subscribe", err)
	}
	return conn, nil
}

func (f *Feed) loop(ctx context.Context, conn *pgxpool.Conn, filter store.Filter, out chan<- store.ChangeEvent) {
	defer close(out)
	defer func() {
		if conn != nil {
			conn.Release()
		}
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("listen connection lost", zap.Error(err))
			conn.Release()
			if conn = f.reconnect(ctx); conn == nil {
				return
			}
			if !send(ctx, out, store.ChangeEvent{Op: store.OpResync, RecipientID: filter.RecipientID}) {
				return
			}
			continue
		}

		ev, err := DecodeEvent(n.Payload)
		if err != nil {
			f.logger.Warn("bad change notification", zap.Error(err), zap.String("payload", n.Payload))
			continue
		}
		if !filter.Match(ev) {
			continue
		}
		if !send(ctx, out, ev) {
			return
		}
	}
}

func (f *Feed) reconnect(ctx context.Context) *pgxpool.Conn {
	for attempt := 1; ; attempt++ {
		if err := utils.WaitFor(ctx, utils.Backoff(attempt, reconnectBase, reconnectMaxWait)); err != nil {
			return nil
		}
		conn, err := f.listen(ctx)
		if err == nil {
			f.logger.Info("listen connection restored", zap.Int("attempt", attempt))
			return conn
		}
		f.logger.Warn("listen reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func send(ctx context.Context, out chan<- store.ChangeEvent, ev store.ChangeEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// DecodeEvent parses a trigger payload.
func DecodeEvent(payload string) (store.ChangeEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return store.ChangeEvent{}, fmt.Errorf("decode notification: %w", err)
	}

	var ev store.ChangeEvent
	if err := mapstructure.Decode(raw, &ev); err != nil {
		return store.ChangeEvent{}, fmt.Errorf("decode notification: %w", err)
	}
	if ev.Table == "" || ev.Op == "" {
		return store.ChangeEvent{}, fmt.Errorf("decode notification: missing table or op in %q", payload)
	}
	return ev, nil
}
