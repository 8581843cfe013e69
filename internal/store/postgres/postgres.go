// Package postgres implements the store collaborators on PostgreSQL with
// pgvector for job embeddings and LISTEN/NOTIFY for the change feed.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/store"
	"github.com/spigell/cv-matcher/internal/store/postgres/migrations"
)

// Channel is the NOTIFY channel written by the change triggers.
const Channel = "cvm_changes"

// Config holds pool settings.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max-conns"`
	MinConns        int32         `mapstructure:"min-conns"`
	MaxConnLifetime time.Duration `mapstructure:"max-conn-lifetime"`
	// SimpleProtocol disables prepared statements for transaction poolers.
	SimpleProtocol bool `mapstructure:"simple-protocol"`
}

// dbtx is satisfied by both the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store is the PostgreSQL store.
type Store struct {
	pool   *pgxpool.Pool
	db     dbtx
	inTx   bool
	feed   *Feed
	logger *zap.Logger
}

// Open connects to the database and pings it.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.SimpleProtocol {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.E("postgres.Open", apperr.ErrStoreUnavailable, fmt.Errorf("database unreachable: %w", err))
	}

	log = logger.Named(log, "postgres")
	return &Store{
		pool:   pool,
		db:     pool,
		feed:   newFeed(pool, log),
		logger: log,
	}, nil
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	s.logger.Info("migrations applied")
	return nil
}

func (s *Store) Applications() store.Applications { return applications{s.db} }
func (s *Store) Messages() store.Messages         { return messages{s.db} }
func (s *Store) Jobs() store.Jobs                 { return jobs{s.db} }
func (s *Store) Candidates() store.Candidates     { return candidates{s.db} }
func (s *Store) Feed() store.Feed                 { return s.feed }

func (s *Store) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.db.QueryRow(ctx, "SELECT now()").Scan(&now); err != nil {
		return time.Time{}, wrap("postgres.Now", err)
	}
	return now.UTC(), nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("postgres.WithinTx", err)
	}
	defer func() {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
	}()

	if err := fn(ctx, &Store{pool: s.pool, db: tx, inTx: true, feed: s.feed, logger: s.logger}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrap("postgres.WithinTx", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// wrap classifies driver errors into the shared taxonomy.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var kindErr *apperr.Error
	if errors.As(err, &kindErr) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.E(op, apperr.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apperr.E(op, apperr.ErrAlreadyExists, err)
		case "23502", "23503", "23514", "22P02":
			return apperr.E(op, apperr.ErrInvalidInput, err)
		case "40001", "40P01", "57P01":
			return apperr.E(op, apperr.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperr.E(op, apperr.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func notFound(op, kind, id string) error {
	return apperr.E(op, apperr.ErrNotFound, fmt.Errorf("%s %q", kind, id))
}
