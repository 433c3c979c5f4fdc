// Package db is the PostgreSQL implementation of the engine's stores: the
// signal graph, detected rings and clusters, moderation cases, enforcement
// actions with their trust flags, and read adapters over the platform's
// profile, messaging and KYC tables.
//
// Every mutation is a single statement or a single transaction, so the
// per-record atomicity callers rely on comes from PostgreSQL itself.
package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/pkg/models"
)

// schemaSQL is compiled into the binary so `ringwatch migrate` works from a
// bare runtime image.
//
//go:embed schema.sql
var schemaSQL string

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Store is the PostgreSQL-backed store.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New wraps an existing pool and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Connect builds a pgx pool from config and returns a ready Store.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.log.Info("Connected to PostgreSQL", zap.Int32("max_conns", poolCfg.MaxConns))
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the pool is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify(err, "ping database")
	}
	return nil
}

// SetClock overrides the timestamp source for writes.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// InitSchema applies the embedded DDL.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.log.Info("Schema initialized")
	return nil
}

// withTx runs fn inside a transaction. The deferred rollback is a no-op
// after a successful commit.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err, "begin transaction")
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err, "commit transaction")
	}
	return nil
}

// classify wraps a driver error with the matching sentinel:
// no rows → ErrNotFound, unique violation → ErrConflict, check or
// data-exception → ErrValidation, connection-class and serialization
// failures → ErrTransient. Other SQL errors stay permanent.
func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, models.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w: %s", msg, models.ErrConflict, pgErr.ConstraintName)
		case pgErr.Code == "23514" || pgErr.Code == "23502" || len(pgErr.Code) == 5 && pgErr.Code[:2] == "22":
			return fmt.Errorf("%s: %w: %w", msg, models.ErrValidation, err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01" || len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57"):
			return fmt.Errorf("%s: %w: %w", msg, models.ErrTransient, err)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}

	// No server response at all: network, pool exhaustion, timeouts.
	return fmt.Errorf("%s: %w: %w", msg, models.ErrTransient, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}

// limitArg turns a non-positive limit into SQL NULL, which LIMIT treats as
// unbounded.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
