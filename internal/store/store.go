// Package store is the relational persistence layer: one pgxpool-backed
// Store implementing every row-level interface the domain packages
// declare (credential rows, blob rows, the typed topology cache,
// baselines, scheduled tasks, users, tunables). Migrations run at
// startup and are idempotent; each domain package receives the Store as
// the narrow interface it defines.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns = 10
	defaultMinConns = 2
	connLifetime    = time.Hour
	connIdleTime    = 30 * time.Minute
	connectTimeout  = 5 * time.Second
)

type Config struct {
	Logger      *slog.Logger
	DatabaseURL string

	// MaxConns caps the pool. Defaults to 10.
	MaxConns int32

	// AdminUsername and AdminPassword seed the bootstrap admin after the
	// migrations when both are set. An existing user is left untouched.
	AdminUsername string
	AdminPassword string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DatabaseURL == "" {
		return errors.New("database URL is required")
	}
	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = defaultMinConns
	poolCfg.MaxConnLifetime = connLifetime
	poolCfg.MaxConnIdleTime = connIdleTime

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{log: cfg.Logger, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if cfg.AdminUsername != "" && cfg.AdminPassword != "" {
		if err := s.EnsureUser(ctx, cfg.AdminUsername, cfg.AdminPassword, true); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to seed admin user: %w", err)
		}
	}
	s.log.Info("database ready", "max_conns", cfg.MaxConns)
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping reports database reachability, for readiness checks.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// nullableTime maps zero times to NULL on the way in.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// timeValue maps NULL back to the zero time on the way out.
func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
