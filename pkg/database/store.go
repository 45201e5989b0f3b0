// Package database provides typed PostgreSQL access for the memory engine:
// a pgx connection pool, embedded schema migrations, per-statement
// timeouts, and safe composition of timeframe/metadata/vector filters.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql (migrations)
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/agentstack/htm/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// MaxIndexedDim is the vector column width. Embeddings shorter than this
// are right-padded with zeros before storage and search so one ANN index
// serves every configured model dimension.
const MaxIndexedDim = 1536

// ErrQueryTimeout is returned when a statement exceeds its deadline.
var ErrQueryTimeout = errors.New("query timeout")

// Store owns the connection pool and the statement deadline policy.
type Store struct {
	pool         *pgxpool.Pool
	connString   string
	queryTimeout time.Duration
}

// New connects, runs pending migrations, and returns a ready store.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	connString := ConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize)
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(connString); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		pool:         pool,
		connString:   connString,
		queryTimeout: cfg.QueryTimeout(),
	}, nil
}

// ConnString assembles a pgx-compatible connection string. An explicit URL
// wins over the discrete fields.
func ConnString(cfg config.DatabaseConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port, cfg.Name,
	)
}

// Pool returns the underlying pool for query execution.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// ConnString returns the connection string, used by components that need a
// dedicated non-pooled connection (the LISTEN listener).
func (s *Store) ConnString() string { return s.connString }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// StatementContext derives a context carrying the per-statement deadline.
// The caller must invoke cancel once the statement (including row
// iteration) is finished.
func (s *Store) StatementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// MapError normalises driver errors: statement deadline overruns become
// ErrQueryTimeout, everything else passes through unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrQueryTimeout, err)
	}
	return err
}

// WithTx runs fn inside a transaction with the statement deadline applied,
// committing on nil and rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	txCtx, cancel := s.StatementContext(ctx)
	defer cancel()

	tx, err := s.pool.Begin(txCtx)
	if err != nil {
		return MapError(err)
	}
	defer func() { _ = tx.Rollback(txCtx) }()

	if err := fn(txCtx, tx); err != nil {
		return MapError(err)
	}
	return MapError(tx.Commit(txCtx))
}

// runMigrations applies the embedded SQL migrations through a short-lived
// database/sql connection. Migration files are embedded into the binary so
// production deployments need no external files.
func runMigrations(connString string) error {
	db, err := stdsql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "htm", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the source driver: m.Close() would also close the shared
	// *sql.DB through the database driver, which is fine here (we own it),
	// but keeping the teardown explicit avoids double-close surprises.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// HealthStatus reports pool connectivity and utilisation.
type HealthStatus struct {
	Status       string        `json:"status"`
	ResponseTime time.Duration `json:"response_time_ms"`
	TotalConns   int32         `json:"total_conns"`
	IdleConns    int32         `json:"idle_conns"`
	AcquiredConn int32         `json:"acquired_conns"`
	MaxConns     int32         `json:"max_conns"`
}

// Health pings the database and snapshots pool statistics.
func (s *Store) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := s.pool.Ping(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start),
		}, err
	}
	stat := s.pool.Stat()
	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start),
		TotalConns:   stat.TotalConns(),
		IdleConns:    stat.IdleConns(),
		AcquiredConn: stat.AcquiredConns(),
		MaxConns:     stat.MaxConns(),
	}, nil
}
