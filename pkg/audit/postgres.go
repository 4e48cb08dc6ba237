package audit

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresSink implements Sink on a PostgreSQL table. Append order is the
// table's serial column.
type PostgresSink struct {
	pool   *pgxpool.Pool
	mu     sync.RWMutex
	closed bool
}

// PostgresConfig configures the Postgres sink.
type PostgresConfig struct {
	// DSN is a postgres:// connection URL.
	DSN string
	// SkipMigrations leaves the schema untouched.
	SkipMigrations bool
	Logger         *slog.Logger
}

// NewPostgresSink applies migrations, opens a pool and pings it.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig) (*PostgresSink, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres DSN is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.SkipMigrations {
		if err := Migrate(cfg.DSN, logger); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	logger.Info("audit postgres connected",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.String("database", poolCfg.ConnConfig.Database),
	)

	return &PostgresSink{pool: pool}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(dsn string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("audit migrations applied",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// migrateURL rewrites a postgres URL to the pgx5 scheme golang-migrate expects.
func migrateURL(dsn string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(dsn, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}

func (s *PostgresSink) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Append inserts one row. A duplicate record id is ignored.
func (s *PostgresSink) Append(ctx context.Context, rec *Record) error {
	if s.isClosed() {
		return ErrSinkClosed
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_records (id, session_id, item_id, action, actor, recorded_at, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SessionID, rec.ItemID, string(rec.Action), rec.Actor, rec.Timestamp, rec.Summary,
	)
	if err != nil {
		return fmt.Errorf("%w: postgres append: %w", ErrIOFailure, err)
	}
	return nil
}

// Query returns the session's rows in insertion order.
func (s *PostgresSink) Query(ctx context.Context, sessionID string) ([]*Record, error) {
	if s.isClosed() {
		return nil, ErrSinkClosed
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, session_id, item_id, action, actor, recorded_at, summary
		FROM audit_records
		WHERE session_id = $1
		ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres query: %w", ErrIOFailure, err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		var (
			rec    Record
			action string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ItemID, &action, &rec.Actor, &rec.Timestamp, &rec.Summary); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Action = Action(action)
		rec.Timestamp = rec.Timestamp.UTC()
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: postgres rows: %w", ErrIOFailure, err)
	}
	return records, nil
}

// Sessions lists distinct session ids.
func (s *PostgresSink) Sessions(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrSinkClosed
	}

	rows, err := s.pool.Query(ctx, `SELECT DISTINCT session_id FROM audit_records ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres sessions: %w", ErrIOFailure, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ping checks the pool.
func (s *PostgresSink) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrSinkClosed
	}
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		s.pool.Close()
	}
	return nil
}
