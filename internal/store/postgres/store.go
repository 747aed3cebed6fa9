// Package postgres provides PostgreSQL implementation of the store interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/narvanalabs/buildfarm/internal/store/postgres/migrations"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db       *sql.DB
	logger   *slog.Logger
	jobs     *JobStore
	farmJobs *FarmJobStore
	queue    *QueueStore
	builders *BuilderStore
	history  *HistoryStore
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgresStore connects, applies pending migrations and returns the store.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	s.jobs = &JobStore{db: db, logger: logger}
	s.farmJobs = &FarmJobStore{db: db, logger: logger}
	s.queue = &QueueStore{db: db, logger: logger}
	s.builders = &BuilderStore{db: db, logger: logger}
	s.history = &HistoryStore{db: db, logger: logger}

	logger.Info("connected to PostgreSQL database")
	return s, nil
}

// Jobs returns the JobStore.
func (s *PostgresStore) Jobs() store.JobStore {
	return s.jobs
}

// FarmJobs returns the FarmJobStore.
func (s *PostgresStore) FarmJobs() store.FarmJobStore {
	return s.farmJobs
}

// Queue returns the QueueStore.
func (s *PostgresStore) Queue() store.QueueStore {
	return s.queue
}

// Builders returns the BuilderStore.
func (s *PostgresStore) Builders() store.BuilderStore {
	return s.builders
}

// History returns the HistoryStore.
func (s *PostgresStore) History() store.HistoryStore {
	return s.history
}

// WithTx executes the given function within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txStore := &txStore{
		tx:     tx,
		logger: s.logger,
	}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// migrate applies embedded migrations that have not run yet, each in its own transaction.
func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}

	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}

	for _, file := range files {
		var applied bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, file).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return err
		}
		s.logger.Info("applied migration", "version", file)
	}
	return nil
}

func (s *PostgresStore) applyMigration(ctx context.Context, file string) error {
	body, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// txStore wraps a transaction and implements the Store interface.
type txStore struct {
	tx       *sql.Tx
	logger   *slog.Logger
	jobs     *JobStore
	farmJobs *FarmJobStore
	queue    *QueueStore
	builders *BuilderStore
	history  *HistoryStore
}

func (s *txStore) Jobs() store.JobStore {
	if s.jobs == nil {
		s.jobs = &JobStore{tx: s.tx, logger: s.logger}
	}
	return s.jobs
}

func (s *txStore) FarmJobs() store.FarmJobStore {
	if s.farmJobs == nil {
		s.farmJobs = &FarmJobStore{tx: s.tx, logger: s.logger}
	}
	return s.farmJobs
}

func (s *txStore) Queue() store.QueueStore {
	if s.queue == nil {
		s.queue = &QueueStore{tx: s.tx, logger: s.logger}
	}
	return s.queue
}

func (s *txStore) Builders() store.BuilderStore {
	if s.builders == nil {
		s.builders = &BuilderStore{tx: s.tx, logger: s.logger}
	}
	return s.builders
}

func (s *txStore) History() store.HistoryStore {
	if s.history == nil {
		s.history = &HistoryStore{tx: s.tx, logger: s.logger}
	}
	return s.history
}

func (s *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txStore) Ping(ctx context.Context) error {
	return nil
}

func (s *txStore) Close() error {
	return nil
}

// queryable is implemented by both *sql.DB and *sql.Tx.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
