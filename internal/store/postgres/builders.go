package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
)

const builderColumns = `id, name, processor, virtualized, manual, healthy, last_heartbeat, registered_at`

// BuilderStore implements store.BuilderStore using PostgreSQL.
type BuilderStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *BuilderStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func scanBuilder(row scanner) (*models.Builder, error) {
	var b models.Builder
	if err := row.Scan(&b.ID, &b.Name, &b.Processor, &b.Virtualized, &b.Manual,
		&b.Healthy, &b.LastHeartbeat, &b.RegisteredAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// Upsert registers a builder or refreshes an existing one.
func (s *BuilderStore) Upsert(ctx context.Context, b *models.Builder) error {
	now := time.Now().UTC()
	if b.LastHeartbeat.IsZero() {
		b.LastHeartbeat = now
	}
	if b.RegisteredAt.IsZero() {
		b.RegisteredAt = now
	}

	err := s.conn().QueryRowContext(ctx, `
		INSERT INTO builders (`+builderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			processor = EXCLUDED.processor,
			virtualized = EXCLUDED.virtualized,
			manual = EXCLUDED.manual,
			healthy = EXCLUDED.healthy,
			last_heartbeat = EXCLUDED.last_heartbeat
		RETURNING registered_at`,
		b.ID, b.Name, b.Processor, b.Virtualized, b.Manual, b.Healthy, b.LastHeartbeat, b.RegisteredAt,
	).Scan(&b.RegisteredAt)
	if err != nil {
		return fmt.Errorf("upserting builder %s: %w", b.ID, err)
	}
	return nil
}

// Get retrieves a builder by ID.
func (s *BuilderStore) Get(ctx context.Context, id string) (*models.Builder, error) {
	b, err := scanBuilder(s.conn().QueryRowContext(ctx,
		`SELECT `+builderColumns+` FROM builders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "builder", id)
	}
	return b, nil
}

// GetForUpdate retrieves a builder and locks its row.
func (s *BuilderStore) GetForUpdate(ctx context.Context, id string) (*models.Builder, error) {
	b, err := scanBuilder(s.conn().QueryRowContext(ctx,
		`SELECT `+builderColumns+` FROM builders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "builder", id)
	}
	return b, nil
}

func (s *BuilderStore) list(ctx context.Context, query string, args ...any) ([]*models.Builder, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing builders: %w", err)
	}
	defer rows.Close()

	var builders []*models.Builder
	for rows.Next() {
		b, err := scanBuilder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning builder: %w", err)
		}
		builders = append(builders, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating builders: %w", err)
	}
	return builders, nil
}

// List retrieves all builders.
func (s *BuilderStore) List(ctx context.Context) ([]*models.Builder, error) {
	return s.list(ctx, `SELECT `+builderColumns+` FROM builders ORDER BY name, id`)
}

// ListIdle retrieves eligible builders with no assigned entry.
func (s *BuilderStore) ListIdle(ctx context.Context) ([]*models.Builder, error) {
	return s.list(ctx, `
		SELECT `+builderColumns+` FROM builders b
		WHERE b.healthy AND NOT b.manual
		  AND NOT EXISTS (SELECT 1 FROM build_queue q WHERE q.builder_id = b.id)
		ORDER BY b.name, b.id`)
}

// ListStale retrieves healthy builders that have not reported since before.
func (s *BuilderStore) ListStale(ctx context.Context, before time.Time) ([]*models.Builder, error) {
	return s.list(ctx, `
		SELECT `+builderColumns+` FROM builders
		WHERE healthy AND last_heartbeat < $1
		ORDER BY name, id`, before)
}

// UpdateHealth updates the health status of a builder.
func (s *BuilderStore) UpdateHealth(ctx context.Context, id string, healthy bool) error {
	res, err := s.conn().ExecContext(ctx, `UPDATE builders SET healthy = $2 WHERE id = $1`, id, healthy)
	if err != nil {
		return fmt.Errorf("updating builder health: %w", err)
	}
	return expectOne(res, "builder", id)
}

// PoolSnapshot counts eligible and idle builders per platform with one aggregate query.
func (s *BuilderStore) PoolSnapshot(ctx context.Context) (*models.PoolSnapshot, error) {
	rows, err := s.conn().QueryContext(ctx, `
		SELECT b.processor, b.virtualized,
			COUNT(*) AS total,
			COUNT(*) FILTER (
				WHERE NOT EXISTS (SELECT 1 FROM build_queue q WHERE q.builder_id = b.id)
			) AS free
		FROM builders b
		WHERE b.healthy AND NOT b.manual
		GROUP BY b.processor, b.virtualized
		ORDER BY b.processor, b.virtualized`)
	if err != nil {
		return nil, fmt.Errorf("counting builders: %w", err)
	}
	defer rows.Close()

	snap := &models.PoolSnapshot{TakenAt: time.Now().UTC()}
	for rows.Next() {
		var c models.PlatformCount
		if err := rows.Scan(&c.Platform.Processor, &c.Platform.Virtualized, &c.Total, &c.Free); err != nil {
			return nil, fmt.Errorf("scanning builder count: %w", err)
		}
		snap.Counts = append(snap.Counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating builder counts: %w", err)
	}
	return snap, nil
}

// HistoryStore implements store.HistoryStore using PostgreSQL.
type HistoryStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *HistoryStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Record stores one observed duration.
func (s *HistoryStore) Record(ctx context.Context, key string, d time.Duration) error {
	_, err := s.conn().ExecContext(ctx,
		`INSERT INTO duration_history (duration_key, duration_ms) VALUES ($1, $2)`, key, d.Milliseconds())
	if err != nil {
		return fmt.Errorf("recording duration for %s: %w", key, err)
	}
	return nil
}

// Mean averages the most recent samples under key.
func (s *HistoryStore) Mean(ctx context.Context, key string, samples int) (time.Duration, int, error) {
	var limit sql.NullInt64
	if samples > 0 {
		limit = sql.NullInt64{Int64: int64(samples), Valid: true}
	}

	var (
		meanMS int64
		count  int
	)
	err := s.conn().QueryRowContext(ctx, `
		SELECT COALESCE(AVG(duration_ms), 0)::bigint, COUNT(*)
		FROM (
			SELECT duration_ms FROM duration_history
			WHERE duration_key = $1
			ORDER BY id DESC
			LIMIT $2
		) recent`, key, limit,
	).Scan(&meanMS, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("averaging durations for %s: %w", key, err)
	}
	return time.Duration(meanMS) * time.Millisecond, count, nil
}
