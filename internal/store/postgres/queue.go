package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

const queueColumns = `q.id, q.job_id, q.job_type, q.builder_id, q.lastscore, q.manual,
	q.estimated_duration_ms, q.logtail, q.processor, q.virtualized, q.created_at`

// dispatchOrder is the queue's total order: highest score first, older job on ties.
const dispatchOrder = `ORDER BY q.lastscore DESC, q.job_id ASC`

// QueueStore implements store.QueueStore using PostgreSQL.
type QueueStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *QueueStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func scanEntry(row scanner) (*models.QueueEntry, error) {
	var (
		e          models.QueueEntry
		builderID  sql.NullString
		processor  sql.NullString
		durationMS int64
	)
	err := row.Scan(&e.ID, &e.JobID, &e.JobType, &builderID, &e.LastScore, &e.Manual,
		&durationMS, &e.LogTail, &processor, &e.Virtualized, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.BuilderID = builderID.String
	e.Processor = processor.String
	e.EstimatedDuration = time.Duration(durationMS) * time.Millisecond
	return &e, nil
}

func (s *QueueStore) query(ctx context.Context, query string, args ...any) ([]*models.QueueEntry, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying queue: %w", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating queue entries: %w", err)
	}
	return entries, nil
}

// Create inserts a queue entry.
func (s *QueueStore) Create(ctx context.Context, e *models.QueueEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, `
		INSERT INTO build_queue (job_id, job_type, lastscore, manual, estimated_duration_ms,
			logtail, processor, virtualized, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		e.JobID, e.JobType, e.LastScore, e.Manual, e.EstimatedDuration.Milliseconds(),
		e.LogTail, sql.NullString{String: e.Processor, Valid: e.Processor != ""}, e.Virtualized, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("queue entry for job %d: %w", e.JobID, store.ErrDuplicateKey)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("job %d: %w", e.JobID, store.ErrNotFound)
		}
		return fmt.Errorf("creating queue entry: %w", err)
	}
	return nil
}

// Get retrieves a queue entry by ID.
func (s *QueueStore) Get(ctx context.Context, id int64) (*models.QueueEntry, error) {
	e, err := scanEntry(s.conn().QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM build_queue q WHERE q.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "queue entry", id)
	}
	return e, nil
}

// GetByJob retrieves the queue entry for a job.
func (s *QueueStore) GetByJob(ctx context.Context, jobID int64) (*models.QueueEntry, error) {
	e, err := scanEntry(s.conn().QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM build_queue q WHERE q.job_id = $1`, jobID))
	if err != nil {
		return nil, notFound(err, "queue entry for job", jobID)
	}
	return e, nil
}

// GetForUpdate retrieves a queue entry and locks its row.
func (s *QueueStore) GetForUpdate(ctx context.Context, id int64) (*models.QueueEntry, error) {
	e, err := scanEntry(s.conn().QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM build_queue q WHERE q.id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "queue entry", id)
	}
	return e, nil
}

// SetBuilder claims the entry for a builder while it is unassigned.
func (s *QueueStore) SetBuilder(ctx context.Context, id int64, builderID string) error {
	res, err := s.conn().ExecContext(ctx, `
		UPDATE build_queue SET builder_id = $2
		WHERE id = $1 AND builder_id IS NULL`, id, builderID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("builder %s already holds an entry: %w", builderID, store.ErrDuplicateKey)
		}
		return fmt.Errorf("assigning queue entry %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.conn().QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM build_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking queue entry %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("queue entry %d: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("queue entry %d: %w", id, store.ErrConcurrentModification)
}

// ClearBuilder unassigns the entry and clears its log tail.
func (s *QueueStore) ClearBuilder(ctx context.Context, id int64) error {
	res, err := s.conn().ExecContext(ctx,
		`UPDATE build_queue SET builder_id = NULL, logtail = '' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clearing builder on queue entry %d: %w", id, err)
	}
	return expectOne(res, "queue entry", id)
}

// UpdateScore stores an automatic score unless the entry is pinned.
func (s *QueueStore) UpdateScore(ctx context.Context, id int64, score int) (bool, error) {
	res, err := s.conn().ExecContext(ctx,
		`UPDATE build_queue SET lastscore = $2 WHERE id = $1 AND manual = false`, id, score)
	if err != nil {
		return false, fmt.Errorf("scoring queue entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// SetManualScore stores and pins a score.
func (s *QueueStore) SetManualScore(ctx context.Context, id int64, score int) error {
	res, err := s.conn().ExecContext(ctx,
		`UPDATE build_queue SET lastscore = $2, manual = true WHERE id = $1`, id, score)
	if err != nil {
		return fmt.Errorf("pinning score on queue entry %d: %w", id, err)
	}
	return expectOne(res, "queue entry", id)
}

// UpdateLogTail replaces the trailing log text.
func (s *QueueStore) UpdateLogTail(ctx context.Context, id int64, tail string) error {
	res, err := s.conn().ExecContext(ctx,
		`UPDATE build_queue SET logtail = $2 WHERE id = $1`, id, tail)
	if err != nil {
		return fmt.Errorf("updating log tail on queue entry %d: %w", id, err)
	}
	return expectOne(res, "queue entry", id)
}

// Delete removes a queue entry.
func (s *QueueStore) Delete(ctx context.Context, id int64) error {
	res, err := s.conn().ExecContext(ctx, `DELETE FROM build_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting queue entry %d: %w", id, err)
	}
	return expectOne(res, "queue entry", id)
}

// ListCandidates returns dispatchable entries in dispatch order.
func (s *QueueStore) ListCandidates(ctx context.Context, filter store.CandidateFilter) ([]*models.QueueEntry, error) {
	processors := filter.Processors
	if processors == nil {
		processors = []string{}
	}
	var virtualized sql.NullBool
	if filter.Virtualized != nil {
		virtualized = sql.NullBool{Bool: *filter.Virtualized, Valid: true}
	}
	var limit sql.NullInt64
	if filter.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(filter.Limit), Valid: true}
	}

	return s.query(ctx, `
		SELECT `+queueColumns+`
		FROM build_queue q
		JOIN jobs j ON j.id = q.job_id
		JOIN build_farm_jobs f ON f.job_id = q.job_id
		WHERE q.builder_id IS NULL
		  AND j.status = 'waiting'
		  AND f.build_state = 'needs_building'
		  AND (cardinality($1::text[]) = 0 OR q.processor IS NULL OR q.processor = ANY($1::text[]))
		  AND ($2::boolean IS NULL OR q.virtualized = $2)
		`+dispatchOrder+`
		LIMIT $3`,
		pq.Array(processors), virtualized, limit,
	)
}

// ListWaiting returns unassigned entries in dispatch order.
func (s *QueueStore) ListWaiting(ctx context.Context) ([]*models.QueueEntry, error) {
	return s.query(ctx, `SELECT `+queueColumns+` FROM build_queue q WHERE q.builder_id IS NULL `+dispatchOrder)
}

// ListUnscored returns unassigned, unpinned entries that were never scored.
func (s *QueueStore) ListUnscored(ctx context.Context) ([]*models.QueueEntry, error) {
	return s.query(ctx, `
		SELECT `+queueColumns+` FROM build_queue q
		WHERE q.builder_id IS NULL AND q.manual = false AND q.lastscore = 0
		`+dispatchOrder)
}

// ListByBuilder returns entries assigned to a builder.
func (s *QueueStore) ListByBuilder(ctx context.Context, builderID string) ([]*models.QueueEntry, error) {
	return s.query(ctx, `SELECT `+queueColumns+` FROM build_queue q WHERE q.builder_id = $1 `+dispatchOrder, builderID)
}

// ListRunning returns assigned entries on eligible builders with their start times.
func (s *QueueStore) ListRunning(ctx context.Context) ([]*models.RunningEntry, error) {
	rows, err := s.conn().QueryContext(ctx, `
		SELECT q.id, q.builder_id, b.processor, b.virtualized, j.date_started, q.estimated_duration_ms
		FROM build_queue q
		JOIN builders b ON b.id = q.builder_id
		JOIN jobs j ON j.id = q.job_id
		WHERE b.healthy AND NOT b.manual AND j.date_started IS NOT NULL
		ORDER BY q.id`)
	if err != nil {
		return nil, fmt.Errorf("listing running entries: %w", err)
	}
	defer rows.Close()

	var running []*models.RunningEntry
	for rows.Next() {
		var (
			r          models.RunningEntry
			durationMS int64
		)
		if err := rows.Scan(&r.QueueID, &r.BuilderID, &r.Builder.Processor, &r.Builder.Virtualized,
			&r.StartedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scanning running entry: %w", err)
		}
		r.EstimatedDuration = time.Duration(durationMS) * time.Millisecond
		running = append(running, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating running entries: %w", err)
	}
	return running, nil
}

// Stats counts waiting, running and pinned entries.
func (s *QueueStore) Stats(ctx context.Context) (*models.QueueStats, error) {
	var stats models.QueueStats
	err := s.conn().QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE builder_id IS NULL),
			COUNT(*) FILTER (WHERE builder_id IS NOT NULL),
			COUNT(*) FILTER (WHERE manual)
		FROM build_queue`,
	).Scan(&stats.Waiting, &stats.Running, &stats.Manual)
	if err != nil {
		return nil, fmt.Errorf("counting queue: %w", err)
	}
	return &stats, nil
}
