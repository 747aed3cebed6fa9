// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateKey is returned when attempting to create a resource with a duplicate key.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrConcurrentModification is returned when a guarded update finds the
	// row no longer in the state the caller expected.
	ErrConcurrentModification = errors.New("resource was modified by another request")
)

// JobStore defines operations for generic job records.
type JobStore interface {
	// Create inserts a waiting job and assigns its ID.
	Create(ctx context.Context, job *models.Job) error
	// Get retrieves a job by ID.
	Get(ctx context.Context, id int64) (*models.Job, error)
	// Update writes the job's status and timestamps.
	Update(ctx context.Context, job *models.Job) error
	// Delete removes a job.
	Delete(ctx context.Context, id int64) error
}

// FarmJobStore defines operations for the type-specific half of queue entries.
type FarmJobStore interface {
	// Create inserts a farm job for an existing job record.
	Create(ctx context.Context, fj *models.FarmJob) error
	// Get retrieves a farm job by its job ID.
	Get(ctx context.Context, jobID int64) (*models.FarmJob, error)
	// Update writes the build state and payload.
	Update(ctx context.Context, fj *models.FarmJob) error
	// Delete removes a farm job.
	Delete(ctx context.Context, jobID int64) error
}

// CandidateFilter narrows candidate selection.
type CandidateFilter struct {
	// Processors restricts entries to these processors. Processor-independent
	// entries always match. Empty means no restriction.
	Processors []string
	// Virtualized restricts entries to one execution mode when set.
	Virtualized *bool
	// Limit caps the number of results when positive.
	Limit int
}

// QueueStore defines operations for build queue entries.
type QueueStore interface {
	// Create inserts a queue entry and assigns its ID.
	Create(ctx context.Context, entry *models.QueueEntry) error
	// Get retrieves an entry by ID.
	Get(ctx context.Context, id int64) (*models.QueueEntry, error)
	// GetByJob retrieves the entry owning a job.
	GetByJob(ctx context.Context, jobID int64) (*models.QueueEntry, error)
	// GetForUpdate retrieves an entry and locks it until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*models.QueueEntry, error)
	// SetBuilder assigns a builder only while the entry is unassigned.
	// It returns ErrConcurrentModification when another builder holds it.
	SetBuilder(ctx context.Context, id int64, builderID string) error
	// ClearBuilder unassigns the entry and clears its log tail.
	ClearBuilder(ctx context.Context, id int64) error
	// UpdateScore stores an automatic score unless the entry is manually
	// pinned. It reports whether the score was written.
	UpdateScore(ctx context.Context, id int64, score int) (bool, error)
	// SetManualScore stores a score and pins it.
	SetManualScore(ctx context.Context, id int64, score int) error
	// UpdateLogTail replaces the trailing build log text.
	UpdateLogTail(ctx context.Context, id int64, tail string) error
	// Delete removes an entry.
	Delete(ctx context.Context, id int64) error
	// ListCandidates returns unassigned entries of waiting jobs that need
	// building, ordered by score descending then job ID ascending.
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]*models.QueueEntry, error)
	// ListWaiting returns all unassigned entries in dispatch order.
	ListWaiting(ctx context.Context) ([]*models.QueueEntry, error)
	// ListUnscored returns unassigned, unpinned entries with a zero score.
	ListUnscored(ctx context.Context) ([]*models.QueueEntry, error)
	// ListRunning returns assigned entries on eligible builders with their start times.
	ListRunning(ctx context.Context) ([]*models.RunningEntry, error)
	// ListByBuilder returns the entries assigned to a builder.
	ListByBuilder(ctx context.Context, builderID string) ([]*models.QueueEntry, error)
	// Stats counts waiting, running and pinned entries.
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// BuilderStore defines operations for the builder fleet.
type BuilderStore interface {
	// Upsert registers a builder or refreshes its heartbeat and capabilities.
	Upsert(ctx context.Context, builder *models.Builder) error
	// Get retrieves a builder by ID.
	Get(ctx context.Context, id string) (*models.Builder, error)
	// GetForUpdate retrieves a builder and locks it until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id string) (*models.Builder, error)
	// List retrieves all builders.
	List(ctx context.Context) ([]*models.Builder, error)
	// ListIdle retrieves eligible builders with no assigned entry.
	ListIdle(ctx context.Context) ([]*models.Builder, error)
	// ListStale retrieves healthy builders whose last heartbeat is before the cutoff.
	ListStale(ctx context.Context, before time.Time) ([]*models.Builder, error)
	// UpdateHealth updates the health status of a builder.
	UpdateHealth(ctx context.Context, id string, healthy bool) error
	// PoolSnapshot counts eligible and idle builders per platform in one read.
	PoolSnapshot(ctx context.Context) (*models.PoolSnapshot, error)
}

// HistoryStore defines operations for observed build durations.
type HistoryStore interface {
	// Record stores one observed duration under key.
	Record(ctx context.Context, key string, d time.Duration) error
	// Mean returns the mean of the most recent samples under key and how
	// many samples it used. A zero count means no history.
	Mean(ctx context.Context, key string, samples int) (time.Duration, int, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Jobs returns the JobStore for job record operations.
	Jobs() JobStore
	// FarmJobs returns the FarmJobStore for job variant rows.
	FarmJobs() FarmJobStore
	// Queue returns the QueueStore for build queue operations.
	Queue() QueueStore
	// Builders returns the BuilderStore for builder operations.
	Builders() BuilderStore
	// History returns the HistoryStore for duration history.
	History() HistoryStore
	// WithTx executes fn within a transaction. The transaction rolls back
	// when fn returns an error.
	WithTx(ctx context.Context, fn func(Store) error) error
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
	// Close closes the store.
	Close() error
}
