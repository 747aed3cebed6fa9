// Package jobs defines the build farm job variants that sit behind queue
// entries and the registry that resolves a stored job type to its variant.
package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
)

var (
	// ErrUnknownJobType is returned when no variant is registered for a job type.
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrDuplicateType is returned when a job type is registered twice.
	ErrDuplicateType = errors.New("job type already registered")
	// ErrInvalidPayload is returned when a variant rejects its stored payload.
	ErrInvalidPayload = errors.New("invalid job payload")
)

// BuildFarmJob is the type-specific half of a queue entry.
type BuildFarmJob interface {
	// Type returns the tag the variant is registered under.
	Type() models.JobType
	// Score returns the dispatch priority. It depends only on the variant's
	// own state and now, so rescoring unchanged state is idempotent.
	Score(now time.Time) int
	// LogFileName returns the name the build log is stored under.
	LogFileName() string
	// JobStarted is called each time the entry is assigned to a builder.
	JobStarted(now time.Time)
	// JobReset is called each time the entry returns to waiting.
	JobReset()
	// Requirement declares where the job may run.
	Requirement() models.Requirement
	// DurationKey groups jobs whose run times are comparable.
	DurationKey() string
	// Payload serialises the variant state for storage.
	Payload() (json.RawMessage, error)
}

// Factory decodes a stored payload into a variant.
type Factory func(payload json.RawMessage) (BuildFarmJob, error)

// Registry maps job types to the factories that build their variants.
// It is built once at startup and shared read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.JobType]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.JobType]Factory)}
}

// Register adds a factory for jobType.
func (r *Registry) Register(jobType models.JobType, factory Factory) error {
	if jobType == "" || factory == nil {
		return fmt.Errorf("register %q: empty type or nil factory", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[jobType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, jobType)
	}
	r.factories[jobType] = factory
	return nil
}

// Resolve builds the variant for a stored job type and payload.
func (r *Registry) Resolve(jobType models.JobType, payload json.RawMessage) (BuildFarmJob, error) {
	r.mu.RLock()
	factory, ok := r.factories[jobType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	job, err := factory(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, jobType, err)
	}
	return job, nil
}

// ResolveFarmJob builds the variant behind a stored farm job row.
func (r *Registry) ResolveFarmJob(fj *models.FarmJob) (BuildFarmJob, error) {
	return r.Resolve(fj.JobType, fj.Payload)
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []models.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.JobType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Decode unmarshals a payload strictly, rejecting unknown fields.
func Decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
