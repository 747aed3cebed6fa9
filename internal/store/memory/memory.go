// Package memory provides an in-process implementation of the store
// interfaces. All operations serialise on one mutex, so a transaction sees
// and leaves a consistent state.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

type state struct {
	nextJobID   int64
	nextQueueID int64
	jobs        map[int64]models.Job
	farmJobs    map[int64]models.FarmJob
	queue       map[int64]models.QueueEntry
	builders    map[string]models.Builder
	history     map[string][]time.Duration
}

func newState() *state {
	return &state{
		jobs:     make(map[int64]models.Job),
		farmJobs: make(map[int64]models.FarmJob),
		queue:    make(map[int64]models.QueueEntry),
		builders: make(map[string]models.Builder),
		history:  make(map[string][]time.Duration),
	}
}

// clone copies the maps. Values are stored by value and payloads are
// copied on write, so a shallow map copy is a full snapshot.
func (s *state) clone() *state {
	c := &state{
		nextJobID:   s.nextJobID,
		nextQueueID: s.nextQueueID,
		jobs:        make(map[int64]models.Job, len(s.jobs)),
		farmJobs:    make(map[int64]models.FarmJob, len(s.farmJobs)),
		queue:       make(map[int64]models.QueueEntry, len(s.queue)),
		builders:    make(map[string]models.Builder, len(s.builders)),
		history:     make(map[string][]time.Duration, len(s.history)),
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.farmJobs {
		c.farmJobs[k] = v
	}
	for k, v := range s.queue {
		c.queue[k] = v
	}
	for k, v := range s.builders {
		c.builders[k] = v
	}
	for k, v := range s.history {
		c.history[k] = append([]time.Duration(nil), v...)
	}
	return c
}

// Store implements store.Store in memory.
type Store struct {
	mu   sync.Mutex
	data *state
}

// New creates an empty memory store.
func New() *Store {
	return &Store{data: newState()}
}

// view binds the sub-stores to the store, noting whether the caller
// already holds the lock.
type view struct {
	s  *Store
	tx bool
}

func (v view) lock() func() {
	if v.tx {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

func (v view) data() *state {
	return v.s.data
}

func (s *Store) Jobs() store.JobStore         { return &jobStore{view{s: s}} }
func (s *Store) FarmJobs() store.FarmJobStore { return &farmJobStore{view{s: s}} }
func (s *Store) Queue() store.QueueStore      { return &queueStore{view{s: s}} }
func (s *Store) Builders() store.BuilderStore { return &builderStore{view{s: s}} }
func (s *Store) History() store.HistoryStore  { return &historyStore{view{s: s}} }

// WithTx runs fn holding the store lock and restores the prior state when fn
// fails or panics.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	defer func() {
		if p := recover(); p != nil {
			s.data = snapshot
			panic(p)
		}
	}()

	if err = fn(&txStore{s: s}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// txStore is the view handed to WithTx callbacks.
type txStore struct {
	s *Store
}

func (t *txStore) Jobs() store.JobStore         { return &jobStore{view{s: t.s, tx: true}} }
func (t *txStore) FarmJobs() store.FarmJobStore { return &farmJobStore{view{s: t.s, tx: true}} }
func (t *txStore) Queue() store.QueueStore      { return &queueStore{view{s: t.s, tx: true}} }
func (t *txStore) Builders() store.BuilderStore { return &builderStore{view{s: t.s, tx: true}} }
func (t *txStore) History() store.HistoryStore  { return &historyStore{view{s: t.s, tx: true}} }

func (t *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	// Already in a transaction, just execute the function
	return fn(t)
}

func (t *txStore) Ping(ctx context.Context) error { return ctx.Err() }
func (t *txStore) Close() error                   { return nil }

func copyPayload(p json.RawMessage) json.RawMessage {
	if p == nil {
		return nil
	}
	return append(json.RawMessage(nil), p...)
}
