package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

type queueStore struct {
	view
}

func (s *queueStore) Create(ctx context.Context, entry *models.QueueEntry) error {
	defer s.lock()()
	d := s.data()

	if _, ok := d.jobs[entry.JobID]; !ok {
		return fmt.Errorf("job %d: %w", entry.JobID, store.ErrNotFound)
	}
	for _, e := range d.queue {
		if e.JobID == entry.JobID {
			return fmt.Errorf("queue entry for job %d: %w", entry.JobID, store.ErrDuplicateKey)
		}
	}

	d.nextQueueID++
	entry.ID = d.nextQueueID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	d.queue[entry.ID] = *entry
	return nil
}

func (s *queueStore) get(id int64) (*models.QueueEntry, error) {
	e, ok := s.data().queue[id]
	if !ok {
		return nil, fmt.Errorf("queue entry %d: %w", id, store.ErrNotFound)
	}
	return &e, nil
}

func (s *queueStore) Get(ctx context.Context, id int64) (*models.QueueEntry, error) {
	defer s.lock()()
	return s.get(id)
}

func (s *queueStore) GetByJob(ctx context.Context, jobID int64) (*models.QueueEntry, error) {
	defer s.lock()()

	for _, e := range s.data().queue {
		if e.JobID == jobID {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("queue entry for job %d: %w", jobID, store.ErrNotFound)
}

// GetForUpdate is Get: the store lock already serialises transactions.
func (s *queueStore) GetForUpdate(ctx context.Context, id int64) (*models.QueueEntry, error) {
	return s.Get(ctx, id)
}

func (s *queueStore) SetBuilder(ctx context.Context, id int64, builderID string) error {
	defer s.lock()()
	d := s.data()

	e, ok := d.queue[id]
	if !ok {
		return fmt.Errorf("queue entry %d: %w", id, store.ErrNotFound)
	}
	if e.BuilderID != "" {
		return fmt.Errorf("queue entry %d held by %s: %w", id, e.BuilderID, store.ErrConcurrentModification)
	}
	e.BuilderID = builderID
	d.queue[id] = e
	return nil
}

func (s *queueStore) ClearBuilder(ctx context.Context, id int64) error {
	return s.mutate(id, func(e *models.QueueEntry) {
		e.BuilderID = ""
		e.LogTail = ""
	})
}

func (s *queueStore) UpdateScore(ctx context.Context, id int64, score int) (bool, error) {
	written := false
	err := s.mutate(id, func(e *models.QueueEntry) {
		if !e.Manual {
			e.LastScore = score
			written = true
		}
	})
	return written, err
}

func (s *queueStore) SetManualScore(ctx context.Context, id int64, score int) error {
	return s.mutate(id, func(e *models.QueueEntry) {
		e.LastScore = score
		e.Manual = true
	})
}

func (s *queueStore) UpdateLogTail(ctx context.Context, id int64, tail string) error {
	return s.mutate(id, func(e *models.QueueEntry) {
		e.LogTail = tail
	})
}

func (s *queueStore) mutate(id int64, fn func(e *models.QueueEntry)) error {
	defer s.lock()()
	d := s.data()

	e, ok := d.queue[id]
	if !ok {
		return fmt.Errorf("queue entry %d: %w", id, store.ErrNotFound)
	}
	fn(&e)
	d.queue[id] = e
	return nil
}

func (s *queueStore) Delete(ctx context.Context, id int64) error {
	defer s.lock()()
	d := s.data()

	if _, ok := d.queue[id]; !ok {
		return fmt.Errorf("queue entry %d: %w", id, store.ErrNotFound)
	}
	delete(d.queue, id)
	return nil
}

func (s *queueStore) ListCandidates(ctx context.Context, filter store.CandidateFilter) ([]*models.QueueEntry, error) {
	defer s.lock()()
	d := s.data()

	processors := make(map[string]bool, len(filter.Processors))
	for _, p := range filter.Processors {
		processors[p] = true
	}

	var out []*models.QueueEntry
	for _, e := range d.queue {
		if e.BuilderID != "" {
			continue
		}
		if job, ok := d.jobs[e.JobID]; !ok || job.Status != models.JobStatusWaiting {
			continue
		}
		if fj, ok := d.farmJobs[e.JobID]; !ok || fj.BuildState != models.BuildStateNeedsBuilding {
			continue
		}
		if len(processors) > 0 && e.Processor != "" && !processors[e.Processor] {
			continue
		}
		if filter.Virtualized != nil && e.Virtualized != *filter.Virtualized {
			continue
		}
		e := e
		out = append(out, &e)
	}

	sortDispatchOrder(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *queueStore) ListWaiting(ctx context.Context) ([]*models.QueueEntry, error) {
	return s.list(func(e *models.QueueEntry) bool { return e.BuilderID == "" })
}

func (s *queueStore) ListUnscored(ctx context.Context) ([]*models.QueueEntry, error) {
	return s.list(func(e *models.QueueEntry) bool {
		return e.BuilderID == "" && !e.Manual && e.LastScore == 0
	})
}

func (s *queueStore) ListByBuilder(ctx context.Context, builderID string) ([]*models.QueueEntry, error) {
	return s.list(func(e *models.QueueEntry) bool { return e.BuilderID == builderID })
}

func (s *queueStore) list(keep func(e *models.QueueEntry) bool) ([]*models.QueueEntry, error) {
	defer s.lock()()

	var out []*models.QueueEntry
	for _, e := range s.data().queue {
		e := e
		if keep(&e) {
			out = append(out, &e)
		}
	}
	sortDispatchOrder(out)
	return out, nil
}

func (s *queueStore) ListRunning(ctx context.Context) ([]*models.RunningEntry, error) {
	defer s.lock()()
	d := s.data()

	var out []*models.RunningEntry
	for _, e := range d.queue {
		if e.BuilderID == "" {
			continue
		}
		b, ok := d.builders[e.BuilderID]
		if !ok || !b.Eligible() {
			continue
		}
		job, ok := d.jobs[e.JobID]
		if !ok || job.DateStarted == nil {
			continue
		}
		out = append(out, &models.RunningEntry{
			QueueID:           e.ID,
			BuilderID:         e.BuilderID,
			Builder:           b.Platform(),
			StartedAt:         *job.DateStarted,
			EstimatedDuration: e.EstimatedDuration,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueID < out[j].QueueID })
	return out, nil
}

func (s *queueStore) Stats(ctx context.Context) (*models.QueueStats, error) {
	defer s.lock()()

	stats := &models.QueueStats{}
	for _, e := range s.data().queue {
		if e.BuilderID == "" {
			stats.Waiting++
		} else {
			stats.Running++
		}
		if e.Manual {
			stats.Manual++
		}
	}
	return stats, nil
}

func sortDispatchOrder(entries []*models.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Ahead(entries[j]) })
}
