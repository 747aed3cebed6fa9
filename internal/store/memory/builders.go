package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

type builderStore struct {
	view
}

func (s *builderStore) Upsert(ctx context.Context, b *models.Builder) error {
	defer s.lock()()
	d := s.data()

	now := time.Now().UTC()
	if b.LastHeartbeat.IsZero() {
		b.LastHeartbeat = now
	}
	if existing, ok := d.builders[b.ID]; ok {
		b.RegisteredAt = existing.RegisteredAt
	} else if b.RegisteredAt.IsZero() {
		b.RegisteredAt = now
	}
	d.builders[b.ID] = *b
	return nil
}

func (s *builderStore) Get(ctx context.Context, id string) (*models.Builder, error) {
	defer s.lock()()

	b, ok := s.data().builders[id]
	if !ok {
		return nil, fmt.Errorf("builder %s: %w", id, store.ErrNotFound)
	}
	return &b, nil
}

func (s *builderStore) GetForUpdate(ctx context.Context, id string) (*models.Builder, error) {
	return s.Get(ctx, id)
}

func (s *builderStore) List(ctx context.Context) ([]*models.Builder, error) {
	return s.list(func(*models.Builder) bool { return true }), nil
}

func (s *builderStore) ListIdle(ctx context.Context) ([]*models.Builder, error) {
	defer s.lock()()
	busy := s.busy()

	var out []*models.Builder
	for _, b := range s.data().builders {
		b := b
		if b.Eligible() && !busy[b.ID] {
			out = append(out, &b)
		}
	}
	sortBuilders(out)
	return out, nil
}

func (s *builderStore) ListStale(ctx context.Context, before time.Time) ([]*models.Builder, error) {
	return s.list(func(b *models.Builder) bool {
		return b.Healthy && b.LastHeartbeat.Before(before)
	}), nil
}

func (s *builderStore) UpdateHealth(ctx context.Context, id string, healthy bool) error {
	defer s.lock()()
	d := s.data()

	b, ok := d.builders[id]
	if !ok {
		return fmt.Errorf("builder %s: %w", id, store.ErrNotFound)
	}
	b.Healthy = healthy
	d.builders[id] = b
	return nil
}

// PoolSnapshot groups eligible builders by platform in one pass under the lock.
func (s *builderStore) PoolSnapshot(ctx context.Context) (*models.PoolSnapshot, error) {
	defer s.lock()()
	busy := s.busy()

	counts := make(map[models.Platform]*models.PlatformCount)
	for _, b := range s.data().builders {
		if !b.Eligible() {
			continue
		}
		p := b.Platform()
		c, ok := counts[p]
		if !ok {
			c = &models.PlatformCount{Platform: p}
			counts[p] = c
		}
		c.Total++
		if !busy[b.ID] {
			c.Free++
		}
	}

	snap := &models.PoolSnapshot{TakenAt: time.Now().UTC()}
	for _, c := range counts {
		snap.Counts = append(snap.Counts, *c)
	}
	sort.Slice(snap.Counts, func(i, j int) bool {
		return snap.Counts[i].Platform.String() < snap.Counts[j].Platform.String()
	})
	return snap, nil
}

// busy must be called with the lock held.
func (s *builderStore) busy() map[string]bool {
	busy := make(map[string]bool)
	for _, e := range s.data().queue {
		if e.BuilderID != "" {
			busy[e.BuilderID] = true
		}
	}
	return busy
}

func (s *builderStore) list(keep func(*models.Builder) bool) []*models.Builder {
	defer s.lock()()

	var out []*models.Builder
	for _, b := range s.data().builders {
		b := b
		if keep(&b) {
			out = append(out, &b)
		}
	}
	sortBuilders(out)
	return out
}

func sortBuilders(builders []*models.Builder) {
	sort.Slice(builders, func(i, j int) bool {
		if builders[i].Name != builders[j].Name {
			return builders[i].Name < builders[j].Name
		}
		return builders[i].ID < builders[j].ID
	})
}

type historyStore struct {
	view
}

func (s *historyStore) Record(ctx context.Context, key string, d time.Duration) error {
	defer s.lock()()
	h := s.data().history
	h[key] = append(h[key], d)
	return nil
}

func (s *historyStore) Mean(ctx context.Context, key string, samples int) (time.Duration, int, error) {
	defer s.lock()()

	durations := s.data().history[key]
	if samples > 0 && len(durations) > samples {
		durations = durations[len(durations)-samples:]
	}
	if len(durations) == 0 {
		return 0, 0, nil
	}

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total / time.Duration(len(durations)), len(durations), nil
}
