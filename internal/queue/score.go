package queue

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// Score recomputes the entry's score from its variant and stores it. A
// pinned entry keeps its score; the call only logs that it is pinned.
func (s *Service) Score(ctx context.Context, queueID int64) (score int, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Score", trace.WithAttributes(attribute.Int64("queue_id", queueID)))
	defer func() { endSpan(span, err) }()

	entry, err := s.store.Queue().Get(ctx, queueID)
	if err != nil {
		return 0, translate(err)
	}
	return s.score(ctx, entry)
}

func (s *Service) score(ctx context.Context, entry *models.QueueEntry) (int, error) {
	if entry.Manual {
		s.logger.Info("score is pinned", "queue_id", entry.ID, "score", entry.LastScore)
		return entry.LastScore, nil
	}

	fj, err := s.store.FarmJobs().Get(ctx, entry.JobID)
	if err != nil {
		return 0, s.integrity(err, entry.ID, "farm job")
	}
	variant, err := s.registry.ResolveFarmJob(fj)
	if err != nil {
		return 0, err
	}

	score := variant.Score(s.now())
	written, err := s.store.Queue().UpdateScore(ctx, entry.ID, score)
	if err != nil {
		return 0, translate(err)
	}
	if !written {
		// Pinned between the read and the write; the pinned value stands.
		current, err := s.store.Queue().Get(ctx, entry.ID)
		if err != nil {
			return 0, translate(err)
		}
		s.logger.Info("score is pinned", "queue_id", entry.ID, "score", current.LastScore)
		return current.LastScore, nil
	}

	if score != entry.LastScore {
		s.invalidate(entry.ID)
	}
	s.logger.Debug("entry scored", "queue_id", entry.ID, "score", score)
	return score, nil
}

// ScorePending scores every unscored waiting entry, or every waiting entry
// when all is set. Entries destroyed meanwhile are skipped. It returns how
// many entries were scored.
func (s *Service) ScorePending(ctx context.Context, all bool) (n int, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.ScorePending", trace.WithAttributes(attribute.Bool("all", all)))
	defer func() { endSpan(span, err) }()

	var entries []*models.QueueEntry
	if all {
		entries, err = s.store.Queue().ListWaiting(ctx)
	} else {
		entries, err = s.store.Queue().ListUnscored(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("listing entries to score: %w", err)
	}

	for _, entry := range entries {
		if entry.Manual {
			continue
		}
		if _, err := s.score(ctx, entry); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	span.SetAttributes(attribute.Int("scored", n))
	return n, nil
}
