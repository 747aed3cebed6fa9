package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/narvanalabs/buildfarm/internal/jobs"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// rows is an entry with the job and variant behind it, loaded inside a transaction.
type rows struct {
	entry   *models.QueueEntry
	job     *models.Job
	farmJob *models.FarmJob
	variant jobs.BuildFarmJob
}

// load locks the entry and reads its job and variant.
func (s *Service) load(ctx context.Context, tx store.Store, queueID int64) (*rows, error) {
	entry, err := tx.Queue().GetForUpdate(ctx, queueID)
	if err != nil {
		return nil, translate(err)
	}
	job, err := tx.Jobs().Get(ctx, entry.JobID)
	if err != nil {
		return nil, s.integrity(err, queueID, "job")
	}
	fj, err := tx.FarmJobs().Get(ctx, entry.JobID)
	if err != nil {
		return nil, s.integrity(err, queueID, "farm job")
	}
	variant, err := s.registry.ResolveFarmJob(fj)
	if err != nil {
		return nil, err
	}
	return &rows{entry: entry, job: job, farmJob: fj, variant: variant}, nil
}

// saveVariant writes the variant's payload back with a new build state.
func saveVariant(ctx context.Context, tx store.Store, r *rows, state models.BuildState) error {
	payload, err := r.variant.Payload()
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	r.farmJob.BuildState = state
	r.farmJob.Payload = payload
	if err := tx.FarmJobs().Update(ctx, r.farmJob); err != nil {
		return fmt.Errorf("updating farm job: %w", err)
	}
	return nil
}

// AssignToWorker claims a waiting entry for a builder and starts its job.
// Assigning an entry to the builder that already holds it succeeds without
// change. If another builder holds it the error is ErrAlreadyAssigned.
func (s *Service) AssignToWorker(ctx context.Context, queueID int64, builderID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "queue.AssignToWorker", trace.WithAttributes(
		attribute.Int64("queue_id", queueID),
		attribute.String("builder_id", builderID),
	))
	defer func() { endSpan(span, err) }()

	if builderID == "" {
		return fmt.Errorf("%w: builder id is required", ErrInvalidRequest)
	}

	noop := false
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		r, err := s.load(ctx, tx, queueID)
		if err != nil {
			return err
		}

		switch r.entry.BuilderID {
		case builderID:
			noop = true
			return nil
		case "":
		default:
			return fmt.Errorf("%w: entry %d is held by builder %s", ErrAlreadyAssigned, queueID, r.entry.BuilderID)
		}

		builder, err := tx.Builders().GetForUpdate(ctx, builderID)
		if err != nil {
			return translate(err)
		}
		if err := checkBuilder(ctx, tx, builder, r.entry); err != nil {
			return err
		}

		if err := tx.Queue().SetBuilder(ctx, queueID, builderID); err != nil {
			switch {
			case errors.Is(err, store.ErrConcurrentModification):
				return fmt.Errorf("%w: entry %d: %v", ErrAlreadyAssigned, queueID, err)
			case errors.Is(err, store.ErrDuplicateKey):
				return &TransitionError{Op: "assign", From: "waiting", Reason: "builder " + builderID + " is busy"}
			}
			return translate(err)
		}

		now := s.now()
		if r.job.Status != models.JobStatusRunning {
			if err := r.job.Start(now); err != nil {
				return &TransitionError{Op: "assign", From: string(r.job.Status), Reason: err.Error()}
			}
			if err := tx.Jobs().Update(ctx, r.job); err != nil {
				return fmt.Errorf("starting job: %w", err)
			}
		}

		r.variant.JobStarted(now)
		return saveVariant(ctx, tx, r, models.BuildStateBuilding)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyAssigned) {
			s.logger.Debug("entry already assigned", "queue_id", queueID, "builder_id", builderID)
		}
		return err
	}

	s.invalidate(queueID)
	if noop {
		s.logger.Debug("entry already held by builder", "queue_id", queueID, "builder_id", builderID)
		return nil
	}
	s.logger.Info("entry assigned", "queue_id", queueID, "builder_id", builderID)
	return nil
}

// checkBuilder rejects builders that cannot take the entry right now.
func checkBuilder(ctx context.Context, tx store.Store, b *models.Builder, entry *models.QueueEntry) error {
	if !b.Eligible() {
		return &TransitionError{Op: "assign", From: "waiting", Reason: "builder " + b.ID + " is not eligible"}
	}
	if !b.Platform().Accepts(entry.Platform()) {
		return &TransitionError{
			Op:     "assign",
			From:   "waiting",
			Reason: fmt.Sprintf("builder %s provides %s, entry requires %s", b.ID, b.Platform(), entry.Platform()),
		}
	}
	held, err := tx.Queue().ListByBuilder(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("listing entries for builder: %w", err)
	}
	if len(held) > 0 {
		return &TransitionError{Op: "assign", From: "waiting", Reason: "builder " + b.ID + " is busy"}
	}
	return nil
}

// Reset returns an entry to waiting: no builder, no timestamps, no log tail.
// Resetting a waiting entry leaves it unchanged.
func (s *Service) Reset(ctx context.Context, queueID int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Reset", trace.WithAttributes(attribute.Int64("queue_id", queueID)))
	defer func() { endSpan(span, err) }()

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		r, err := s.load(ctx, tx, queueID)
		if err != nil {
			return err
		}

		if err := tx.Queue().ClearBuilder(ctx, queueID); err != nil {
			return translate(err)
		}

		r.job.Reset()
		if err := tx.Jobs().Update(ctx, r.job); err != nil {
			return fmt.Errorf("resetting job: %w", err)
		}

		r.variant.JobReset()
		return saveVariant(ctx, tx, r, models.BuildStateNeedsBuilding)
	})
	if err != nil {
		return err
	}

	s.invalidate(queueID)
	s.logger.Info("entry reset", "queue_id", queueID)
	return nil
}

// Destroy removes the entry, its variant row and its job together.
func (s *Service) Destroy(ctx context.Context, queueID int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Destroy", trace.WithAttributes(attribute.Int64("queue_id", queueID)))
	defer func() { endSpan(span, err) }()

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		entry, err := tx.Queue().GetForUpdate(ctx, queueID)
		if err != nil {
			return translate(err)
		}
		return s.destroy(ctx, tx, entry)
	})
	if err != nil {
		return err
	}

	s.invalidate(queueID)
	s.logger.Info("entry destroyed", "queue_id", queueID)
	return nil
}

func (s *Service) destroy(ctx context.Context, tx store.Store, entry *models.QueueEntry) error {
	if err := tx.Queue().Delete(ctx, entry.ID); err != nil {
		return translate(err)
	}
	if err := tx.FarmJobs().Delete(ctx, entry.JobID); err != nil {
		return s.integrity(err, entry.ID, "farm job")
	}
	if err := tx.Jobs().Delete(ctx, entry.JobID); err != nil {
		return s.integrity(err, entry.ID, "job")
	}
	return nil
}

// Complete finishes a running entry, records how long it ran under the
// variant's duration key and destroys it. It returns the run time.
func (s *Service) Complete(ctx context.Context, queueID int64) (elapsed time.Duration, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Complete", trace.WithAttributes(attribute.Int64("queue_id", queueID)))
	defer func() { endSpan(span, err) }()

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		r, err := s.load(ctx, tx, queueID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := r.job.Finish(now); err != nil {
			return &TransitionError{Op: "complete", From: string(r.job.Status), Reason: err.Error()}
		}
		elapsed = r.job.Elapsed(now)
		if err := tx.History().Record(ctx, r.variant.DurationKey(), elapsed); err != nil {
			return fmt.Errorf("recording duration: %w", err)
		}
		return s.destroy(ctx, tx, r.entry)
	})
	if err != nil {
		return 0, err
	}

	s.invalidate(queueID)
	s.logger.Info("entry completed", "queue_id", queueID, "elapsed", elapsed)
	return elapsed, nil
}

// ManualScore pins the entry's score. Automatic scoring no longer changes it.
func (s *Service) ManualScore(ctx context.Context, queueID int64, value int) (err error) {
	ctx, span := s.tracer.Start(ctx, "queue.ManualScore", trace.WithAttributes(
		attribute.Int64("queue_id", queueID),
		attribute.Int("score", value),
	))
	defer func() { endSpan(span, err) }()

	if err := s.store.Queue().SetManualScore(ctx, queueID, value); err != nil {
		return translate(err)
	}
	s.invalidate(queueID)
	s.logger.Info("score pinned", "queue_id", queueID, "score", value)
	return nil
}
