package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/queue"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// ErrJobGone is returned for outcomes about entries that no longer exist.
// The outcome should not be retried.
var ErrJobGone = errors.New("job gone")

// Handler applies builder heartbeats and job outcomes.
type Handler struct {
	queue  *queue.Service
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a handler.
func NewHandler(q *queue.Service, st store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		queue:  q,
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Heartbeat registers or refreshes a builder and marks it healthy. A
// heartbeat without an ID registers a new builder under a fresh one.
func (h *Handler) Heartbeat(ctx context.Context, hb models.Heartbeat) (*models.Builder, error) {
	if hb.Processor == "" {
		return nil, fmt.Errorf("%w: heartbeat without processor", queue.ErrInvalidRequest)
	}
	id := hb.BuilderID
	if id == "" {
		id = uuid.NewString()
	}
	name := hb.Name
	if name == "" {
		name = id
	}

	b := &models.Builder{
		ID:            id,
		Name:          name,
		Processor:     hb.Processor,
		Virtualized:   hb.Virtualized,
		Manual:        hb.Manual,
		Healthy:       true,
		LastHeartbeat: h.now(),
	}
	if err := h.store.Builders().Upsert(ctx, b); err != nil {
		return nil, fmt.Errorf("recording heartbeat: %w", err)
	}
	h.logger.Debug("heartbeat", "builder_id", b.ID, "platform", b.Platform().String())
	return b, nil
}

// Outcome applies a job result. Success records the run time and removes the
// entry, failure removes it, and needs_retry returns it to the queue. A log
// tail, when present, is stored first.
func (h *Handler) Outcome(ctx context.Context, o models.Outcome) error {
	err := h.outcome(ctx, o)
	if errors.Is(err, queue.ErrNotFound) {
		h.logger.Info("outcome for a job that is gone", "queue_id", o.QueueID, "status", o.Status)
		return fmt.Errorf("%w: %w", ErrJobGone, err)
	}
	return err
}

func (h *Handler) outcome(ctx context.Context, o models.Outcome) error {
	switch o.Status {
	case models.OutcomeSucceeded, models.OutcomeFailed, models.OutcomeNeedsRetry:
	default:
		return fmt.Errorf("%w: unknown outcome status %q", queue.ErrInvalidRequest, o.Status)
	}

	if o.LogTail != "" {
		if err := h.queue.UpdateLogTail(ctx, o.QueueID, o.LogTail); err != nil {
			return err
		}
	}

	switch o.Status {
	case models.OutcomeSucceeded:
		elapsed, err := h.queue.Complete(ctx, o.QueueID)
		if err != nil {
			return err
		}
		h.logger.Info("job succeeded", "queue_id", o.QueueID, "elapsed", elapsed)
	case models.OutcomeFailed:
		if err := h.queue.Destroy(ctx, o.QueueID); err != nil {
			return err
		}
		h.logger.Info("job failed", "queue_id", o.QueueID)
	case models.OutcomeNeedsRetry:
		if err := h.queue.Reset(ctx, o.QueueID); err != nil {
			return err
		}
		h.logger.Info("job returned for retry", "queue_id", o.QueueID)
	}
	return nil
}
