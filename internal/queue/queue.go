// Package queue implements the build queue: submission, the assign/reset/destroy
// state machine, scoring, candidate selection and dispatch-time estimation.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/narvanalabs/buildfarm/internal/cache"
	"github.com/narvanalabs/buildfarm/internal/jobs"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/narvanalabs/buildfarm/internal/tracing"
	"github.com/narvanalabs/buildfarm/pkg/config"
)

// Service is the build queue. It is safe for concurrent use and holds no
// state between calls beyond an optional estimate cache.
type Service struct {
	store    store.Store
	registry *jobs.Registry
	cfg      config.SchedulerConfig
	cache    *cache.Estimates
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCache caches start-time estimates.
func WithCache(c *cache.Estimates) Option {
	return func(s *Service) { s.cache = c }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a queue service over st using the variants in registry.
func NewService(st store.Store, registry *jobs.Registry, cfg config.SchedulerConfig, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OverrunFallback <= 0 {
		cfg.OverrunFallback = config.DefaultOverrunFallback
	}
	s := &Service{
		store:    st,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		tracer:   tracing.Tracer(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitRequest describes a new unit of work.
type SubmitRequest struct {
	JobType models.JobType  `json:"job_type"`
	Payload json.RawMessage `json:"payload"`
	// Processor and Virtualized override what the variant declares only
	// where the variant leaves them open.
	Processor   string `json:"processor,omitempty"`
	Virtualized *bool  `json:"virtualized,omitempty"`
	// EstimatedDuration of zero falls back to history, then the configured default.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// EntryDetail is a queue entry with the rows behind it.
type EntryDetail struct {
	Entry       *models.QueueEntry `json:"entry"`
	Job         *models.Job        `json:"job"`
	BuildState  models.BuildState  `json:"build_state"`
	LogFileName string             `json:"log_file_name"`
	Payload     json.RawMessage    `json:"payload"`
}

// Submit creates the job, its variant row and a queue entry with score 0.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (entry *models.QueueEntry, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.Submit",
		trace.WithAttributes(attribute.String("job_type", string(req.JobType))))
	defer func() { endSpan(span, err) }()

	variant, err := s.registry.Resolve(req.JobType, req.Payload)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidPayload) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return nil, err
	}
	if req.EstimatedDuration < 0 {
		return nil, fmt.Errorf("%w: negative estimated duration", ErrInvalidRequest)
	}

	platform, err := resolvePlatform(variant.Requirement(), req)
	if err != nil {
		return nil, err
	}

	estimate := req.EstimatedDuration
	if estimate == 0 {
		estimate, err = s.historicalEstimate(ctx, variant.DurationKey())
		if err != nil {
			return nil, err
		}
	}

	payload, err := variant.Payload()
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		job := &models.Job{Status: models.JobStatusWaiting, DateCreated: s.now()}
		if err := tx.Jobs().Create(ctx, job); err != nil {
			return fmt.Errorf("creating job: %w", err)
		}
		if err := tx.FarmJobs().Create(ctx, &models.FarmJob{
			JobID:      job.ID,
			JobType:    variant.Type(),
			BuildState: models.BuildStateNeedsBuilding,
			Payload:    payload,
		}); err != nil {
			return fmt.Errorf("creating farm job: %w", err)
		}
		entry = &models.QueueEntry{
			JobID:             job.ID,
			JobType:           variant.Type(),
			EstimatedDuration: estimate,
			Processor:         platform.Processor,
			Virtualized:       platform.Virtualized,
			CreatedAt:         job.DateCreated,
		}
		if err := tx.Queue().Create(ctx, entry); err != nil {
			return fmt.Errorf("creating queue entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int64("queue_id", entry.ID))
	s.logger.Info("job submitted",
		"queue_id", entry.ID,
		"job_id", entry.JobID,
		"job_type", entry.JobType,
		"platform", entry.Platform().String(),
		"estimated_duration", entry.EstimatedDuration,
	)
	return entry, nil
}

// resolvePlatform merges the variant's requirement with the request. A
// request may fill in what the variant leaves open but not contradict it.
func resolvePlatform(declared models.Requirement, req SubmitRequest) (models.Platform, error) {
	merged := declared
	if req.Processor != "" {
		if declared.Processor != "" && declared.Processor != req.Processor {
			return models.Platform{}, fmt.Errorf("%w: job requires processor %s, not %s",
				ErrInvalidRequest, declared.Processor, req.Processor)
		}
		merged.Processor = req.Processor
	}
	if req.Virtualized != nil {
		if declared.Virtualized != nil && *declared.Virtualized != *req.Virtualized {
			return models.Platform{}, fmt.Errorf("%w: job requires virtualized=%t",
				ErrInvalidRequest, *declared.Virtualized)
		}
		merged.Virtualized = req.Virtualized
	}
	return merged.Platform(), nil
}

func (s *Service) historicalEstimate(ctx context.Context, key string) (time.Duration, error) {
	mean, n, err := s.store.History().Mean(ctx, key, s.cfg.HistorySamples)
	if err != nil {
		return 0, fmt.Errorf("reading duration history: %w", err)
	}
	if n > 0 && mean > 0 {
		return mean, nil
	}
	return s.cfg.DefaultEstimate, nil
}

// Get returns a queue entry.
func (s *Service) Get(ctx context.Context, queueID int64) (*models.QueueEntry, error) {
	entry, err := s.store.Queue().Get(ctx, queueID)
	if err != nil {
		return nil, translate(err)
	}
	return entry, nil
}

// Describe returns a queue entry with its job, build state and log file name.
func (s *Service) Describe(ctx context.Context, queueID int64) (*EntryDetail, error) {
	entry, err := s.Get(ctx, queueID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.Jobs().Get(ctx, entry.JobID)
	if err != nil {
		return nil, s.integrity(err, queueID, "job")
	}
	fj, err := s.store.FarmJobs().Get(ctx, entry.JobID)
	if err != nil {
		return nil, s.integrity(err, queueID, "farm job")
	}
	variant, err := s.registry.ResolveFarmJob(fj)
	if err != nil {
		return nil, err
	}
	return &EntryDetail{
		Entry:       entry,
		Job:         job,
		BuildState:  fj.BuildState,
		LogFileName: variant.LogFileName(),
		Payload:     fj.Payload,
	}, nil
}

// Stats counts the queue.
func (s *Service) Stats(ctx context.Context) (*models.QueueStats, error) {
	return s.store.Queue().Stats(ctx)
}

// UpdateLogTail stores the trailing build log reported by a builder.
func (s *Service) UpdateLogTail(ctx context.Context, queueID int64, tail string) error {
	return translate(s.store.Queue().UpdateLogTail(ctx, queueID, tail))
}

// integrity turns a missing row behind an existing entry into ErrIntegrity.
func (s *Service) integrity(err error, queueID int64, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Error("queue entry is missing a row", "queue_id", queueID, "row", what)
		return fmt.Errorf("%w: %s missing for queue entry %d", ErrIntegrity, what, queueID)
	}
	return err
}

func (s *Service) invalidate(queueID int64) {
	if s.cache != nil {
		s.cache.Invalidate(startKey(queueID))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
