package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/narvanalabs/buildfarm/internal/cache"
	"github.com/narvanalabs/buildfarm/internal/models"
)

// QueueDelay is how long competing entries ahead of an entry will keep
// builders busy, and the platform of the entry at the head of the line.
type QueueDelay struct {
	Delay        time.Duration   `json:"delay"`
	HeadPlatform models.Platform `json:"head_platform"`
}

// StartEstimate is when an entry is expected to start.
type StartEstimate struct {
	QueueID int64 `json:"queue_id"`
	// Known is false when no running job gives a basis for the wait.
	Known   bool `json:"known"`
	Running bool `json:"running"`
	// StartAt is the actual start for running entries.
	StartAt       time.Time       `json:"start_at"`
	WaitForWorker time.Duration   `json:"wait_for_worker"`
	QueueDelay    time.Duration   `json:"queue_delay"`
	HeadPlatform  models.Platform `json:"head_platform"`
	ComputedAt    time.Time       `json:"computed_at"`
}

func startKey(queueID int64) string {
	return fmt.Sprintf("start:%d", queueID)
}

// PoolSnapshot returns the current eligible builder counts.
func (s *Service) PoolSnapshot(ctx context.Context) (*models.PoolSnapshot, error) {
	snap, err := s.store.Builders().PoolSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading builder pool: %w", err)
	}
	return snap, nil
}

// EstimateTimeToNextWorker estimates when a builder able to run jobs
// requiring p becomes free. It is zero when one is idle now. Otherwise it is
// the least remaining time among running jobs on matching builders, where a
// job past its estimate counts as the configured overrun fallback. With no
// such running job it returns ErrEstimationUnavailable.
func (s *Service) EstimateTimeToNextWorker(ctx context.Context, p models.Platform) (wait time.Duration, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.EstimateTimeToNextWorker",
		trace.WithAttributes(attribute.String("platform", p.String())))
	defer func() {
		if errors.Is(err, ErrEstimationUnavailable) {
			span.End()
			return
		}
		endSpan(span, err)
	}()

	snap, err := s.PoolSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap.FreeWorkers(p) > 0 {
		return 0, nil
	}

	running, err := s.store.Queue().ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing running entries: %w", err)
	}
	return nextFree(running, p, s.now(), s.cfg.OverrunFallback)
}

// nextFree is the minimum remaining time over running entries whose builder accepts p.
func nextFree(running []*models.RunningEntry, p models.Platform, now time.Time, fallback time.Duration) (time.Duration, error) {
	found := false
	var best time.Duration
	for _, r := range running {
		if !r.Builder.Accepts(p) {
			continue
		}
		remaining := r.Remaining(now)
		if remaining < 0 {
			remaining = fallback
		}
		if !found || remaining < best {
			best = remaining
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("%w: no running jobs on %s builders", ErrEstimationUnavailable, p)
	}
	return best, nil
}

// EstimateQueueDelay sums the work ahead of an entry on the builders it
// competes for. Entries ahead have a higher score, or the same score and an
// older job. Each platform group's total is divided by the number of jobs
// that can run in parallel, min(jobs, builders); groups with no builders are
// skipped. The head platform is that of the best-placed competing entry,
// the target included, preferring the target's own platform on score ties
// and then the older job.
func (s *Service) EstimateQueueDelay(ctx context.Context, queueID int64) (qd *QueueDelay, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.EstimateQueueDelay", trace.WithAttributes(attribute.Int64("queue_id", queueID)))
	defer func() { endSpan(span, err) }()

	target, err := s.store.Queue().Get(ctx, queueID)
	if err != nil {
		return nil, translate(err)
	}
	waiting, err := s.store.Queue().ListWaiting(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing waiting entries: %w", err)
	}
	snap, err := s.PoolSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return queueDelay(target, waiting, snap), nil
}

type platformGroup struct {
	jobs  int
	total time.Duration
}

func queueDelay(target *models.QueueEntry, waiting []*models.QueueEntry, snap *models.PoolSnapshot) *QueueDelay {
	own := target.Platform()
	head := target
	groups := make(map[models.Platform]*platformGroup)

	for _, e := range waiting {
		if e.ID == target.ID || !own.Competes(e.Platform()) {
			continue
		}
		if headBefore(e, head, own) {
			head = e
		}
		if !e.Ahead(target) {
			continue
		}
		g, ok := groups[e.Platform()]
		if !ok {
			g = &platformGroup{}
			groups[e.Platform()] = g
		}
		g.jobs++
		g.total += e.EstimatedDuration
	}

	var delay time.Duration
	for platform, g := range groups {
		workers := snap.WorkersForPlatform(platform)
		if workers == 0 {
			continue
		}
		delay += g.total / time.Duration(min(g.jobs, workers))
	}

	return &QueueDelay{Delay: delay, HeadPlatform: head.Platform()}
}

// headBefore orders head-of-line candidates: score, then a platform equal
// to own, then the older job.
func headBefore(a, b *models.QueueEntry, own models.Platform) bool {
	if a.LastScore != b.LastScore {
		return a.LastScore > b.LastScore
	}
	aOwn, bOwn := a.Platform() == own, b.Platform() == own
	if aOwn != bOwn {
		return aOwn
	}
	return a.JobID < b.JobID
}

// EstimateStartTime estimates when an entry starts. Running entries report
// their actual start. Waiting entries start after the head platform's next
// free builder and the queue delay; if the former is unknown the estimate
// carries Known=false. Results are cached briefly when a cache is set.
func (s *Service) EstimateStartTime(ctx context.Context, queueID int64) (est *StartEstimate, err error) {
	ctx, span := s.tracer.Start(ctx, "queue.EstimateStartTime", trace.WithAttributes(attribute.Int64("queue_id", queueID)))
	defer func() { endSpan(span, err) }()

	if s.cache != nil {
		var cached StartEstimate
		if err := s.cache.Get(startKey(queueID), &cached); err == nil {
			span.SetAttributes(attribute.Bool("cached", true))
			return &cached, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("reading cached estimate", "queue_id", queueID, "error", err)
		}
	}

	entry, err := s.store.Queue().Get(ctx, queueID)
	if err != nil {
		return nil, translate(err)
	}

	now := s.now()
	est = &StartEstimate{QueueID: queueID, ComputedAt: now, HeadPlatform: entry.Platform()}

	if entry.Assigned() {
		job, err := s.store.Jobs().Get(ctx, entry.JobID)
		if err != nil {
			return nil, s.integrity(err, queueID, "job")
		}
		est.Running = true
		if job.DateStarted != nil {
			est.Known = true
			est.StartAt = *job.DateStarted
		}
	} else {
		qd, err := s.EstimateQueueDelay(ctx, queueID)
		if err != nil {
			return nil, err
		}
		est.QueueDelay = qd.Delay
		est.HeadPlatform = qd.HeadPlatform

		wait, err := s.EstimateTimeToNextWorker(ctx, qd.HeadPlatform)
		switch {
		case err == nil:
			est.Known = true
			est.WaitForWorker = wait
		case errors.Is(err, ErrEstimationUnavailable):
			s.logger.Debug("no basis for start estimate", "queue_id", queueID, "platform", qd.HeadPlatform.String())
		default:
			return nil, err
		}
		est.StartAt = now.Add(est.WaitForWorker + est.QueueDelay)
	}

	if s.cache != nil {
		if err := s.cache.Put(startKey(queueID), est); err != nil {
			s.logger.Warn("caching estimate", "queue_id", queueID, "error", err)
		}
	}
	return est, nil
}
