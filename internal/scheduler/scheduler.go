// Package scheduler drives the build queue: periodic dispatch passes,
// builder health checks and the builder feeds.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/queue"
	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/narvanalabs/buildfarm/pkg/config"
)

// candidateLimit bounds how many candidates one idle builder walks per pass.
const candidateLimit = 20

// PassResult summarises one dispatch pass.
type PassResult struct {
	Scored   int
	Rescored bool
	Idle     int
	Assigned int
}

// Dispatcher scores waiting entries and hands them to idle builders.
// Several dispatchers may share one store; the claim in AssignToWorker
// keeps them from handing out the same entry twice.
type Dispatcher struct {
	queue    *queue.Service
	store    store.Store
	interval time.Duration
	rescore  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	passMu      sync.Mutex
	lastRescore time.Time

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewDispatcher creates a dispatcher over q and the builder registry in st.
func NewDispatcher(q *queue.Service, st store.Store, cfg config.SchedulerConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:    q,
		store:    st,
		interval: cfg.Interval,
		rescore:  cfg.RescoreInterval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
	}
}

// RunOnce scores pending entries, then offers each idle builder its best
// candidates until one claim succeeds. Every rescore interval all waiting
// entries are rescored so age bonuses take effect.
func (d *Dispatcher) RunOnce(ctx context.Context) (PassResult, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	var res PassResult
	now := d.now()
	res.Rescored = d.lastRescore.IsZero() || now.Sub(d.lastRescore) >= d.rescore

	scored, err := d.queue.ScorePending(ctx, res.Rescored)
	if err != nil {
		return res, fmt.Errorf("scoring pending entries: %w", err)
	}
	res.Scored = scored
	if res.Rescored {
		d.lastRescore = now
	}

	idle, err := d.store.Builders().ListIdle(ctx)
	if err != nil {
		return res, fmt.Errorf("listing idle builders: %w", err)
	}
	res.Idle = len(idle)

	for _, b := range idle {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		ok, err := d.dispatchTo(ctx, b)
		if err != nil {
			d.logger.Error("dispatch failed", "builder_id", b.ID, "error", err)
			continue
		}
		if ok {
			res.Assigned++
		}
	}

	if res.Assigned > 0 || res.Scored > 0 {
		d.logger.Info("dispatch pass complete",
			"scored", res.Scored,
			"rescored", res.Rescored,
			"idle_builders", res.Idle,
			"assigned", res.Assigned,
		)
	}
	return res, nil
}

// dispatchTo walks the builder's candidates in dispatch order.
func (d *Dispatcher) dispatchTo(ctx context.Context, b *models.Builder) (bool, error) {
	candidates, err := d.queue.CandidatesFor(ctx, b, candidateLimit)
	if err != nil {
		return false, err
	}
	for _, c := range candidates {
		err := d.queue.AssignToWorker(ctx, c.ID, b.ID)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrInvalidTransition):
			// Lost a race with another dispatcher, a destroy or a heartbeat.
			d.logger.Debug("candidate skipped", "queue_id", c.ID, "builder_id", b.ID, "error", err)
		default:
			return false, err
		}
	}
	return false, nil
}

// Start runs dispatch passes on a ticker until ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.stopChan = make(chan struct{})
	stop := d.stopChan
	d.mu.Unlock()

	d.logger.Info("starting dispatcher", "interval", d.interval, "rescore_interval", d.rescore)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped by context")
			return ctx.Err()
		case <-stop:
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("dispatch pass failed", "error", err)
			}
		}
	}
}

// Stop stops the dispatcher.
// A pass already in progress finishes before Stop returns.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.running {
		close(d.stopChan)
		d.running = false
	}
	d.mu.Unlock()

	d.passMu.Lock()
	defer d.passMu.Unlock()
}
