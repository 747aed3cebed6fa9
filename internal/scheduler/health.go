package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/buildfarm/internal/queue"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// HealthMonitor periodically marks builders with stale heartbeats unhealthy
// and returns the entries they held to the queue.
type HealthMonitor struct {
	queue           *queue.Service
	store           store.Store
	healthThreshold time.Duration
	checkInterval   time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewHealthMonitor creates a new HealthMonitor instance.
func NewHealthMonitor(q *queue.Service, st store.Store, healthThreshold, checkInterval time.Duration, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		queue:           q,
		store:           st,
		healthThreshold: healthThreshold,
		checkInterval:   checkInterval,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
		stopChan:        make(chan struct{}),
	}
}

// Start begins the periodic health check loop.
func (h *HealthMonitor) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.stopChan = make(chan struct{})
	stop := h.stopChan
	h.mu.Unlock()

	h.logger.Info("starting health monitor",
		"health_threshold", h.healthThreshold,
		"check_interval", h.checkInterval,
	)

	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("health monitor stopped by context")
			return ctx.Err()
		case <-stop:
			h.logger.Info("health monitor stopped")
			return nil
		case <-ticker.C:
			if _, err := h.CheckBuilders(ctx); err != nil {
				h.logger.Error("health check failed", "error", err)
			}
		}
	}
}

// Stop stops the health monitor.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		close(h.stopChan)
		h.running = false
	}
}

// CheckBuilders marks healthy builders whose last heartbeat is older than
// the threshold as unhealthy and resets the entries assigned to them. It
// returns how many builders were marked.
func (h *HealthMonitor) CheckBuilders(ctx context.Context) (int, error) {
	threshold := h.now().Add(-h.healthThreshold)
	stale, err := h.store.Builders().ListStale(ctx, threshold)
	if err != nil {
		return 0, fmt.Errorf("listing stale builders: %w", err)
	}

	marked := 0
	for _, b := range stale {
		h.logger.Warn("marking builder as unhealthy due to stale heartbeat",
			"builder_id", b.ID,
			"last_heartbeat", b.LastHeartbeat,
			"threshold", threshold,
		)
		if err := h.store.Builders().UpdateHealth(ctx, b.ID, false); err != nil {
			h.logger.Error("failed to update builder health", "builder_id", b.ID, "error", err)
			continue
		}
		marked++

		held, err := h.store.Queue().ListByBuilder(ctx, b.ID)
		if err != nil {
			h.logger.Error("failed to list entries of unhealthy builder", "builder_id", b.ID, "error", err)
			continue
		}
		for _, e := range held {
			if err := h.queue.Reset(ctx, e.ID); err != nil && !errors.Is(err, queue.ErrNotFound) {
				h.logger.Error("failed to reset entry", "queue_id", e.ID, "builder_id", b.ID, "error", err)
				continue
			}
			h.logger.Info("entry returned to queue", "queue_id", e.ID, "builder_id", b.ID)
		}
	}
	return marked, nil
}
