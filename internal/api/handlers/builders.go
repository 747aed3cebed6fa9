package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/queue"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
)

// BuilderHandler handles builder fleet endpoints.
type BuilderHandler struct {
	queue     *queue.Service
	heartbeat *scheduler.Handler
	logger    *slog.Logger
}

// NewBuilderHandler creates a new builder handler.
func NewBuilderHandler(q *queue.Service, heartbeat *scheduler.Handler, logger *slog.Logger) *BuilderHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuilderHandler{queue: q, heartbeat: heartbeat, logger: logger}
}

// NextFreeResponse is the estimated wait for a builder of one platform.
type NextFreeResponse struct {
	Platform    models.Platform `json:"platform"`
	Known       bool            `json:"known"`
	WaitSeconds int64           `json:"wait_seconds"`
}

// Pool handles GET /v1/builders/pool.
func (h *BuilderHandler) Pool(w http.ResponseWriter, r *http.Request) {
	snap, err := h.queue.PoolSnapshot(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if snap.Counts == nil {
		snap.Counts = []models.PlatformCount{}
	}
	WriteJSON(w, http.StatusOK, snap)
}

// NextFree handles GET /v1/builders/next-free?processor=…&virtualized=….
// An empty processor asks about platform-independent jobs; virtualized
// defaults to true.
func (h *BuilderHandler) NextFree(w http.ResponseWriter, r *http.Request) {
	p := models.Platform{Processor: r.URL.Query().Get("processor"), Virtualized: true}
	if v := r.URL.Query().Get("virtualized"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteBadRequest(w, "virtualized must be a boolean")
			return
		}
		p.Virtualized = b
	}

	wait, err := h.queue.EstimateTimeToNextWorker(r.Context(), p)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, NextFreeResponse{Platform: p, Known: true, WaitSeconds: int64(wait / time.Second)})
	case errors.Is(err, queue.ErrEstimationUnavailable):
		WriteJSON(w, http.StatusOK, NextFreeResponse{Platform: p})
	default:
		writeServiceError(w, h.logger, err)
	}
}

// Heartbeat handles POST /v1/builders/heartbeat.
func (h *BuilderHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := decodeJSON(r, &hb); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	b, err := h.heartbeat.Heartbeat(r.Context(), hb)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, b)
}
