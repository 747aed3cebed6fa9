package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/queue"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
)

// QueueHandler handles build queue endpoints.
type QueueHandler struct {
	queue   *queue.Service
	outcome *scheduler.Handler
	logger  *slog.Logger
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(q *queue.Service, outcome *scheduler.Handler, logger *slog.Logger) *QueueHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueHandler{queue: q, outcome: outcome, logger: logger}
}

// SubmitRequest is the body of POST /v1/queue.
type SubmitRequest struct {
	JobType     models.JobType  `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Processor   string          `json:"processor,omitempty"`
	Virtualized *bool           `json:"virtualized,omitempty"`
	// EstimatedDurationSeconds of zero uses history or the configured default.
	EstimatedDurationSeconds int64 `json:"estimated_duration_seconds,omitempty"`
}

// ScoreRequest is the body of PUT /v1/queue/{id}/score.
type ScoreRequest struct {
	Score *int `json:"score"`
}

// ScoreResponse reports an entry's score.
type ScoreResponse struct {
	QueueID int64 `json:"queue_id"`
	Score   int   `json:"score"`
	Manual  bool  `json:"manual"`
}

// AssignRequest is the body of POST /v1/queue/{id}/assign.
type AssignRequest struct {
	BuilderID string `json:"builder_id"`
}

// OutcomeRequest is the body of POST /v1/queue/{id}/outcome.
type OutcomeRequest struct {
	Status  models.OutcomeStatus `json:"status"`
	LogTail string               `json:"log_tail,omitempty"`
}

// EstimateResponse is the start estimate of an entry, durations in seconds.
type EstimateResponse struct {
	QueueID              int64           `json:"queue_id"`
	Known                bool            `json:"known"`
	Running              bool            `json:"running"`
	StartAt              time.Time       `json:"start_at"`
	WaitForWorkerSeconds int64           `json:"wait_for_worker_seconds"`
	QueueDelaySeconds    int64           `json:"queue_delay_seconds"`
	HeadPlatform         models.Platform `json:"head_platform"`
	ComputedAt           time.Time       `json:"computed_at"`
}

// CandidatesResponse lists dispatchable entries in dispatch order.
type CandidatesResponse struct {
	QueueIDs []int64 `json:"queue_ids"`
}

// Submit handles POST /v1/queue.
func (h *QueueHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.JobType == "" {
		WriteBadRequest(w, "job_type is required")
		return
	}
	if req.EstimatedDurationSeconds < 0 {
		WriteBadRequest(w, "estimated_duration_seconds must not be negative")
		return
	}

	entry, err := h.queue.Submit(r.Context(), queue.SubmitRequest{
		JobType:           req.JobType,
		Payload:           req.Payload,
		Processor:         req.Processor,
		Virtualized:       req.Virtualized,
		EstimatedDuration: time.Duration(req.EstimatedDurationSeconds) * time.Second,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, entry)
}

// Stats handles GET /v1/queue/stats.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// Get handles GET /v1/queue/{id}.
func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := queueID(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	detail, err := h.queue.Describe(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, detail)
}

// Destroy handles DELETE /v1/queue/{id}.
func (h *QueueHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	id, err := queueID(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if err := h.queue.Destroy(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Score handles POST /v1/queue/{id}/score.
func (h *QueueHandler) Score(w http.ResponseWriter, r *http.Request) {
	id, err := queueID(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	score, err := h.queue.Score(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	entry, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, ScoreResponse{QueueID: id, Score: score, Manual: entry.Manual})
}

// SetScore handles PUT /v1/queue/{id}/score.
func (h *QueueHandler) SetScore(w http.ResponseWriter, r *http.Request) {
	id, err := queueID(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	var req ScoreRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Score == nil {
		WriteBadRequest(w, "score is required")
		return
	}
	if err := h.queue.ManualScore(r.Context(), id, *req.Score); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, ScoreResponse{QueueID: id, Score: *req.Score, Manual: true})
}

// Assign handles POST /v1/queue/{id}/assign.
func (h *QueueHandler) Assign(w http.ResponseWriter, r *http.Request) {
	id, err := queueID(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	var req AssignRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.BuilderID == "" {
		WriteBadRequest(w, "builder_id is required")
		return
	}
	if err := h.queue.AssignToWorker(r.Context(), id, req.BuilderID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.writeEntry(w, r, id)
}

// Reset handles POST /v1/queue/{id}/reset.
func (h *QueueHandler) Reset(w http.ResponseWriter, r *http.Request) {
	id, err := queueID(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if err := h.queue.Reset(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.writeEntry(w, r, id)
}

// Outcome handles POST /v1/queue/{id}/outcome.
func (h *QueueHandler) Outcome(w http.ResponseWriter, r *http.Request) {
	id, err := queueID(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	var req OutcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	err = h.outcome.Outcome(r.Context(), models.Outcome{QueueID: id, Status: req.Status, LogTail: req.LogTail})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Estimate handles GET /v1/queue/{id}/estimate.
func (h *QueueHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	id, err := queueID(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	est, err := h.queue.EstimateStartTime(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, EstimateResponse{
		QueueID:              est.QueueID,
		Known:                est.Known,
		Running:              est.Running,
		StartAt:              est.StartAt,
		WaitForWorkerSeconds: int64(est.WaitForWorker / time.Second),
		QueueDelaySeconds:    int64(est.QueueDelay / time.Second),
		HeadPlatform:         est.HeadPlatform,
		ComputedAt:           est.ComputedAt,
	})
}

// Candidates handles GET /v1/candidates?processor=amd64&processor=arm64.
// Comma-separated lists are accepted too.
func (h *QueueHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	var processors []string
	for _, v := range r.URL.Query()["processor"] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				processors = append(processors, p)
			}
		}
	}
	if len(processors) == 0 {
		WriteBadRequest(w, "at least one processor is required")
		return
	}

	ids, err := h.queue.SelectCandidates(r.Context(), processors)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	WriteJSON(w, http.StatusOK, CandidatesResponse{QueueIDs: ids})
}

func (h *QueueHandler) writeEntry(w http.ResponseWriter, r *http.Request, id int64) {
	entry, err := h.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}
