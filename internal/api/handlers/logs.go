package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/narvanalabs/buildfarm/internal/queue"
)

// LogTailHandler streams an entry's log tail over a websocket.
type LogTailHandler struct {
	queue    *queue.Service
	interval time.Duration
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewLogTailHandler creates a handler that polls the tail every interval.
func NewLogTailHandler(q *queue.Service, interval time.Duration, logger *slog.Logger) *LogTailHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &LogTailHandler{
		queue:    q,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Stream handles GET /v1/queue/{id}/log. Each change of the tail is sent as
// one text message. The socket closes normally once the entry is gone.
func (h *LogTailHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, err := queueID(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if _, err := h.queue.Get(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("log tail upgrade failed", "queue_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client sends nothing; reading only notices when it goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Debug("log tail stream started", "queue_id", id)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	last := ""
	for {
		entry, err := h.queue.Get(ctx, id)
		switch {
		case errors.Is(err, queue.ErrNotFound):
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job gone")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		case err != nil:
			if ctx.Err() == nil {
				h.logger.Error("reading log tail", "queue_id", id, "error", err)
				msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			return
		case entry.LogTail != last:
			last = entry.LogTail
			if err := conn.WriteMessage(websocket.TextMessage, []byte(last)); err != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
