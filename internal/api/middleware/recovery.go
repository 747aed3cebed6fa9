package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Recovery returns a middleware that recovers from panics and logs the error.
// The response carries a correlation ID that also appears in the log.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					correlationID := uuid.NewString()
					logger.Error("panic recovered",
						"error", rec,
						"correlation_id", correlationID,
						"stack_trace", string(debug.Stack()),
						"request_id", middleware.GetReqID(r.Context()),
						"method", r.Method,
						"path", r.URL.Path,
					)
					writeJSONError(w, http.StatusInternalServerError, "internal_error",
						"An unexpected error occurred (correlation id "+correlationID+")")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
