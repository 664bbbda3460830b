package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyHandler reports whether the relay can answer messages.
type ReadyHandler struct {
	db      Pinger
	conv    Conversation
	timeout time.Duration
}

// NewReadyHandler creates a ReadyHandler.
func NewReadyHandler(db Pinger, conv Conversation) *ReadyHandler {
	return &ReadyHandler{db: db, conv: conv, timeout: 5 * time.Second}
}

// Ready returns the status of the history database and the live session.
func (h *ReadyHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{"status": "ready", "checks": checks}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Readiness check failed", "error", err)
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if info, ok := h.conv.Active(); ok {
		checks["session"] = "ok"
		status["persona"] = info.Key
	} else {
		checks["session"] = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}

	if statusCode != http.StatusOK {
		status["status"] = "degraded"
	}
	JSON(w, statusCode, status)
}

// RegisterReady registers the readiness route.
func (h *ReadyHandler) RegisterReady(r chi.Router) {
	r.Get("/ready", h.Ready)
}
