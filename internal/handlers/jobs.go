package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/subcatalog/backend/internal/auth"
	"github.com/PortNumber53/subcatalog/backend/internal/models"
	"github.com/PortNumber53/subcatalog/backend/internal/worker"
)

// RoleAdmin is the claims role allowed to inspect the outbox.
const RoleAdmin = "admin"

// JobStatsSource reports notification outbox depth.
type JobStatsSource interface {
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// WorkerStats reports in-process worker counters.
type WorkerStats interface {
	GetStats() worker.Stats
}

// JobHandler holds dependencies for job handlers
type JobHandler struct {
	Store  JobStatsSource
	Worker WorkerStats
	logger *slog.Logger
}

// NewJobHandler creates a new JobHandler instance. w may be nil.
func NewJobHandler(store JobStatsSource, w WorkerStats, log *slog.Logger) *JobHandler {
	return &JobHandler{Store: store, Worker: w, logger: log}
}

// RegisterRoutes registers job handlers with the router
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/jobs/stats", h.Stats())
}

// Stats returns queue statistics, plus worker counters when a worker runs in
// this process.
func (h *JobHandler) Stats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			writeError(w, h.logger, fmt.Errorf("missing access token: %w", models.ErrInvalidCredential))
			return
		}
		if claims.Role != RoleAdmin {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "admin role required", Code: "forbidden"})
			return
		}

		stats, err := h.Store.GetStats(r.Context())
		if err != nil {
			writeError(w, h.logger, fmt.Errorf("job stats: %w", err))
			return
		}

		payload := map[string]any{"queue": stats}
		if h.Worker != nil {
			payload["worker"] = h.Worker.GetStats()
		}
		writeJSON(w, http.StatusOK, payload)
	}
}
