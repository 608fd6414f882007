package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/selahlabs/selah/internal/config"
	"github.com/selahlabs/selah/internal/store"
)

// HealthHandler reports service health.
type HealthHandler struct {
	repo    store.Repository
	cfg     *config.Config
	started time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository, cfg *config.Config) *HealthHandler {
	return &HealthHandler{
		repo:    repo,
		cfg:     cfg,
		started: time.Now(),
	}
}

// HandleHealth handles GET /api/health.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := h.repo.Ping(r.Context()); err != nil {
		slog.Warn("health check database ping failed", "error", err)
		dbOK = false
	}

	status := http.StatusOK
	state := "ok"
	if !dbOK {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":            state,
		"database":          dbOK,
		"assistant_enabled": h.cfg.Assistant.URL != "",
		"uptime_seconds":    int64(time.Since(h.started).Seconds()),
	})
}
