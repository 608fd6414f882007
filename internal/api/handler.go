// Package api provides the HTTP surface for the chat session engine.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/selahlabs/selah/internal/chat"
	"github.com/selahlabs/selah/internal/config"
	"github.com/selahlabs/selah/internal/domain"
	"github.com/selahlabs/selah/internal/engine"
	"github.com/selahlabs/selah/internal/identity"
	"github.com/selahlabs/selah/internal/reward"
	"github.com/selahlabs/selah/internal/store"
)

// Handler serves the chat, session, quota, and reward endpoints.
type Handler struct {
	engine      *engine.Engine
	repo        store.Repository
	cfg         *config.Config
	rateLimiter *RateLimiter
	hub         *FeedHub
}

// NewHandler creates the API handler.
func NewHandler(eng *engine.Engine, repo store.Repository, cfg *config.Config) *Handler {
	return &Handler{
		engine:      eng,
		repo:        repo,
		cfg:         cfg,
		rateLimiter: NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		hub:         NewFeedHub(eng, NewReplayQueue(cfg.SSE.ReplayQueueSize)),
	}
}

// RegisterRoutes registers all API routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(h.syncPremium)

		r.Post("/chat/send", h.HandleSend)
		r.Get("/chat/events", h.HandleEvents)
		r.Get("/chat/ws", h.HandleWS)

		r.Get("/sessions", h.HandleListSessions)
		r.Post("/sessions", h.HandleCreateSession)
		r.Post("/sessions/{sessionID}/activate", h.HandleActivateSession)
		r.Delete("/sessions/{sessionID}", h.HandleDeleteSession)
		r.Delete("/sessions", h.HandleClearHistory)

		r.Get("/quota", h.HandleQuota)
		r.Post("/reward/claim", h.HandleClaimReward)
		r.Get("/reward/history", h.HandleRewardHistory)
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Close()
	h.hub.Close()
}

// syncPremium mirrors the premium flag carried by the request identity into
// the quota view before any quota-sensitive handler runs. A sync failure is
// not fatal: the request proceeds on the last known flag.
func (h *Handler) syncPremium(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := identity.UserIDFromContext(r.Context())
		if userID != "" {
			premium := identity.IsPremiumFromContext(r.Context())
			if err := h.engine.SyncPremium(r.Context(), userID, premium); err != nil {
				slog.Warn("failed to sync premium flag", "user_id", userID, "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HandleListSessions handles GET /api/sessions.
func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessions, activeID, err := h.engine.Sessions(r.Context(), userID)
	if err != nil {
		slog.Error("failed to list sessions", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":          sessions,
		"active_session_id": activeID,
	})
}

// HandleCreateSession handles POST /api/sessions.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sess, err := h.engine.CreateSession(r.Context(), userID)
	if err != nil {
		slog.Error("failed to create session", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// HandleActivateSession handles POST /api/sessions/{sessionID}/activate.
func (h *Handler) HandleActivateSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.engine.SwitchSession(r.Context(), userID, sessionID); err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to activate session", "user_id", userID, "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to activate session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active_session_id": sessionID})
}

// HandleDeleteSession handles DELETE /api/sessions/{sessionID}.
func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.engine.DeleteSession(r.Context(), userID, sessionID); err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to delete session", "user_id", userID, "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearHistory handles DELETE /api/sessions.
func (h *Handler) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.engine.ClearHistory(r.Context(), userID); err != nil {
		slog.Error("failed to clear history", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleQuota handles GET /api/quota.
func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	state, err := h.engine.Quota(r.Context(), userID)
	if err != nil {
		slog.Error("failed to load quota", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load quota")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleClaimReward handles POST /api/reward/claim.
func (h *Handler) HandleClaimReward(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)
	var req struct {
		RewardType string `json:"reward_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RewardType == "" {
		writeError(w, http.StatusBadRequest, "reward_type is required")
		return
	}

	result, err := h.engine.ClaimReward(r.Context(), userID, domain.RewardType(req.RewardType))
	if err != nil {
		if errors.Is(err, reward.ErrClaimInFlight) {
			writeError(w, http.StatusConflict, "a claim is already in progress")
			return
		}
		slog.Warn("reward claim failed", "user_id", userID, "reward_type", req.RewardType, "error", err)
		writeError(w, http.StatusBadGateway, "reward claim failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleRewardHistory handles GET /api/reward/history.
func (h *Handler) HandleRewardHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	claims, err := h.engine.RewardHistory(r.Context(), userID)
	if err != nil {
		slog.Error("failed to load reward history", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load reward history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": claims})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
