package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/selahlabs/selah/internal/chat"
	"github.com/selahlabs/selah/internal/domain"
	"github.com/selahlabs/selah/internal/engine"
	"github.com/selahlabs/selah/internal/identity"
)

type sendRequest struct {
	Message string `json:"message"`
}

// HandleSend handles POST /api/chat/send.
//
// The engine returns as soon as the placeholder exists; the reply streams in
// the background. Clients that accept text/event-stream get this message's
// deltas inline; everyone else gets the send result as JSON and watches the
// event feed.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	wantStream := strings.Contains(r.Header.Get("Accept"), "text/event-stream")

	// Subscribe before sending so no early delta is missed.
	var events <-chan chat.Event
	var cancel func()
	if wantStream {
		events, cancel = h.engine.Subscribe(userID)
		defer cancel()
	}

	result, err := h.engine.SendMessage(r.Context(), userID, req.Message)
	if err != nil {
		slog.Error("send failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	slog.Info("chat send",
		"user_id", userID,
		"outcome", result.Outcome,
		"session_id", result.SessionID,
		"message_length", len(req.Message),
	)

	if !wantStream || result.Outcome != engine.OutcomeAccepted {
		writeJSON(w, http.StatusOK, result)
		return
	}

	h.streamSend(w, r, result, events)
}

// streamSend relays the placeholder's delta events to the caller as SSE until
// the message reaches a terminal status.
func (h *Handler) streamSend(w http.ResponseWriter, r *http.Request, result engine.SendResult, events <-chan chat.Event) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	accepted, err := json.Marshal(result)
	if err != nil {
		slog.Warn("failed to marshal send result", "error", err)
		return
	}
	if err := writeSSE(w, "accepted", string(accepted)); err != nil {
		slog.Warn("failed to write SSE accepted event", "error", err)
		return
	}
	flusher.Flush()

	placeholderID := result.Placeholder.ID
	keepalive := time.NewTicker(h.cfg.SSE.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			if event.Message == nil || event.Message.ID != placeholderID {
				continue
			}
			data, err := json.Marshal(event.Message)
			if err != nil {
				slog.Warn("failed to marshal message event", "error", err)
				continue
			}
			if err := writeSSE(w, "message", string(data)); err != nil {
				slog.Warn("failed to write SSE message event", "error", err)
				return
			}
			flusher.Flush()

			switch event.Message.Status {
			case domain.StatusComplete:
				if err := writeSSE(w, "done", `{"status":"complete"}`); err == nil {
					flusher.Flush()
				}
				return
			case domain.StatusFailed:
				if err := writeSSE(w, "error", `{"status":"failed"}`); err == nil {
					flusher.Flush()
				}
				return
			}
		}
	}
}
