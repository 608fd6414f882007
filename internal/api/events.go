package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/selahlabs/selah/internal/identity"
)

// HandleEvents handles GET /api/chat/events: a long-lived SSE feed of session
// and quota changes with Last-Event-ID replay and keepalive pings.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Parse Last-Event-ID header or query param for replay.
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("event feed reconnecting", "user_id", userID, "last_event_id", lastEventID)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.cfg.SSE.RetryDelay.Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	conn := h.hub.Attach(userID)
	if conn == nil {
		return
	}
	defer h.hub.Detach(userID, conn)

	// Replay missed events before live ones.
	if lastEventID > 0 {
		missed := h.hub.Missed(userID, lastEventID)
		for _, qe := range missed {
			if err := h.writeEvent(w, qe.EventID, qe.Event); err != nil {
				slog.Warn("failed to replay SSE event", "error", err, "user_id", userID)
				return
			}
		}
		if len(missed) > 0 {
			flusher.Flush()
		}
	}

	connectedID := h.hub.NextEventID()
	connected := fmt.Sprintf(`{"status":"connected","event_id":%d}`, connectedID)
	if err := writeSSEWithID(w, connectedID, "connected", connected); err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	slog.Info("event feed connected", "user_id", userID, "reconnect", lastEventID > 0)

	keepalive := time.NewTicker(h.cfg.SSE.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("event feed disconnected", "user_id", userID)
			return
		case se := <-conn.ch:
			if err := h.writeEvent(w, se.ID, se.Event); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeEvent(w io.Writer, id int64, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}
	return writeSSEWithID(w, id, "message", string(data))
}
