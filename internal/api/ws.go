package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/selahlabs/selah/internal/identity"
)

// HandleWS handles GET /api/chat/ws: the same event feed as HandleEvents,
// delivered over WebSocket for clients that prefer it. Both transports carry
// the identical channel shape, so the browser can use either.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed closed"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	conn := h.hub.Attach(userID)
	if conn == nil {
		return
	}
	defer h.hub.Detach(userID, conn)

	slog.Info("websocket feed connected", "user_id", userID)

	ctx := r.Context()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(h.cfg.SSE.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("websocket feed disconnected", "user_id", userID)
			return
		case se := <-conn.ch:
			data, err := marshalSequenced(se)
			if err != nil {
				slog.Warn("failed to marshal websocket event", "error", err, "user_id", userID)
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				slog.Debug("websocket write failed", "error", err, "user_id", userID)
				return
			}
		case <-keepalive.C:
			if err := ws.Ping(ctx); err != nil {
				slog.Debug("websocket ping failed", "error", err, "user_id", userID)
				return
			}
		}
	}
}

// marshalSequenced flattens the event envelope with its feed id.
func marshalSequenced(se sequencedEvent) ([]byte, error) {
	raw, err := json.Marshal(se.Event)
	if err != nil {
		return nil, err
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	id, err := json.Marshal(se.ID)
	if err != nil {
		return nil, err
	}
	envelope["event_id"] = id
	return json.Marshal(envelope)
}

// checkOrigin rejects cross-origin upgrades outside the configured frontend.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	allowed, err := url.Parse(h.cfg.FrontendURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Host, allowed.Host)
}
