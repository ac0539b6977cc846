package websocket

import (
	"encoding/json"
	"net"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/openctemio/scanregistry/internal/infra/http/middleware"
	"github.com/openctemio/scanregistry/pkg/logger"
)

// Handler handles WebSocket connections.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewHandler creates a new WebSocket handler. allowedOrigins follows the CORS
// configuration; "*" or an empty list accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string, log *logger.Logger) *Handler {
	h := &Handler{
		hub:    hub,
		logger: log.With("component", "websocket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
				return true
			}
			return slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// ServeWS handles WebSocket upgrade requests.
// GET /api/v1/ws?token=xxx
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity := remoteHost(r.RemoteAddr)
	if claims := middleware.GetClaims(r.Context()); claims != nil && claims.Subject != "" {
		identity = claims.Subject
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Warn("websocket upgrade failed", "identity", identity, "error", err)
		return
	}

	client := NewClient(h.hub, conn, identity, h.logger)
	if !h.hub.RegisterClient(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		client.Close()
		return
	}

	h.logger.Info("websocket client connected",
		"client_id", client.ID,
		"identity", identity,
		"remote_addr", r.RemoteAddr,
	)

	go client.WritePump()
	go client.ReadPump()
}

// Stats handles GET /api/v1/ws/stats.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.hub.GetStats()); err != nil {
		h.logger.Error("failed to encode websocket stats", "error", err)
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
