package collaboration

import (
	"net/http"
	"net/url"
	"strings"

	"page-collab/internal/logger"
	"page-collab/internal/middleware"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// WebSocketHandler upgrades HTTP requests into collaboration connections.
// Identity is established afterwards by an `auth` frame, not by the upgrade.
type WebSocketHandler struct {
	sessionManager *SessionManager
	upgrader       websocket.Upgrader
}

// NewWebSocketHandler accepts origins matching allowedOrigins; "*" (or an
// empty list) accepts any origin.
func NewWebSocketHandler(sessionManager *SessionManager, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients do not send Origin.
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if set[strings.ToLower(u.Scheme+"://"+u.Host)] {
			return true
		}
		logger.Warn("rejected websocket origin", zap.String("origin", origin))
		return false
	}
}

// HandleConnection upgrades the request and serves the connection until it
// closes. The read pump runs on the request goroutine.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("remote.addr", r.RemoteAddr),
	)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade websocket", zap.Error(err))
		middleware.AddSpanError(ctx, err)
		span.End()
		return
	}

	c := h.sessionManager.Connect(conn)
	span.SetAttributes(attribute.String("connection.id", c.ID))
	span.End()

	go c.WritePump(h.sessionManager)
	c.ReadPump(ctx, h.sessionManager)
}
