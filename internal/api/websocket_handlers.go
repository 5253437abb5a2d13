package api

import (
	"net/http"
)

// HandleWebSocket upgrades the request into a collaboration connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleConnection(w, r)
}
