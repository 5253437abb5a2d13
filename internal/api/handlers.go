package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"page-collab/internal/logger"
	"page-collab/internal/middleware"
	"page-collab/internal/services/collaboration"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const defaultActivityLimit = 50

// Handler serves the WebSocket endpoint and the diagnostics API.
type Handler struct {
	collab    CollaborationService
	activity  ActivityService // nil when the journal is disabled
	wsHandler *collaboration.WebSocketHandler
}

func NewHandler(
	collab CollaborationService,
	activity ActivityService,
	wsHandler *collaboration.WebSocketHandler,
) *Handler {
	return &Handler{
		collab:    collab,
		activity:  activity,
		wsHandler: wsHandler,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Health reports liveness plus a few counters.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":       "ok",
		"connections":  len(h.collab.Connections()),
		"active_pages": len(h.collab.ActivePages()),
	}
	if h.activity != nil {
		resp["activity_queue"] = h.activity.QueueLength()
		resp["activity_dropped"] = h.activity.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListConnections lists every live connection on this instance.
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns := h.collab.Connections()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": conns,
		"count":       len(conns),
	})
}

// ListUserConnections lists the connections bound to one user.
func (h *Handler) ListUserConnections(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	conns := h.collab.UserConnections(userID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"connections": conns,
		"count":       len(conns),
	})
}

// GetPagePresence returns who is viewing a page and their cursors.
func (h *Handler) GetPagePresence(w http.ResponseWriter, r *http.Request) {
	pageID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, h.collab.Presence(pageID))
}

// ListActivePages lists pages with at least one subscriber.
func (h *Handler) ListActivePages(w http.ResponseWriter, r *http.Request) {
	pages := h.collab.ActivePages()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pages": pages,
		"count": len(pages),
	})
}

// ListPageActivity returns the newest journal entries for a page.
func (h *Handler) ListPageActivity(w http.ResponseWriter, r *http.Request) {
	if h.activity == nil {
		writeError(w, http.StatusServiceUnavailable, "activity journal is disabled")
		return
	}

	pageID := mux.Vars(r)["id"]
	limit := defaultActivityLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.activity.Recent(r.Context(), pageID, limit)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		logger.Error("failed to list page activity",
			zap.String("page_id", pageID),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to load activity")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"page_id": pageID,
		"events":  events,
		"count":   len(events),
	})
}
