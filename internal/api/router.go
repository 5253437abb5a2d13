package api

import (
	"page-collab/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	// Diagnostics
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/connections", h.ListConnections).Methods("GET")
	api.HandleFunc("/users/{id}/connections", h.ListUserConnections).Methods("GET")
	api.HandleFunc("/pages", h.ListActivePages).Methods("GET")
	api.HandleFunc("/pages/{id}/presence", h.GetPagePresence).Methods("GET")
	api.HandleFunc("/pages/{id}/activity", h.ListPageActivity).Methods("GET")

	// Collaboration
	r.HandleFunc("/ws", h.HandleWebSocket)

	return r
}
