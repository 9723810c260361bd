package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"collabsync/internal/middleware"
	"collabsync/internal/room"
)

func SetupRoutes(wsHandler *room.Handler) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// Health check endpoint
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// WebSocket routes. Room keys look like "sheet:abc123", so the path
	// segment needs an explicit pattern that allows the colon.
	r.HandleFunc("/ws/rooms/{key:[a-z]+:[A-Za-z0-9_-]+}", wsHandler.HandleRoomConnection)

	return r
}
