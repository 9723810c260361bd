package room

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"collabsync/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin properly
		return true
	},
}

// Handler upgrades HTTP requests into room websocket connections.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// HandleRoomConnection handles a websocket connection for a specific room.
// The room key lives in the path, the auth token in the query string
// (browsers cannot set headers on websocket upgrades).
func (h *Handler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	roomKey := vars["key"]
	token := r.URL.Query().Get("token")

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("room.key", roomKey),
	)
	defer span.End()

	room, err := h.manager.GetOrCreate(roomKey)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		http.Error(w, "invalid room key", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	room.Connect(ctx, newConn(ws), token)
}
