package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/pairgrid/pairgrid/internal/room"
)

// Handler serves the WebSocket upgrade and stats endpoints.
type Handler struct {
	gateway *Gateway
}

// NewHandler creates an HTTP handler around a gateway.
func NewHandler(g *Gateway) *Handler {
	return &Handler{gateway: g}
}

// HandleRoomConnection upgrades a request to a room-scoped WebSocket.
// Expects ?code=<room code>&user=<identity>.
func (h *Handler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	roomCode := room.NormalizeCode(r.URL.Query().Get("code"))
	if roomCode == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}

	if err := h.gateway.Upgrade(w, r, userID, roomCode); err != nil {
		log.Error().
			Err(err).
			Str("room", roomCode).
			Str("user_id", userID).
			Msg("websocket upgrade failed")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}
}

// HandleConnectionStats reports active connection counts per room.
func (h *Handler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	total, rooms := h.gateway.Stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"total_connections": total,
		"active_rooms":      len(rooms),
		"room_connections":  rooms,
	})
}

// RegisterRoutes attaches the gateway endpoints to an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/room", h.HandleRoomConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
