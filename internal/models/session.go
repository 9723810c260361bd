package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active WebSocket connection to a room
type Session struct {
	ID           string    `json:"id"`
	RoomKey      string    `json:"room_key"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func NewSession(roomKey, userID, userName string) *Session {
	return &Session{
		ID:           ksuid.New().String(),
		RoomKey:      roomKey,
		UserID:       userID,
		UserName:     userName,
		ConnectedAt:  time.Now(),
		LastActiveAt: time.Now(),
	}
}

// SelectionRect is a rectangular cell selection (inclusive, zero-based).
type SelectionRect struct {
	StartRow int `json:"start_row"`
	StartCol int `json:"start_col"`
	EndRow   int `json:"end_row"`
	EndCol   int `json:"end_col"`
}

// AwarenessState is ephemeral per-connection presence. It is broadcast to
// peers while the connection lives and is never part of a snapshot.
type AwarenessState struct {
	User      *UserInfo      `json:"user,omitempty"`
	Selection *SelectionRect `json:"selection,omitempty"`
}

// UserInfo identifies a connected user to its peers
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"` // Hex color for cursor/highlight
}
