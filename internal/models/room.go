package models

import (
	"fmt"
	"strings"
	"time"
)

// TimerKind tags the single pending timer slot of a room so a restarted
// actor can interpret a fired timer correctly.
type TimerKind string

const (
	TimerNone               TimerKind = ""
	TimerPeriodic           TimerKind = "periodic"
	TimerDisconnectDebounce TimerKind = "disconnect-debounce"
)

// RoomState is the durable per-room slot. It holds the minimum needed to
// rehydrate a room after a process restart: the room key and the kind of
// the pending timer.
type RoomState struct {
	RoomKey   string    `gorm:"type:varchar(128);primaryKey" json:"room_key"`
	TimerKind TimerKind `gorm:"type:varchar(32)" json:"timer_kind"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName override
func (RoomState) TableName() string {
	return "room_states"
}

// ResourceKind identifies what kind of resource a room collaborates on.
type ResourceKind string

const (
	ResourceDocument ResourceKind = "document"
	ResourceDiagram  ResourceKind = "diagram"
	ResourceSheet    ResourceKind = "sheet"
)

// Tabular reports whether rooms of this kind carry a grid binding and a
// reference extractor.
func (k ResourceKind) Tabular() bool {
	return k == ResourceSheet
}

// RoomRef is the decoded form of an opaque room key ("kind:id").
type RoomRef struct {
	Kind ResourceKind
	ID   string
}

// ParseRoomKey decodes an opaque room key into its resource kind and id.
func ParseRoomKey(key string) (RoomRef, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return RoomRef{}, fmt.Errorf("malformed room key %q", key)
	}
	switch ResourceKind(kind) {
	case ResourceDocument, ResourceDiagram, ResourceSheet:
		return RoomRef{Kind: ResourceKind(kind), ID: id}, nil
	default:
		return RoomRef{}, fmt.Errorf("unknown resource kind %q in room key", kind)
	}
}

// String re-encodes the room key.
func (r RoomRef) String() string {
	return string(r.Kind) + ":" + r.ID
}
