// Package room implements the per-room actor that owns a collaboration
// session: connection admission, the shared document, persistence
// scheduling, permission revalidation and teardown.
package room

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"collabsync/internal/auth"
	"collabsync/internal/crdt"
	"collabsync/internal/models"
	"collabsync/internal/refsync"
)

// SnapshotStore persists full document snapshots in the external blob
// store. Load returns platform.ErrNotFound for rooms never saved.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, roomID string) ([]byte, error)
	SaveSnapshot(ctx context.Context, roomID string, snapshot []byte) error
}

// AccessChecker answers whether a user may (still) be in a room.
type AccessChecker interface {
	CheckAccess(ctx context.Context, roomID, userID string) (bool, error)
}

// StateStore is the durable per-room slot holding the room key and the
// pending timer kind.
type StateStore interface {
	SaveRoomKey(ctx context.Context, roomKey string) error
	SetTimerKind(ctx context.Context, roomKey string, kind models.TimerKind) error
	GetTimerKind(ctx context.Context, roomKey string) (models.TimerKind, error)
	ClearTimer(ctx context.Context, roomKey string) error
}

// Intervals groups the room timer configuration.
type Intervals struct {
	PeriodicSave   time.Duration
	DisconnectSave time.Duration
	ReferencePush  time.Duration
	PresenceFrame  time.Duration
	ReferenceTTL   time.Duration
}

// Deps are the external collaborators every room shares.
type Deps struct {
	Verifier  auth.Verifier
	Snapshots SnapshotStore
	Access    AccessChecker
	Registry  refsync.Registry
	States    StateStore
	Intervals Intervals

	// Default grid dimensions for bootstrapping spreadsheet rooms
	GridRows int
	GridCols int
}

// Manager hands out room actors. State is partitioned by room key with
// single-writer ownership per partition: the manager's map is guarded
// here, each room by its own mutex.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Room
	deps  Deps

	// shared compression codecs, constructed once per process
	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

func NewManager(deps Deps) *Manager {
	zenc, _ := zstd.NewWriter(nil)
	zdec, _ := zstd.NewReader(nil)
	return &Manager{
		rooms: make(map[string]*Room),
		deps:  deps,
		zenc:  zenc,
		zdec:  zdec,
	}
}

// GetOrCreate returns the actor owning roomKey, lazily creating and
// rehydrating it on first use.
func (m *Manager) GetOrCreate(roomKey string) (*Room, error) {
	ref, err := models.ParseRoomKey(roomKey)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomKey]; ok {
		return r, nil
	}

	r := newRoom(m, ref)
	m.rooms[roomKey] = r

	// Rehydrate the durable timer slot: a timer pending when the previous
	// process died must fire in this one too.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	kind, err := m.deps.States.GetTimerKind(ctx, roomKey)
	if err != nil {
		log.Printf("room %s: timer rehydration failed: %v", roomKey, err)
		return r, nil
	}
	if kind != models.TimerNone {
		r.mu.Lock()
		r.armTimer(kind, r.delayFor(kind))
		r.mu.Unlock()
	}
	return r, nil
}

// remove drops a stopped room from the partition map.
func (m *Manager) remove(roomKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomKey)
}

// Shutdown closes every room: connections dropped, best-effort final
// saves issued.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, r := range rooms {
		r.shutdown()
	}
}

// compress wraps a snapshot for the blob store.
func (m *Manager) compress(b []byte) []byte {
	return m.zenc.EncodeAll(b, make([]byte, 0, len(b)/2))
}

// decompress unwraps a stored snapshot. Snapshots written before
// compression was introduced pass through unchanged.
func (m *Manager) decompress(b []byte) []byte {
	out, err := m.zdec.DecodeAll(b, nil)
	if err != nil {
		return b
	}
	return out
}

// newDoc builds the replicated document a room hosts.
func newDoc() *crdt.Doc {
	return crdt.NewDoc(serverReplicaID())
}
