package room

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"collabsync/internal/auth"
	"collabsync/internal/crdt"
	"collabsync/internal/grid"
	"collabsync/internal/middleware"
	"collabsync/internal/models"
	"collabsync/internal/refsync"
)

func serverReplicaID() string {
	return "srv-" + uuid.NewString()
}

// Room is the single-writer actor owning one collaboration session. All
// mutable state is guarded by mu; the only asynchronous operations are
// auth verification, snapshot load/save, permission checks and reference
// fetch/push, each of which runs outside the lock.
type Room struct {
	manager *Manager
	ref     models.RoomRef
	key     string

	loadOnce sync.Once

	mu        sync.Mutex
	doc       *crdt.Doc
	conns     map[*Conn]bool
	awareness map[string]*models.AwarenessState // session id -> state

	// tabular rooms only
	sheet     *grid.Sheet
	binding   *grid.Binding
	extractor *refsync.Extractor
	renderer  *grid.OverlayRenderer

	// single pending timer slot
	timer     *time.Timer
	timerKind models.TimerKind

	stopped bool
}

func newRoom(m *Manager, ref models.RoomRef) *Room {
	return &Room{
		manager:   m,
		ref:       ref,
		key:       ref.String(),
		doc:       newDoc(),
		conns:     make(map[*Conn]bool),
		awareness: make(map[string]*models.AwarenessState),
	}
}

func (r *Room) deps() *Deps { return &r.manager.deps }

// ---------------------------------------------------------------------------
// Connect / disconnect

// Connect authenticates and admits a freshly upgraded websocket. Auth
// failures send a structured message and close with the fixed code for the
// failure kind; nothing propagates to the transport layer.
func (r *Room) Connect(ctx context.Context, c *Conn, token string) {
	ctx, span := middleware.StartSpan(ctx, "Room.Connect",
		attribute.String("room.key", r.key),
	)
	defer span.End()

	identity, err := r.deps().Verifier.Verify(ctx, token, r.key)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		r.rejectConn(c, err)
		return
	}
	c.Session = models.NewSession(r.key, identity.UserID, identity.DisplayName)
	c.ID = c.Session.ID

	// Cold start: first successful connection since actor start loads the
	// latest snapshot. Concurrent first-joiners serialize here.
	r.loadOnce.Do(func() { r.coldStart(ctx) })

	// Persist the room key so a timer fired after a process restart can
	// identify its room. Best effort.
	if err := r.deps().States.SaveRoomKey(ctx, r.key); err != nil {
		log.Printf("room %s: failed to persist room key: %v", r.key, err)
	}

	r.mu.Lock()
	if r.stopped {
		// actor tore down while we were authenticating; hand off to a
		// fresh one
		r.mu.Unlock()
		replacement, err := r.manager.GetOrCreate(r.key)
		if err == nil && replacement != r {
			replacement.Connect(ctx, c, token)
			return
		}
		r.rejectConn(c, errors.New("room stopped"))
		return
	}
	r.conns[c] = true
	c.room = r

	if r.ref.Kind.Tabular() && r.binding == nil {
		r.attachTabular()
	}

	// Arm the periodic save loop unless some timer is already pending. A
	// pending disconnect-debounce keeps its slot; its handler reschedules
	// the periodic loop when it finds the room occupied again.
	if r.timerKind == models.TimerNone {
		r.armTimer(models.TimerPeriodic, r.deps().Intervals.PeriodicSave)
	}
	r.sendInitialState(c)
	r.mu.Unlock()

	go c.writePump()
	go c.readPump()

	log.Printf("✓ connection %s joined room %s (user %s)", c.ID, r.key, identity.UserID)
}

// rejectConn maps an admission failure to its client message and close
// code. Send failures on a dead socket are swallowed.
func (r *Room) rejectConn(c *Conn, err error) {
	msgType := models.MessageTypeAuthError
	code := models.CodeServerInternalError
	closeCode := models.CloseServerInternal
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		code, closeCode = models.CodeAuthMissing, models.CloseAuthMissing
	case errors.Is(err, auth.ErrInvalidToken):
		code, closeCode = models.CodeAuthInvalid, models.CloseAuthInvalid
	case errors.Is(err, auth.ErrServerConfig):
		msgType, code, closeCode = models.MessageTypeError, models.CodeServerConfigError, models.CloseServerConfig
	default:
		msgType = models.MessageTypeError
	}
	c.sendControl(models.MarshalMessage(models.ErrorMessage{Type: msgType, Code: code}))
	c.closeWithCode(closeCode, code)
}

// disconnect removes a connection. When the room empties, the periodic
// save loop yields its slot to a disconnect-debounce timer that owns the
// final save.
func (r *Room) disconnect(c *Conn) {
	r.mu.Lock()
	if !r.conns[c] {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c)
	delete(r.awareness, c.ID)
	c.closeSend()
	empty := len(r.conns) == 0
	if empty && !r.stopped {
		r.armTimer(models.TimerDisconnectDebounce, r.deps().Intervals.DisconnectSave)
	}
	r.mu.Unlock()

	if !empty {
		r.broadcastAwareness(c.ID, nil)
		r.refreshOverlays()
	}
	log.Printf("connection %s left room %s (remaining: %d)", c.ID, r.key, r.connCount())
}

func (r *Room) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// attachTabular wires the grid binding, overlay renderer and reference
// extractor onto the document. Caller holds r.mu.
func (r *Room) attachTabular() {
	r.sheet = grid.NewSheet(r.deps().GridCols)
	r.binding = grid.NewBinding(r.doc, r.sheet, r.deferTick, r.broadcastFromBinding)
	r.renderer = grid.NewOverlayRenderer(r.sheet, "", r.deferFrame)
	r.extractor = refsync.NewExtractor(
		r.doc, r.ref.ID, r.deps().Registry,
		r.deps().Intervals.ReferencePush, r.deps().Intervals.ReferenceTTL,
		r.runLocked,
	)
	if err := r.binding.Bootstrap(r.deps().GridRows, r.deps().GridCols); err != nil {
		log.Printf("room %s: grid bootstrap failed: %v", r.key, err)
	}
}

// deferTick runs fn on the next scheduling tick, holding the room.
func (r *Room) deferTick(fn func()) {
	time.AfterFunc(0, func() { r.runLocked(fn) })
}

// deferFrame coalesces fn to the presence frame interval, holding the room.
func (r *Room) deferFrame(fn func()) {
	time.AfterFunc(r.deps().Intervals.PresenceFrame, func() { r.runLocked(fn) })
}

func (r *Room) runLocked(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	fn()
}

// ---------------------------------------------------------------------------
// Message handling

// handleUpdate applies a remote CRDT update and rebroadcasts it to every
// other replica. Observers (grid binding, extractor) fire inside the
// apply, in commit order.
func (r *Room) handleUpdate(sender *Conn, update []byte) {
	r.mu.Lock()
	err := r.doc.ApplyUpdate(update)
	r.mu.Unlock()
	if err != nil {
		log.Printf("room %s: dropping malformed update from %s: %v", r.key, sender.ID, err)
		return
	}
	r.broadcast(outbound{binary: true, data: update}, sender)
}

// handleAppMessage dispatches a JSON text frame from a client.
func (r *Room) handleAppMessage(sender *Conn, raw []byte) {
	var envelope models.ClientMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		log.Printf("room %s: dropping malformed message from %s: %v", r.key, sender.ID, err)
		return
	}
	switch envelope.Type {
	case models.MessageTypePresenceUpdate:
		// where-in-the-app presence: fan out to peers untouched
		r.broadcast(outbound{data: raw}, sender)
	case models.MessageTypeAwareness:
		var msg models.AwarenessMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		r.mu.Lock()
		r.awareness[sender.ID] = msg.State
		r.mu.Unlock()
		r.broadcastAwareness(sender.ID, msg.State)
		r.refreshOverlays()
	default:
		log.Printf("room %s: ignoring message type %q from %s", r.key, envelope.Type, sender.ID)
	}
}

// broadcastFromBinding fans out updates created by the binding's own
// transactions (bootstrap compaction, formula value refresh). Called with
// r.mu held, so it must not relock.
func (r *Room) broadcastFromBinding(update []byte) {
	for c := range r.conns {
		c.enqueue(outbound{binary: true, data: update})
	}
}

// broadcast fans a message out to every connection except the sender.
func (r *Room) broadcast(msg outbound, except *Conn) {
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		if c != except {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()
	for _, c := range targets {
		c.enqueue(msg)
	}
}

func (r *Room) broadcastAwareness(sessionID string, state *models.AwarenessState) {
	msg := models.MarshalMessage(models.AwarenessMessage{
		Type:      models.MessageTypeAwareness,
		SessionID: sessionID,
		State:     state,
	})
	r.broadcast(outbound{data: msg}, nil)
}

// sendInitialState queues the current document state and peer awareness
// for a freshly admitted connection. Caller holds r.mu; the frames sit in
// the send buffer until the write pump starts.
func (r *Room) sendInitialState(c *Conn) {
	state, err := r.doc.EncodeState()
	if err != nil {
		log.Printf("room %s: initial state encode failed for %s: %v", r.key, c.ID, err)
	} else if state != nil {
		c.enqueue(outbound{binary: true, data: state})
	}
	for id, st := range r.awareness {
		c.enqueue(outbound{data: models.MarshalMessage(models.AwarenessMessage{
			Type:      models.MessageTypeAwareness,
			SessionID: id,
			State:     st,
		})})
	}
}

// refreshOverlays repaints peer selections on the server-side widget.
func (r *Room) refreshOverlays() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renderer == nil {
		return
	}
	peers := make(map[string]*models.AwarenessState, len(r.awareness))
	for id, st := range r.awareness {
		peers[id] = st
	}
	active := make(map[string]bool, len(r.conns))
	for c := range r.conns {
		active[c.ID] = true
	}
	r.renderer.Update(peers, active)
}
