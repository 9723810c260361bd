package room

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"collabsync/internal/middleware"
	"collabsync/internal/models"
	"collabsync/internal/platform"
)

const storeTimeout = 10 * time.Second

// armTimer claims the room's single timer slot for kind. Any pending timer
// is superseded. The kind is also written to the durable slot so a process
// restarted mid-wait still knows what its timer meant. Caller holds r.mu.
func (r *Room) armTimer(kind models.TimerKind, delay time.Duration) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerKind = kind
	r.timer = time.AfterFunc(delay, r.onTimer)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := r.deps().States.SetTimerKind(ctx, r.key, kind); err != nil {
			log.Printf("room %s: failed to persist timer kind %q: %v", r.key, kind, err)
		}
	}()
}

// delayFor maps a rehydrated timer kind to its configured delay.
func (r *Room) delayFor(kind models.TimerKind) time.Duration {
	if kind == models.TimerDisconnectDebounce {
		return r.deps().Intervals.DisconnectSave
	}
	return r.deps().Intervals.PeriodicSave
}

// onTimer is the single handler behind both timer kinds. The kind is read
// back from the durable slot, not trusted from memory: the in-memory kind
// is only a fallback when the store is unreachable.
func (r *Room) onTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	ctx, span := middleware.StartSpan(ctx, "Room.onTimer",
		attribute.String("room.key", r.key),
	)
	defer span.End()

	kind, err := r.deps().States.GetTimerKind(ctx, r.key)
	r.mu.Lock()
	memKind := r.timerKind
	r.mu.Unlock()
	if err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("room %s: timer kind read failed, using in-memory kind: %v", r.key, err)
		kind = memKind
	} else if kind == models.TimerNone && memKind != models.TimerNone {
		// armTimer persists asynchronously; an empty slot while memory
		// holds an armed kind means the write has not landed yet
		kind = memKind
	}
	span.SetAttributes(attribute.String("room.timer_kind", string(kind)))

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.timerKind = models.TimerNone
	empty := len(r.conns) == 0
	r.mu.Unlock()

	switch kind {
	case models.TimerDisconnectDebounce:
		if empty {
			// the room stayed empty through the debounce window: final
			// save, then tear the actor down
			r.saveSnapshot(ctx)
			r.teardown(ctx)
			return
		}
		// Someone reconnected while the debounce was pending. The save is
		// cancelled; instead revalidate everyone and restart the periodic
		// loop the reconnect deferred to this handler.
		r.revalidatePermissions(ctx)
		r.mu.Lock()
		if !r.stopped && len(r.conns) > 0 {
			r.armTimer(models.TimerPeriodic, r.deps().Intervals.PeriodicSave)
		}
		r.mu.Unlock()

	case models.TimerPeriodic:
		if empty {
			// a disconnect should have superseded this slot; reconcile the
			// durable state and stand down
			if err := r.deps().States.ClearTimer(ctx, r.key); err != nil {
				log.Printf("room %s: failed to clear timer slot: %v", r.key, err)
			}
			return
		}
		r.saveSnapshot(ctx)
		r.revalidatePermissions(ctx)
		r.mu.Lock()
		if !r.stopped && len(r.conns) > 0 && r.timerKind == models.TimerNone {
			r.armTimer(models.TimerPeriodic, r.deps().Intervals.PeriodicSave)
		}
		r.mu.Unlock()

	default:
		// stale slot from a previous process; nothing to do
	}
}

// coldStart loads the latest snapshot into the fresh document. A room that
// was never saved starts empty; any other load failure also starts empty
// rather than blocking the session, and the next save overwrites.
func (r *Room) coldStart(ctx context.Context) {
	ctx, span := middleware.StartSpan(ctx, "Room.coldStart",
		attribute.String("room.key", r.key),
	)
	defer span.End()

	snapshot, err := r.deps().Snapshots.LoadSnapshot(ctx, r.ref.ID)
	if err != nil {
		if !errors.Is(err, platform.ErrNotFound) {
			middleware.AddSpanError(ctx, err)
			log.Printf("room %s: snapshot load failed, starting empty: %v", r.key, err)
		}
		return
	}
	if len(snapshot) == 0 {
		return
	}
	state := r.manager.decompress(snapshot)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.LoadState(state); err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("room %s: snapshot corrupt, starting empty: %v", r.key, err)
	}
}

// saveSnapshot persists the current document state. A document nobody ever
// wrote to encodes to nil and the save is skipped, so empty rooms never
// overwrite real content. Failures are logged and swallowed; the next
// scheduled save retries.
func (r *Room) saveSnapshot(ctx context.Context) {
	ctx, span := middleware.StartSpan(ctx, "Room.saveSnapshot",
		attribute.String("room.key", r.key),
	)
	defer span.End()

	r.mu.Lock()
	state, err := r.doc.EncodeState()
	r.mu.Unlock()
	if err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("room %s: snapshot encode failed: %v", r.key, err)
		return
	}
	if state == nil {
		middleware.AddSpanEvent(ctx, "snapshot.skipped_empty")
		return
	}

	compressed := r.manager.compress(state)
	if err := r.deps().Snapshots.SaveSnapshot(ctx, r.ref.ID, compressed); err != nil {
		middleware.AddSpanError(ctx, err)
		log.Printf("room %s: snapshot save failed: %v", r.key, err)
		return
	}
	log.Printf("room %s: snapshot saved (%d bytes, %d compressed)", r.key, len(state), len(compressed))
}

// revalidatePermissions re-checks every connected user against the access
// service and evicts those whose access was revoked. The check fails open:
// an unreachable access service never disconnects anyone.
func (r *Room) revalidatePermissions(ctx context.Context) {
	ctx, span := middleware.StartSpan(ctx, "Room.revalidatePermissions",
		attribute.String("room.key", r.key),
	)
	defer span.End()

	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		allowed, err := r.deps().Access.CheckAccess(ctx, r.ref.ID, c.Session.UserID)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			log.Printf("room %s: access check for user %s failed, keeping connection: %v",
				r.key, c.Session.UserID, err)
			continue
		}
		if allowed {
			continue
		}
		log.Printf("room %s: access revoked for user %s, evicting", r.key, c.Session.UserID)
		c.sendControl(models.MarshalMessage(models.PermissionRevokedMessage{
			Type:   models.MessageTypePermissionRevoked,
			Reason: "access to this room was revoked",
		}))
		c.closeWithCode(models.ClosePermissionRevoked, models.MessageTypePermissionRevoked)
		r.disconnect(c)
	}
}

// teardown retires an empty room: observers detached, durable timer slot
// cleared, actor removed from the manager.
func (r *Room) teardown(ctx context.Context) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerKind = models.TimerNone
	if r.extractor != nil {
		r.extractor.Detach()
	}
	if r.binding != nil {
		r.binding.Detach()
	}
	r.mu.Unlock()

	if err := r.deps().States.ClearTimer(ctx, r.key); err != nil {
		log.Printf("room %s: failed to clear timer slot on teardown: %v", r.key, err)
	}
	r.manager.remove(r.key)
	log.Printf("room %s: torn down", r.key)
}

// shutdown force-closes the room during process shutdown: connections
// dropped, one best-effort final save, actor stopped.
func (r *Room) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[*Conn]bool)
	r.mu.Unlock()

	for _, c := range conns {
		c.closeWithCode(models.CloseServerInternal, "server shutting down")
		c.closeSend()
	}

	r.saveSnapshot(ctx)
	r.teardown(ctx)
}
