package grid

import (
	"fmt"

	"collabsync/internal/models"
)

// Overlay is one peer's rendered presence: a selection rectangle plus a
// name label.
type Overlay struct {
	Rect  models.SelectionRect
	Color string
	Label string
}

// Overlays returns the currently rendered peer overlays, keyed by session.
func (s *Sheet) Overlays() map[string]Overlay {
	out := make(map[string]Overlay, len(s.overlays))
	for k, v := range s.overlays {
		out[k] = v
	}
	return out
}

func (s *Sheet) setOverlay(sessionID string, o Overlay) { s.overlays[sessionID] = o }
func (s *Sheet) removeOverlay(sessionID string)         { delete(s.overlays, sessionID) }

// OverlayRenderer paints peer selections onto the sheet. Renders coalesce
// to at most one per frame, and a peer whose serialized (selection, color)
// key is unchanged since the last render is skipped.
type OverlayRenderer struct {
	sheet   *Sheet
	deferFn DeferFunc

	selfSessionID string
	pending       bool
	queued        map[string]*models.AwarenessState
	active        map[string]bool
	lastKeys      map[string]string // session id -> serialized render key
}

// NewOverlayRenderer creates a renderer for the given sheet. selfSessionID
// identifies the local connection, whose own selection is never painted.
// deferFn coalesces renders to the next animation frame.
func NewOverlayRenderer(sheet *Sheet, selfSessionID string, deferFn DeferFunc) *OverlayRenderer {
	return &OverlayRenderer{
		sheet:         sheet,
		deferFn:       deferFn,
		selfSessionID: selfSessionID,
		lastKeys:      make(map[string]string),
	}
}

// Update queues a render of the given peer states. peers maps session id
// to awareness state; activeIDs is the externally supplied set of sessions
// still connected, and overlays for sessions outside it are removed.
func (r *OverlayRenderer) Update(peers map[string]*models.AwarenessState, activeIDs map[string]bool) {
	r.queued = peers
	r.active = activeIDs
	if r.pending {
		return
	}
	r.pending = true
	r.deferFn(func() {
		r.pending = false
		r.render()
	})
}

func (r *OverlayRenderer) render() {
	// drop overlays for peers no longer active
	for id := range r.lastKeys {
		if !r.active[id] {
			r.sheet.removeOverlay(id)
			delete(r.lastKeys, id)
		}
	}
	for id, state := range r.queued {
		if id == r.selfSessionID || !r.active[id] {
			continue
		}
		if state == nil || state.Selection == nil {
			r.sheet.removeOverlay(id)
			delete(r.lastKeys, id)
			continue
		}
		color, label := "", ""
		if state.User != nil {
			color = state.User.Color
			label = state.User.Name
		}
		key := renderKey(state.Selection, color)
		if r.lastKeys[id] == key {
			continue // dirty-check: nothing moved
		}
		r.sheet.setOverlay(id, Overlay{Rect: *state.Selection, Color: color, Label: label})
		r.lastKeys[id] = key
	}
}

func renderKey(sel *models.SelectionRect, color string) string {
	return fmt.Sprintf("%d:%d:%d:%d:%s", sel.StartRow, sel.StartCol, sel.EndRow, sel.EndCol, color)
}
