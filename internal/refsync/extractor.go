// Package refsync mirrors live cell and range values out of a tabular
// room's document for externally registered cross-document references.
package refsync

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"collabsync/internal/crdt"
	"collabsync/internal/grid"
	"collabsync/internal/models"
)

// Registry is the external reference registry/store.
type Registry interface {
	GetTrackedReferences(ctx context.Context, roomID string) ([]models.TrackedReference, error)
	PushReferenceValues(ctx context.Context, roomID string, values []models.ReferenceValues) error
}

// refCache is a small TTL cache over the tracked-reference fetch, so a
// burst of extraction cycles does not refetch the registry every time.
// Constructed once per extractor and passed by reference, never global.
type refCache struct {
	ttl       time.Duration
	refs      []models.TrackedReference
	fetchedAt time.Time
}

func (c *refCache) get(ctx context.Context, reg Registry, roomID string) ([]models.TrackedReference, error) {
	if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl {
		return c.refs, nil
	}
	refs, err := reg.GetTrackedReferences(ctx, roomID)
	if err != nil {
		return nil, err
	}
	c.refs = refs
	c.fetchedAt = time.Now()
	return refs, nil
}

// Extractor watches the document's data container and, after a debounce
// window, pushes the current values of every tracked reference to the
// registry. Values are read straight from the document, never from the
// widget, which may not have recalculated yet.
type Extractor struct {
	doc      *crdt.Doc
	roomID   string
	registry Registry
	debounce time.Duration
	cache    *refCache

	// runLocked executes fn while holding the room, so document reads do
	// not race the actor.
	runLocked func(fn func())

	mu        sync.Mutex
	timer     *time.Timer
	running   bool
	rearm     bool
	detached  bool
	unobserve func()
}

// NewExtractor attaches an extractor to the document. runLocked must
// serialize fn against the room actor that owns doc.
func NewExtractor(doc *crdt.Doc, roomID string, registry Registry, debounce, cacheTTL time.Duration, runLocked func(fn func())) *Extractor {
	e := &Extractor{
		doc:       doc,
		roomID:    roomID,
		registry:  registry,
		debounce:  debounce,
		cache:     &refCache{ttl: cacheTTL},
		runLocked: runLocked,
	}
	e.unobserve = doc.Observe(grid.ContainerData, func([]crdt.Event, bool) {
		e.trigger()
	})
	return e
}

// trigger (re)arms the debounce timer. Re-arming supersedes any pending
// cycle, so a burst of edits produces exactly one push.
func (e *Extractor) trigger() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detached {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, e.cycle)
}

// Detach stops the extractor: pending timer cancelled, observer removed.
func (e *Extractor) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detached = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.unobserve != nil {
		e.unobserve()
		e.unobserve = nil
	}
}

// cycle guards one extraction pass. Stopping a timer cannot stop a pass
// already executing, so a timer that fires while a previous pass is still
// fetching or pushing re-arms instead of running concurrently; the cache
// is only ever touched by the single running pass.
func (e *Extractor) cycle() {
	e.mu.Lock()
	if e.detached {
		e.mu.Unlock()
		return
	}
	if e.running {
		e.rearm = true
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.runCycle()

	e.mu.Lock()
	e.running = false
	if e.rearm && !e.detached {
		e.rearm = false
		if e.timer != nil {
			e.timer.Stop()
		}
		e.timer = time.AfterFunc(e.debounce, e.cycle)
	}
	e.mu.Unlock()
}

// runCycle is one extraction pass. Any failure is logged and the cycle is
// dropped; the next observed edit re-triggers the whole thing.
func (e *Extractor) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	refs, err := e.cache.get(ctx, e.registry, e.roomID)
	if err != nil {
		log.Printf("room %s: reference fetch failed, dropping cycle: %v", e.roomID, err)
		return
	}
	if len(refs) == 0 {
		return
	}

	var payload []models.ReferenceValues
	e.runLocked(func() {
		payload = e.extract(refs)
	})
	if len(payload) == 0 {
		return
	}

	if err := e.registry.PushReferenceValues(ctx, e.roomID, payload); err != nil {
		log.Printf("room %s: reference push failed, dropping cycle: %v", e.roomID, err)
	}
}

// extract assembles the 2D value grid for each tracked reference.
func (e *Extractor) extract(refs []models.TrackedReference) []models.ReferenceValues {
	data := e.doc.GetArray(grid.ContainerData)
	formulaValues := e.doc.GetMap(grid.ContainerFormulaValues)

	out := make([]models.ReferenceValues, 0, len(refs))
	for _, ref := range refs {
		rng, err := grid.ParseRange(ref.Address)
		if err != nil {
			log.Printf("room %s: skipping malformed reference %q: %v", e.roomID, ref.Address, err)
			continue
		}
		values := make([][]string, 0, rng.EndRow-rng.StartRow+1)
		for r := rng.StartRow; r <= rng.EndRow; r++ {
			row := make([]string, 0, rng.EndCol-rng.StartCol+1)
			for c := rng.StartCol; c <= rng.EndCol; c++ {
				row = append(row, cellValue(data, formulaValues, r, c))
			}
			values = append(values, row)
		}
		out = append(out, models.ReferenceValues{Address: ref.Address, Values: values})
	}
	return out
}

// cellValue reads one cell's exported value: the shadowed computed value
// for formula cells, the raw text otherwise.
func cellValue(data *crdt.Array, formulaValues *crdt.Map, row, col int) string {
	rec := data.Get(row)
	if rec == nil {
		return ""
	}
	text := rec.GetString(strconv.Itoa(col))
	if grid.IsFormula(text) {
		return formulaValues.GetString(strconv.Itoa(row) + "," + strconv.Itoa(col))
	}
	return text
}
