package refsync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"collabsync/internal/crdt"
	"collabsync/internal/grid"
	"collabsync/internal/models"
)

type fakeRegistry struct {
	mu         sync.Mutex
	refs       []models.TrackedReference
	fetches    int
	pushes     [][]models.ReferenceValues
	fetchErr   error
	pushErr    error
	fetchDelay time.Duration
	inFetch    int
	maxInFetch int
}

func (f *fakeRegistry) GetTrackedReferences(ctx context.Context, roomID string) ([]models.TrackedReference, error) {
	f.mu.Lock()
	f.fetches++
	f.inFetch++
	if f.inFetch > f.maxInFetch {
		f.maxInFetch = f.inFetch
	}
	delay := f.fetchDelay
	err := f.fetchErr
	refs := f.refs
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFetch--
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (f *fakeRegistry) PushReferenceValues(ctx context.Context, roomID string, values []models.ReferenceValues) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, values)
	return nil
}

func (f *fakeRegistry) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeRegistry) lastPush() []models.ReferenceValues {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushes) == 0 {
		return nil
	}
	return f.pushes[len(f.pushes)-1]
}

// gridDoc builds a document with the given cells in the data container.
func gridDoc(t *testing.T, rows, cols int, cells map[string]string) *crdt.Doc {
	t.Helper()
	doc := crdt.NewDoc("test")
	assert.Equal(t, doc.ApplyUpdate(grid.BootstrapUpdate(rows, cols)), nil)
	_, err := doc.Transact(func(tx *crdt.Txn) {
		data := doc.GetArray(grid.ContainerData)
		for addr, text := range cells {
			r, c, err := grid.ParseCellName(addr)
			assert.Equal(t, err, nil)
			tx.SetEntry(data.Get(r), strconv.Itoa(c), text)
		}
	})
	assert.Equal(t, err, nil)
	return doc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func runDirect(fn func()) { fn() }

func TestExtractorPushesAfterDebounce(t *testing.T) {
	doc := gridDoc(t, 4, 3, map[string]string{"A1": "42", "B2": "hi"})
	reg := &fakeRegistry{refs: []models.TrackedReference{{Address: "A1"}, {Address: "B2"}}}
	e := NewExtractor(doc, "room-1", reg, 5*time.Millisecond, time.Minute, runDirect)
	defer e.Detach()

	_, err := doc.Transact(func(tx *crdt.Txn) {
		tx.SetEntry(doc.GetArray(grid.ContainerData).Get(0), "1", "edit")
	})
	assert.Equal(t, err, nil)

	waitFor(t, time.Second, func() bool { return reg.pushCount() >= 1 })
	push := reg.lastPush()
	assert.Equal(t, len(push), 2)
	assert.Equal(t, push[0].Address, "A1")
	assert.Equal(t, push[0].Values, [][]string{{"42"}})
	assert.Equal(t, push[1].Values, [][]string{{"hi"}})
}

func TestExtractorDebounceCoalesces(t *testing.T) {
	doc := gridDoc(t, 4, 3, nil)
	reg := &fakeRegistry{refs: []models.TrackedReference{{Address: "A1"}}}
	e := NewExtractor(doc, "room-1", reg, 20*time.Millisecond, time.Minute, runDirect)
	defer e.Detach()

	// a burst of edits inside the debounce window
	for i := 0; i < 5; i++ {
		_, err := doc.Transact(func(tx *crdt.Txn) {
			tx.SetEntry(doc.GetArray(grid.ContainerData).Get(0), "0", strconv.Itoa(i))
		})
		assert.Equal(t, err, nil)
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool { return reg.pushCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, reg.pushCount(), 1)
	assert.Equal(t, reg.lastPush()[0].Values, [][]string{{"4"}})
}

func TestExtractorRangeValues(t *testing.T) {
	doc := gridDoc(t, 4, 3, map[string]string{
		"A1": "1", "B1": "2",
		"A2": "3", "B2": "4",
	})
	reg := &fakeRegistry{refs: []models.TrackedReference{{Address: "A1:B2"}}}
	e := NewExtractor(doc, "room-1", reg, 5*time.Millisecond, time.Minute, runDirect)
	defer e.Detach()

	_, err := doc.Transact(func(tx *crdt.Txn) {
		tx.SetEntry(doc.GetArray(grid.ContainerData).Get(2), "0", "trigger")
	})
	assert.Equal(t, err, nil)

	waitFor(t, time.Second, func() bool { return reg.pushCount() >= 1 })
	push := reg.lastPush()
	assert.Equal(t, push[0].Values, [][]string{{"1", "2"}, {"3", "4"}})
}

func TestExtractorReadsShadowedFormulaValues(t *testing.T) {
	doc := gridDoc(t, 4, 3, map[string]string{"A1": "=1+1"})
	_, err := doc.Transact(func(tx *crdt.Txn) {
		tx.SetEntry(doc.GetMap(grid.ContainerFormulaValues), "0,0", "2")
	})
	assert.Equal(t, err, nil)

	reg := &fakeRegistry{refs: []models.TrackedReference{{Address: "A1"}}}
	e := NewExtractor(doc, "room-1", reg, 5*time.Millisecond, time.Minute, runDirect)
	defer e.Detach()

	_, err = doc.Transact(func(tx *crdt.Txn) {
		tx.SetEntry(doc.GetArray(grid.ContainerData).Get(1), "0", "trigger")
	})
	assert.Equal(t, err, nil)

	waitFor(t, time.Second, func() bool { return reg.pushCount() >= 1 })
	// the computed value is exported, never the raw formula text
	assert.Equal(t, reg.lastPush()[0].Values, [][]string{{"2"}})
}

func TestExtractorDropsFailedCycle(t *testing.T) {
	doc := gridDoc(t, 4, 3, map[string]string{"A1": "x"})
	reg := &fakeRegistry{refs: []models.TrackedReference{{Address: "A1"}}, fetchErr: errors.New("registry down")}
	e := NewExtractor(doc, "room-1", reg, 5*time.Millisecond, time.Minute, runDirect)
	defer e.Detach()

	_, err := doc.Transact(func(tx *crdt.Txn) {
		tx.SetEntry(doc.GetArray(grid.ContainerData).Get(1), "0", "trigger")
	})
	assert.Equal(t, err, nil)

	waitFor(t, time.Second, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.fetches >= 1
	})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, reg.pushCount(), 0)

	// the registry comes back and the next edit retriggers a full cycle
	reg.mu.Lock()
	reg.fetchErr = nil
	reg.mu.Unlock()
	_, err = doc.Transact(func(tx *crdt.Txn) {
		tx.SetEntry(doc.GetArray(grid.ContainerData).Get(1), "1", "again")
	})
	assert.Equal(t, err, nil)
	waitFor(t, time.Second, func() bool { return reg.pushCount() >= 1 })
}

func TestExtractorCachesReferenceList(t *testing.T) {
	doc := gridDoc(t, 4, 3, map[string]string{"A1": "x"})
	reg := &fakeRegistry{refs: []models.TrackedReference{{Address: "A1"}}}
	e := NewExtractor(doc, "room-1", reg, 5*time.Millisecond, time.Minute, runDirect)
	defer e.Detach()

	for i := 0; i < 3; i++ {
		_, err := doc.Transact(func(tx *crdt.Txn) {
			tx.SetEntry(doc.GetArray(grid.ContainerData).Get(1), "0", strconv.Itoa(i))
		})
		assert.Equal(t, err, nil)
		waitFor(t, time.Second, func() bool { return reg.pushCount() >= i+1 })
	}

	// three cycles, one registry fetch: the TTL cache absorbed the rest
	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, reg.fetches, 1)
}

func TestExtractorCyclesNeverOverlap(t *testing.T) {
	doc := gridDoc(t, 4, 3, map[string]string{"A1": "x"})
	reg := &fakeRegistry{
		refs:       []models.TrackedReference{{Address: "A1"}},
		fetchDelay: 100 * time.Millisecond,
	}
	// zero cache TTL so every cycle hits the slow registry
	e := NewExtractor(doc, "room-1", reg, 5*time.Millisecond, 0, runDirect)
	defer e.Detach()

	edit := func(v string) {
		_, err := doc.Transact(func(tx *crdt.Txn) {
			tx.SetEntry(doc.GetArray(grid.ContainerData).Get(1), "0", v)
		})
		assert.Equal(t, err, nil)
	}

	// second edit lands while the first cycle is still inside its fetch;
	// it must re-arm for a follow-up pass, not run concurrently
	edit("1")
	time.Sleep(30 * time.Millisecond)
	edit("2")

	waitFor(t, 2*time.Second, func() bool { return reg.pushCount() >= 2 })
	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, reg.maxInFetch, 1)
}

func TestExtractorDetachCancelsPending(t *testing.T) {
	doc := gridDoc(t, 4, 3, nil)
	reg := &fakeRegistry{refs: []models.TrackedReference{{Address: "A1"}}}
	e := NewExtractor(doc, "room-1", reg, 20*time.Millisecond, time.Minute, runDirect)

	_, err := doc.Transact(func(tx *crdt.Txn) {
		tx.SetEntry(doc.GetArray(grid.ContainerData).Get(0), "0", "x")
	})
	assert.Equal(t, err, nil)
	e.Detach()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, reg.pushCount(), 0)

	// edits after detach no longer trigger anything
	_, err = doc.Transact(func(tx *crdt.Txn) {
		tx.SetEntry(doc.GetArray(grid.ContainerData).Get(0), "0", "y")
	})
	assert.Equal(t, err, nil)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, reg.pushCount(), 0)
}
