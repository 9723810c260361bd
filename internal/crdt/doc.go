// Package crdt implements the replicated document shared by all connected
// replicas of a collaboration room: ordered row sequences (RGA-style) and
// last-write-wins maps, mutated inside atomic transactions that produce
// opaque binary updates, with deep change observation tagged by origin.
//
// A Doc is not safe for concurrent use; each room actor owns its document
// exclusively.
package crdt

import (
	"errors"
	"fmt"
)

// EventKind classifies a granular change produced by a transaction.
type EventKind int

const (
	// RowInserted: a row record appeared at Index.
	RowInserted EventKind = iota
	// RowDeleted: the row at Index disappeared.
	RowDeleted
	// CellSet: Key of row record Row was set to Value.
	CellSet
	// CellDeleted: Key of row record Row was removed.
	CellDeleted
	// EntrySet: Key of a root map container was set to Value.
	EntrySet
	// EntryDeleted: Key of a root map container was removed.
	EntryDeleted
)

// Event describes one change applied by a committed transaction.
type Event struct {
	Kind  EventKind
	Index int  // visible row index, for RowInserted/RowDeleted
	Row   *Map // row record, for RowInserted/CellSet/CellDeleted
	Key   string
	Value any
}

// Observer receives the events of one committed transaction, in commit
// order, tagged with whether the transaction originated locally.
type Observer func(events []Event, local bool)

// Doc is a replicated document: a set of named containers, each an Array
// of row records or a Map of primitive registers.
type Doc struct {
	replica string
	clock   uint64

	arrays map[string]*Array
	maps   map[string]*Map
	rows   map[ID]*Map // row-record registry for remote op targeting

	observers    map[string][]registeredObserver
	nextObserver uint64

	// ops whose dependencies have not arrived yet
	pending []op

	touched bool
}

type registeredObserver struct {
	id uint64
	fn Observer
}

// NewDoc creates an empty document owned by the given replica identity.
func NewDoc(replica string) *Doc {
	return &Doc{
		replica:   replica,
		arrays:    make(map[string]*Array),
		maps:      make(map[string]*Map),
		rows:      make(map[ID]*Map),
		observers: make(map[string][]registeredObserver),
	}
}

// GetArray returns the named array container, creating it if needed.
func (d *Doc) GetArray(name string) *Array {
	if a, ok := d.arrays[name]; ok {
		return a
	}
	a := &Array{doc: d, name: name}
	d.arrays[name] = a
	return a
}

// GetMap returns the named root map container, creating it if needed.
func (d *Doc) GetMap(name string) *Map {
	if m, ok := d.maps[name]; ok {
		return m
	}
	m := &Map{doc: d, name: name, entries: make(map[string]mapEntry)}
	d.maps[name] = m
	return m
}

// Observe registers a deep observer on the named container. Observers fire
// synchronously after every transaction commit that touched the container.
// The returned function unregisters the observer.
func (d *Doc) Observe(container string, fn Observer) func() {
	d.nextObserver++
	id := d.nextObserver
	d.observers[container] = append(d.observers[container], registeredObserver{id: id, fn: fn})
	return func() {
		obs := d.observers[container]
		for i, o := range obs {
			if o.id == id {
				d.observers[container] = append(obs[:i:i], obs[i+1:]...)
				return
			}
		}
	}
}

func (d *Doc) nextID() ID {
	d.clock++
	return ID{Replica: d.replica, Counter: d.clock}
}

func (d *Doc) nextTs() Timestamp {
	d.clock++
	return Timestamp{Lamport: d.clock, Replica: d.replica}
}

func (d *Doc) witness(ts Timestamp) {
	if ts.Lamport > d.clock {
		d.clock = ts.Lamport
	}
}

// Txn batches mutations into one atomic transaction.
type Txn struct {
	doc    *Doc
	local  bool
	ops    []op
	events map[string][]Event // container -> events
}

func (t *Txn) record(container string, e Event) {
	if t.events == nil {
		t.events = make(map[string][]Event)
	}
	t.events[container] = append(t.events[container], e)
}

// Transact runs fn inside a local transaction and returns the encoded
// update to broadcast to peers. A transaction that made no changes returns
// a nil update.
func (d *Doc) Transact(fn func(*Txn)) ([]byte, error) {
	t := &Txn{doc: d, local: true}
	fn(t)
	if len(t.ops) == 0 {
		return nil, nil
	}
	d.touched = true
	update, err := encodeOps(t.ops)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	d.fire(t)
	return update, nil
}

// ApplyUpdate applies a remote update. Application is idempotent: ops whose
// effects are already present are skipped. Ops whose dependencies have not
// arrived yet are buffered and retried on subsequent updates.
func (d *Doc) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	ops, err := decodeOps(update)
	if err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	t := &Txn{doc: d, local: false}
	queue := append(d.pending, ops...)
	d.pending = nil
	for {
		var stuck []op
		progress := false
		for _, o := range queue {
			applied, err := d.applyOp(t, o)
			if err != nil {
				// ops that can never apply are dropped; only ops waiting
				// on a dependency get buffered
				if !errors.Is(err, errInvalidOp) {
					stuck = append(stuck, o)
				}
				continue
			}
			if applied {
				progress = true
			}
		}
		if !progress || len(stuck) == 0 {
			d.pending = stuck
			break
		}
		queue = stuck
	}
	if len(t.events) > 0 {
		d.touched = true
	}
	d.fire(t)
	return nil
}

// fire delivers the transaction's events to container observers.
func (d *Doc) fire(t *Txn) {
	for container, events := range t.events {
		for _, o := range d.observers[container] {
			o.fn(events, t.local)
		}
	}
}

// Touched reports whether any operation was ever applied to the document.
// An untouched document encodes to the empty snapshot sentinel.
func (d *Doc) Touched() bool {
	return d.touched
}
