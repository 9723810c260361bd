package crdt

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// errInvalidOp marks an op that can never apply, as opposed to one whose
// dependencies have not arrived yet. Invalid ops are dropped instead of
// buffered.
var errInvalidOp = errors.New("invalid op")

type opKind uint8

const (
	opRowInsert opKind = iota + 1
	opRowDelete
	opMapSet
	opMapDelete
)

// op is the wire form of a single operation. Updates are CBOR-encoded
// sequences of ops; a full-state snapshot is just a large update.
type op struct {
	Kind      opKind    `cbor:"k"`
	Container string    `cbor:"n"`
	ID        ID        `cbor:"i,omitempty"`
	Left      ID        `cbor:"p,omitempty"`
	Row       ID        `cbor:"w,omitempty"`
	Key       string    `cbor:"e,omitempty"`
	Value     any       `cbor:"v,omitempty"`
	Ts        Timestamp `cbor:"t,omitempty"`
}

type update struct {
	Ops []op `cbor:"o"`
}

func encodeOps(ops []op) ([]byte, error) {
	return cbor.Marshal(update{Ops: ops})
}

func decodeOps(b []byte) ([]op, error) {
	var u update
	if err := cbor.Unmarshal(b, &u); err != nil {
		return nil, err
	}
	return u.Ops, nil
}

// applyOp applies one remote op. Returns false with nil error when the op
// was a duplicate or superseded; returns an error when a dependency (left
// anchor, row record) has not arrived yet.
func (d *Doc) applyOp(t *Txn, o op) (bool, error) {
	switch o.Kind {
	case opRowInsert:
		arr := d.GetArray(o.Container)
		if arr.find(o.ID) >= 0 {
			return false, nil // already integrated
		}
		row := &Map{doc: d, owner: o.ID, inArray: o.Container, entries: make(map[string]mapEntry)}
		e := &element{id: o.ID, left: o.Left, row: row}
		pos, err := arr.integrate(e)
		if err != nil {
			return false, err
		}
		d.rows[o.ID] = row
		d.witness(Timestamp{Lamport: o.ID.Counter, Replica: o.ID.Replica})
		t.record(o.Container, Event{Kind: RowInserted, Index: arr.visibleIndex(pos), Row: row})
		return true, nil

	case opRowDelete:
		arr := d.GetArray(o.Container)
		p := arr.find(o.ID)
		if p < 0 {
			return false, fmt.Errorf("delete of unknown element %v", o.ID)
		}
		e := arr.elems[p]
		if e.tombstone {
			return false, nil
		}
		idx := arr.visibleIndex(p)
		e.tombstone = true
		t.record(o.Container, Event{Kind: RowDeleted, Index: idx, Row: e.row})
		return true, nil

	case opMapSet, opMapDelete:
		var m *Map
		if o.Row.IsZero() {
			m = d.GetMap(o.Container)
		} else {
			var ok bool
			m, ok = d.rows[o.Row]
			if !ok {
				return false, fmt.Errorf("op targets unknown row %v", o.Row)
			}
		}
		d.witness(o.Ts)
		if o.Kind == opMapSet {
			if !m.set(o.Key, o.Value, o.Ts) {
				return false, nil
			}
			if m.owner.IsZero() {
				t.record(m.name, Event{Kind: EntrySet, Key: o.Key, Value: o.Value})
			} else {
				t.record(m.inArray, Event{Kind: CellSet, Row: m, Key: o.Key, Value: o.Value})
			}
			return true, nil
		}
		if !m.unset(o.Key, o.Ts) {
			return false, nil
		}
		if m.owner.IsZero() {
			t.record(m.name, Event{Kind: EntryDeleted, Key: o.Key})
		} else {
			t.record(m.inArray, Event{Kind: CellDeleted, Row: m, Key: o.Key})
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: unknown kind %d", errInvalidOp, o.Kind)
}

// EncodeState encodes the full document state as one update. An untouched
// document encodes to nil, the "no data" sentinel.
func (d *Doc) EncodeState() ([]byte, error) {
	if !d.touched {
		return nil, nil
	}
	var ops []op

	arrNames := make([]string, 0, len(d.arrays))
	for name := range d.arrays {
		arrNames = append(arrNames, name)
	}
	sort.Strings(arrNames)
	for _, name := range arrNames {
		arr := d.arrays[name]
		for _, e := range arr.elems {
			ops = append(ops, op{Kind: opRowInsert, Container: name, ID: e.id, Left: e.left})
			ops = append(ops, e.row.stateOps(name, e.id)...)
			if e.tombstone {
				ops = append(ops, op{Kind: opRowDelete, Container: name, ID: e.id})
			}
		}
	}

	mapNames := make([]string, 0, len(d.maps))
	for name := range d.maps {
		mapNames = append(mapNames, name)
	}
	sort.Strings(mapNames)
	for _, name := range mapNames {
		ops = append(ops, d.maps[name].stateOps(name, ID{})...)
	}

	if len(ops) == 0 {
		return nil, nil
	}
	return encodeOps(ops)
}

// stateOps emits the ops reproducing this map's registers, tombstones
// included so late writes still lose against observed deletions.
func (m *Map) stateOps(container string, row ID) []op {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ops := make([]op, 0, len(keys))
	for _, k := range keys {
		e := m.entries[k]
		if e.deleted {
			ops = append(ops, op{Kind: opMapDelete, Container: container, Row: row, Key: k, Ts: e.ts})
		} else {
			ops = append(ops, op{Kind: opMapSet, Container: container, Row: row, Key: k, Value: e.value, Ts: e.ts})
		}
	}
	return ops
}

// LoadState applies a full-state snapshot produced by EncodeState.
func (d *Doc) LoadState(state []byte) error {
	return d.ApplyUpdate(state)
}
