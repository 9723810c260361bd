package crdt

import "fmt"

// element is one slot of an Array. Deleted elements stay as tombstones so
// concurrent inserts anchored on them still find their position.
type element struct {
	id        ID
	left      ID // element this one was inserted after; zero = head
	row       *Map
	tombstone bool
}

// Array is an ordered replicated sequence of row records. Ordering follows
// the RGA rule: an element sits after its left anchor, and concurrent
// siblings at the same anchor order by descending id on every replica.
type Array struct {
	doc   *Doc
	name  string
	elems []*element
}

// Len returns the number of visible (non-tombstoned) elements.
func (a *Array) Len() int {
	n := 0
	for _, e := range a.elems {
		if !e.tombstone {
			n++
		}
	}
	return n
}

// Get returns the visible row record at index.
func (a *Array) Get(index int) *Map {
	i := a.physical(index)
	if i < 0 {
		return nil
	}
	return a.elems[i].row
}

// IndexOf returns the visible index of a row record, or -1.
func (a *Array) IndexOf(row *Map) int {
	idx := 0
	for _, e := range a.elems {
		if e.tombstone {
			continue
		}
		if e.row == row {
			return idx
		}
		idx++
	}
	return -1
}

// physical maps a visible index to a position in elems, or -1.
func (a *Array) physical(index int) int {
	if index < 0 {
		return -1
	}
	seen := 0
	for i, e := range a.elems {
		if e.tombstone {
			continue
		}
		if seen == index {
			return i
		}
		seen++
	}
	return -1
}

// visibleIndex maps a position in elems to the visible index of that
// element (counting visible elements before it).
func (a *Array) visibleIndex(pos int) int {
	idx := 0
	for i := 0; i < pos; i++ {
		if !a.elems[i].tombstone {
			idx++
		}
	}
	return idx
}

func (a *Array) find(id ID) int {
	for i, e := range a.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// integrate places a new element into the sequence. Returns the physical
// position, or an error if the left anchor is unknown yet.
func (a *Array) integrate(e *element) (int, error) {
	leftPos := -1
	if !e.left.IsZero() {
		leftPos = a.find(e.left)
		if leftPos < 0 {
			return 0, fmt.Errorf("unknown left anchor %v", e.left)
		}
	}
	i := leftPos + 1
	for i < len(a.elems) {
		o := a.elems[i]
		oLeftPos := -1
		if !o.left.IsZero() {
			oLeftPos = a.find(o.left)
		}
		if oLeftPos < leftPos {
			break
		}
		if oLeftPos == leftPos {
			// concurrent sibling at the same anchor
			if idGreater(o.id, e.id) {
				i++
				continue
			}
			break
		}
		// o hangs off a sibling we already skipped
		i++
	}
	a.elems = append(a.elems, nil)
	copy(a.elems[i+1:], a.elems[i:])
	a.elems[i] = e
	return i, nil
}

// InsertRow inserts an empty row record at the visible index and returns
// it. Local mutation; must run inside a transaction.
func (t *Txn) InsertRow(a *Array, index int) *Map {
	id := t.doc.nextID()
	row := &Map{doc: t.doc, owner: id, inArray: a.name, entries: make(map[string]mapEntry)}
	var left ID
	if index > 0 {
		// anchor on the physical predecessor, tombstoned or not
		p := a.physical(index)
		if p < 0 {
			p = len(a.elems)
		}
		if p > 0 {
			left = a.elems[p-1].id
		}
	}
	e := &element{id: id, left: left, row: row}
	pos, _ := a.integrate(e)
	t.doc.rows[id] = row
	t.ops = append(t.ops, op{Kind: opRowInsert, Container: a.name, ID: id, Left: left})
	t.record(a.name, Event{Kind: RowInserted, Index: a.visibleIndex(pos), Row: row})
	return row
}

// AppendRow inserts an empty row record at the end of the array.
func (t *Txn) AppendRow(a *Array) *Map {
	return t.InsertRow(a, a.Len())
}

// DeleteRow tombstones the row at the visible index.
func (t *Txn) DeleteRow(a *Array, index int) {
	p := a.physical(index)
	if p < 0 {
		return
	}
	e := a.elems[p]
	e.tombstone = true
	t.ops = append(t.ops, op{Kind: opRowDelete, Container: a.name, ID: e.id})
	t.record(a.name, Event{Kind: RowDeleted, Index: index, Row: e.row})
}

// Rows returns the visible row records in order.
func (a *Array) Rows() []*Map {
	out := make([]*Map, 0, len(a.elems))
	for _, e := range a.elems {
		if !e.tombstone {
			out = append(out, e.row)
		}
	}
	return out
}
