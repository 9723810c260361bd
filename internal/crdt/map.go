package crdt

// mapEntry is a last-write-wins register with a deletion tombstone.
type mapEntry struct {
	value   any // string or float64
	ts      Timestamp
	deleted bool
}

// Map is a replicated string-keyed map of primitive registers. It is
// either a named root container (name != "") or a row record living inside
// an Array (owner != zero).
type Map struct {
	doc     *Doc
	name    string
	owner   ID     // element id when this map is a row record
	inArray string // owning array container name, for event routing
	entries map[string]mapEntry
}

// Get returns the live value for key.
func (m *Map) Get(key string) (any, bool) {
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

// GetString returns the value for key coerced to a string.
func (m *Map) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetNumber returns the value for key coerced to a float64.
func (m *Map) GetNumber(key string) (float64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	n := 0
	for _, e := range m.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Keys returns the live keys in unspecified order.
func (m *Map) Keys() []string {
	out := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			out = append(out, k)
		}
	}
	return out
}

// container returns the container name events for this map route to.
func (m *Map) container() string {
	if m.name != "" {
		return m.name
	}
	return m.inArray
}

// set applies a write if it supersedes the current register state.
func (m *Map) set(key string, value any, ts Timestamp) bool {
	if cur, ok := m.entries[key]; ok && !ts.After(cur.ts) {
		return false
	}
	m.entries[key] = mapEntry{value: value, ts: ts}
	return true
}

// unset applies a deletion if it supersedes the current register state.
func (m *Map) unset(key string, ts Timestamp) bool {
	cur, ok := m.entries[key]
	if ok && !ts.After(cur.ts) {
		return false
	}
	if !ok || cur.deleted {
		// nothing visible to delete, but keep the tombstone for ordering
		m.entries[key] = mapEntry{ts: ts, deleted: true}
		return false
	}
	m.entries[key] = mapEntry{ts: ts, deleted: true}
	return true
}

// SetEntry writes key=value. Local mutation; must run inside a transaction.
func (t *Txn) SetEntry(m *Map, key string, value any) {
	ts := t.doc.nextTs()
	m.set(key, value, ts)
	t.ops = append(t.ops, op{Kind: opMapSet, Container: m.container(), Row: m.owner, Key: key, Value: value, Ts: ts})
	if m.owner.IsZero() {
		t.record(m.name, Event{Kind: EntrySet, Key: key, Value: value})
	} else {
		t.record(m.inArray, Event{Kind: CellSet, Row: m, Key: key, Value: value})
	}
}

// DeleteEntry removes key. Local mutation; must run inside a transaction.
func (t *Txn) DeleteEntry(m *Map, key string) {
	ts := t.doc.nextTs()
	m.unset(key, ts)
	t.ops = append(t.ops, op{Kind: opMapDelete, Container: m.container(), Row: m.owner, Key: key, Ts: ts})
	if m.owner.IsZero() {
		t.record(m.name, Event{Kind: EntryDeleted, Key: key})
	} else {
		t.record(m.inArray, Event{Kind: CellDeleted, Row: m, Key: key})
	}
}
