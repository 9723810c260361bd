package crdt

// ID uniquely identifies an operation or an array element across replicas.
// The zero ID stands for "none" (head position, no parent row).
type ID struct {
	Replica string `cbor:"r"`
	Counter uint64 `cbor:"c"`
}

// IsZero reports whether the ID is the zero sentinel.
func (id ID) IsZero() bool {
	return id.Replica == "" && id.Counter == 0
}

// Timestamp orders concurrent writes to the same register.
// Higher lamport wins; ties break on the replica id, lexicographically
// greater replica winning, so every replica resolves the same way.
type Timestamp struct {
	Lamport uint64 `cbor:"l"`
	Replica string `cbor:"r"`
}

// After reports whether t supersedes other under last-write-wins.
func (t Timestamp) After(other Timestamp) bool {
	if t.Lamport != other.Lamport {
		return t.Lamport > other.Lamport
	}
	return t.Replica > other.Replica
}

// idGreater is the deterministic sibling order for concurrent array
// inserts at the same position: greater id sorts first.
func idGreater(a, b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Replica > b.Replica
}
