package objects

// MapEntry is one entry in a Map. The zero value is ready to use once
// returned by Map.Add; callers typically set Data immediately afterwards.
type MapEntry[T any] struct {
	BlobHandle
	Data T

	next *MapEntry[T]
}

// Map is an in-memory index of blobs, keyed by BlobHandle, sharded by the
// first bytes of the blob ID. It tolerates duplicate entries for the same
// handle (the same blob may legitimately be indexed more than once, e.g.
// once per index file that lists it): Add always appends a new entry,
// Get returns the first match, and ForeachWithID visits every match.
//
// The zero value is an empty, ready to use Map.
type Map[T any] struct {
	buckets map[ID]*MapEntry[T]
	entries uint
}

// Add inserts a new entry for bh and returns it so the caller can set its
// Data field.
func (m *Map[T]) Add(bh BlobHandle) *MapEntry[T] {
	if m.buckets == nil {
		m.buckets = make(map[ID]*MapEntry[T])
	}

	e := &MapEntry[T]{BlobHandle: bh}
	e.next = m.buckets[bh.ID]
	m.buckets[bh.ID] = e
	m.entries++

	return e
}

// Get returns the entry for bh, or nil if it is not present.
func (m *Map[T]) Get(bh BlobHandle) *MapEntry[T] {
	for e := m.buckets[bh.ID]; e != nil; e = e.next {
		if e.Type == bh.Type {
			return e
		}
	}
	return nil
}

// Len returns the number of entries in the map.
func (m *Map[T]) Len() uint {
	return m.entries
}

// Foreach calls fn for every entry in the map. Iteration stops early if fn
// returns false.
func (m *Map[T]) Foreach(fn func(*MapEntry[T], BlobType) bool) {
	for _, head := range m.buckets {
		for e := head; e != nil; e = e.next {
			if !fn(e, e.Type) {
				return
			}
		}
	}
}

// ForeachWithID calls fn for every entry matching bh, including duplicates.
func (m *Map[T]) ForeachWithID(bh BlobHandle, fn func(*MapEntry[T])) {
	for e := m.buckets[bh.ID]; e != nil; e = e.next {
		if e.Type == bh.Type {
			fn(e)
		}
	}
}
