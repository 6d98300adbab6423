package repository

import (
	"encoding/binary"

	"github.com/sealvault/sealvault/internal/objects"
)

// indexEntry describes one blob's location within a pack. packIndex is an
// index into the owning Index's pack ID slice.
type indexEntry struct {
	id   objects.ID
	next *indexEntry

	packIndex          int
	offset             uint32
	length             uint32
	uncompressedLength uint32
}

// indexMap is a chained hash table from blob ID to indexEntry, specialized
// to avoid the overhead of a generic map[objects.ID]*indexEntry for the
// millions of entries a large repository's index can hold. The zero value
// is ready to use.
type indexMap struct {
	buckets    []*indexEntry
	numentries uint
}

const (
	initialBuckets = 64
	// growIndexMapLoad is the number of entries per bucket at which the
	// table is grown.
	growIndexMapLoad = 2
)

func (m *indexMap) hash(id objects.ID) uint {
	h := binary.LittleEndian.Uint64(id[:8])
	return uint(h) & uint(len(m.buckets)-1)
}

func (m *indexMap) grow(newSize uint) {
	old := m.buckets
	m.buckets = make([]*indexEntry, newSize)

	for _, head := range old {
		for e := head; e != nil; {
			next := e.next
			h := m.hash(e.id)
			e.next = m.buckets[h]
			m.buckets[h] = e
			e = next
		}
	}
}

func (m *indexMap) add(id objects.ID, packIndex int, offset, length, uncompressedLength uint32) {
	switch {
	case len(m.buckets) == 0:
		m.buckets = make([]*indexEntry, initialBuckets)
	case m.numentries >= uint(len(m.buckets))*growIndexMapLoad:
		m.grow(uint(len(m.buckets)) * 2)
	}

	e := &indexEntry{
		id:                 id,
		packIndex:          packIndex,
		offset:             offset,
		length:             length,
		uncompressedLength: uncompressedLength,
	}

	h := m.hash(id)
	e.next = m.buckets[h]
	m.buckets[h] = e
	m.numentries++
}

// get returns the first entry for id, or nil if none exists.
func (m *indexMap) get(id objects.ID) *indexEntry {
	if len(m.buckets) == 0 {
		return nil
	}

	for e := m.buckets[m.hash(id)]; e != nil; e = e.next {
		if e.id == id {
			return e
		}
	}
	return nil
}

// foreach calls fn on every entry in the map, stopping early if fn returns
// false.
func (m *indexMap) foreach(fn func(*indexEntry) bool) {
	for _, head := range m.buckets {
		for e := head; e != nil; e = e.next {
			if !fn(e) {
				return
			}
		}
	}
}

// foreachWithID calls fn on every entry whose id equals id.
func (m *indexMap) foreachWithID(id objects.ID, fn func(*indexEntry)) {
	if len(m.buckets) == 0 {
		return
	}

	for e := m.buckets[m.hash(id)]; e != nil; e = e.next {
		if e.id == id {
			fn(e)
		}
	}
}

func (m *indexMap) len() uint {
	return m.numentries
}
