package objects

import (
	"fmt"
	"sort"
)

// CountedBlobSet is a set of blobs that also tracks how many times each
// handle was inserted, used by the pruner to count references to a blob
// across packs without a second lookup structure.
type CountedBlobSet map[BlobHandle]int

// NewCountedBlobSet returns a new CountedBlobSet, with each of handles
// inserted once.
func NewCountedBlobSet(handles ...BlobHandle) CountedBlobSet {
	s := make(CountedBlobSet, len(handles))
	for _, h := range handles {
		s[h]++
	}
	return s
}

// Has returns true iff h is contained in the set.
func (s CountedBlobSet) Has(h BlobHandle) bool {
	_, ok := s[h]
	return ok
}

// Insert increments the count for h, inserting it if not already present.
func (s CountedBlobSet) Insert(h BlobHandle) {
	s[h]++
}

// Delete removes h from the set entirely, regardless of its count.
func (s CountedBlobSet) Delete(h BlobHandle) {
	delete(s, h)
}

// Len returns the number of distinct handles in the set.
func (s CountedBlobSet) Len() int {
	return len(s)
}

// List returns a sorted slice of all handles in the set.
func (s CountedBlobSet) List() BlobHandles {
	list := make(BlobHandles, 0, len(s))
	for h := range s {
		list = append(list, h)
	}
	sort.Sort(list)
	return list
}

func (s CountedBlobSet) String() string {
	return fmt.Sprintf("%v", s.List())
}

// Copy returns a new CountedBlobSet with the same contents, useful for
// shrinking a map's backing storage once most entries have been deleted.
func (s CountedBlobSet) Copy() CountedBlobSet {
	cp := make(CountedBlobSet, len(s))
	for h, c := range s {
		cp[h] = c
	}
	return cp
}

// FindBlobSet is the write-only view of a blob set a caller uses to mark
// blobs as referenced, without needing to know which concrete set
// implementation the reader chose.
type FindBlobSet interface {
	Has(BlobHandle) bool
	Insert(BlobHandle)
}
