package objects

import (
	"fmt"
	"sort"
	"strings"
)

// BlobSet is a set of blobs.
type BlobSet map[BlobHandle]struct{}

// NewBlobSet returns a new BlobSet, populated with ids.
func NewBlobSet(handles ...BlobHandle) BlobSet {
	m := make(BlobSet, len(handles))
	for _, h := range handles {
		m[h] = struct{}{}
	}
	return m
}

// Has returns true iff handle is contained in the set.
func (s BlobSet) Has(h BlobHandle) bool {
	_, ok := s[h]
	return ok
}

// Insert adds handle to the set.
func (s BlobSet) Insert(h BlobHandle) {
	s[h] = struct{}{}
}

// Delete removes handle from the set.
func (s BlobSet) Delete(h BlobHandle) {
	delete(s, h)
}

// List returns a sorted slice of all handles in the set.
func (s BlobSet) List() BlobHandles {
	list := make(BlobHandles, 0, len(s))
	for h := range s {
		list = append(list, h)
	}
	sort.Sort(list)
	return list
}

// Equals returns true iff s and other contain exactly the same handles.
func (s BlobSet) Equals(other BlobSet) bool {
	if len(s) != len(other) {
		return false
	}
	for h := range s {
		if !other.Has(h) {
			return false
		}
	}
	return true
}

// Merge adds the content of other to s.
func (s BlobSet) Merge(other BlobSet) {
	for h := range other {
		s.Insert(h)
	}
}

// Sub returns a new set containing the elements of s that are not in other.
func (s BlobSet) Sub(other BlobSet) BlobSet {
	result := NewBlobSet()
	for h := range s {
		if !other.Has(h) {
			result.Insert(h)
		}
	}
	return result
}

// maxBlobSetString is the number of elements printed by String before
// collapsing the remainder into a "(N more)" marker.
const maxBlobSetString = 10

// String returns a human readable representation, e.g.
// "{<tree/11111111>}" or, for larger sets,
// "{<data/xxxxxxxx> ...> (3 more)}".
func (s BlobSet) String() string {
	list := s.List()
	elements := make([]string, 0, len(list))
	for _, h := range list {
		elements = append(elements, h.String())
	}

	if len(elements) <= maxBlobSetString {
		return "{" + strings.Join(elements, " ") + "}"
	}

	shown := elements[:maxBlobSetString]
	return fmt.Sprintf("{%s (%d more)}", strings.Join(shown, " "), len(elements)-maxBlobSetString)
}
