package objects

import (
	"sort"
	"strings"
)

// IDSet is a set of IDs.
type IDSet map[ID]struct{}

// NewIDSet returns a new IDSet, populated with ids.
func NewIDSet(ids ...ID) IDSet {
	m := make(IDSet, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// Has returns true iff id is contained in s.
func (s IDSet) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Insert adds id to s.
func (s IDSet) Insert(id ID) {
	s[id] = struct{}{}
}

// Delete removes id from s.
func (s IDSet) Delete(id ID) {
	delete(s, id)
}

// List returns a sorted slice of all IDs in s.
func (s IDSet) List() IDs {
	list := make(IDs, 0, len(s))
	for id := range s {
		list = append(list, id)
	}
	sort.Sort(list)
	return list
}

// Equals returns true iff s and other contain exactly the same IDs.
func (s IDSet) Equals(other IDSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Merge adds the content of other to s.
func (s IDSet) Merge(other IDSet) {
	for id := range other {
		s.Insert(id)
	}
}

// Sub returns a new set containing the elements of s that are not in other.
func (s IDSet) Sub(other IDSet) IDSet {
	result := NewIDSet()
	for id := range s {
		if !other.Has(id) {
			result.Insert(id)
		}
	}
	return result
}

// Intersect returns a new set containing the elements common to s and other.
func (s IDSet) Intersect(other IDSet) IDSet {
	result := NewIDSet()
	for id := range s {
		if other.Has(id) {
			result.Insert(id)
		}
	}
	return result
}

// String returns a human readable representation, e.g.
// "{1285b303 7bb086db f658198b}".
func (s IDSet) String() string {
	list := s.List()
	elements := make([]string, 0, len(list))
	for _, id := range list {
		elements = append(elements, id.Str())
	}
	return "{" + strings.Join(elements, " ") + "}"
}
