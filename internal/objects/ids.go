package objects

import (
	"bytes"
	"sort"
	"strings"
)

// IDs is an ordered list of IDs that implements sort.Interface.
type IDs []ID

func (ids IDs) Len() int           { return len(ids) }
func (ids IDs) Less(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 }
func (ids IDs) Swap(i, j int)      { ids[i], ids[j] = ids[j], ids[i] }

var _ sort.Interface = IDs{}

// Uniq returns list without duplicates, preserving the order of the first
// occurrence of each ID.
func (ids IDs) Uniq() IDs {
	seen := NewIDSet()
	result := make(IDs, 0, len(ids))

	for _, id := range ids {
		if seen.Has(id) {
			continue
		}
		seen.Insert(id)
		result = append(result, id)
	}

	return result
}

// String returns a human readable list of short IDs, e.g.
// "[7bb086db 1285b303 7bb086db]".
func (ids IDs) String() string {
	elements := make([]string, 0, len(ids))
	for _, id := range ids {
		elements = append(elements, id.Str())
	}
	return "[" + strings.Join(elements, " ") + "]"
}

// Equal compares two IDs lists.
func (ids IDs) Equal(other IDs) bool {
	if len(ids) != len(other) {
		return false
	}
	for i := range ids {
		if !ids[i].Equal(other[i]) {
			return false
		}
	}
	return true
}
