package objects

import (
	"context"
	"fmt"
)

// fileInfoLister is satisfied by Backend and by lightweight test doubles:
// the minimal capability Find needs is listing raw FileInfo entries of a
// type, before any ID parsing happens.
type fileInfoLister interface {
	List(ctx context.Context, t FileType, fn func(FileInfo) error) error
}

// NoIDByPrefixError is returned by Find when no ID begins with the given
// prefix.
type NoIDByPrefixError struct {
	Prefix string
	Type   FileType
}

func (e *NoIDByPrefixError) Error() string {
	if e.Prefix != "" {
		return fmt.Sprintf("no matching ID found for prefix %q, type %s", e.Prefix, e.Type)
	}
	return fmt.Sprintf("no matching ID found, type %s", e.Type)
}

// MultipleIDMatchesError is returned by Find when the prefix matches more
// than one ID.
type MultipleIDMatchesError struct {
	Prefix string
	Type   FileType
}

func (e *MultipleIDMatchesError) Error() string {
	return fmt.Sprintf("multiple IDs with prefix %q are found, type %s", e.Prefix, e.Type)
}

// Find returns the ID of the file of type t whose hex representation
// starts with prefix. If no or more than one ID matches, an error is
// returned.
func Find(ctx context.Context, be fileInfoLister, t FileType, prefix string) (ID, error) {
	match := ID{}
	found := false

	err := be.List(ctx, t, func(fi FileInfo) error {
		if !hasPrefix(fi.Name, prefix) {
			return nil
		}

		if found {
			return &MultipleIDMatchesError{Prefix: prefix, Type: t}
		}

		id, err := ParseID(fi.Name)
		if err != nil {
			return nil
		}

		match = id
		found = true
		return nil
	})

	if err != nil {
		return ID{}, err
	}

	if !found {
		return ID{}, &NoIDByPrefixError{Prefix: prefix, Type: t}
	}

	return match, nil
}

func hasPrefix(name, prefix string) bool {
	if len(prefix) > len(name) {
		return false
	}
	return name[:len(prefix)] == prefix
}

// PrefixLength returns the number of bytes of the ID that are necessary to
// uniquely identify each file of type t stored in be.
func PrefixLength(ctx context.Context, be fileInfoLister, t FileType) (int, error) {
	var ids IDs

	err := be.List(ctx, t, func(fi FileInfo) error {
		id, err := ParseID(fi.Name)
		if err != nil {
			return nil
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return 0, err
	}

	for l := 1; l < IDSize*2; l++ {
		seen := make(map[string]struct{}, len(ids))
		collision := false

		for _, id := range ids {
			s := id.String()[:l]
			if _, ok := seen[s]; ok {
				collision = true
				break
			}
			seen[s] = struct{}{}
		}

		if !collision {
			return l, nil
		}
	}

	return IDSize * 2, nil
}
