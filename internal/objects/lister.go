package objects

import (
	"context"
	"fmt"
)

// Lister lists the IDs and sizes of all files of a given type stored in a
// repository. Unlike Backend.List, which yields raw FileInfo entries keyed
// by filename, a Lister yields parsed content IDs -- this is the shape that
// repository-level code (locking, snapshot enumeration, index loading)
// actually wants.
type Lister interface {
	List(ctx context.Context, t FileType, fn func(ID, int64) error) error
}

// memorizedLister replays a single List call that has already completed,
// so that a result can be iterated more than once without hitting the
// backend again.
type memorizedLister struct {
	ids  IDs
	size []int64
	tpe  FileType
}

func (m *memorizedLister) List(ctx context.Context, t FileType, fn func(ID, int64) error) error {
	if t != m.tpe {
		return fmt.Errorf("filetype mismatch, expected %s got %s", m.tpe, t)
	}

	for i, id := range m.ids {
		if ctx.Err() != nil {
			break
		}
		if err := fn(id, m.size[i]); err != nil {
			return err
		}
	}

	return ctx.Err()
}

// MemorizeList runs a single List call against be for files of type t and
// returns a Lister that replays the result, so that later List calls for
// the same type don't hit the backend again.
func MemorizeList(ctx context.Context, be Lister, t FileType) (Lister, error) {
	if m, ok := be.(*memorizedLister); ok && m.tpe == t {
		return m, nil
	}

	var (
		ids  IDs
		size []int64
	)
	err := be.List(ctx, t, func(id ID, sz int64) error {
		ids = append(ids, id)
		size = append(size, sz)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &memorizedLister{ids: ids, size: size, tpe: t}, nil
}
