// Package mock provides a backend.Backend test double whose every method is
// backed by an overridable function field, so a test only has to implement
// the handful of behaviors it actually cares about.
package mock

import (
	"context"
	"hash"
	"io"

	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/objects"
)

// Backend implements objects.Backend; every method forwards to the
// corresponding *Fn field, panicking if that field is nil. Tests set only
// the fields the scenario they're checking needs.
type Backend struct {
	ConnectionsFn       func() uint
	HasherFn            func() hash.Hash
	HasAtomicReplaceFn  func() bool
	RemoveFn            func(ctx context.Context, h objects.Handle) error
	CloseFn             func() error
	SaveFn              func(ctx context.Context, h objects.Handle, rd objects.RewindReader) error
	LoadFn              func(ctx context.Context, h objects.Handle, length int, offset int64, fn func(rd io.Reader) error) error
	StatFn              func(ctx context.Context, h objects.Handle) (objects.FileInfo, error)
	ListFn              func(ctx context.Context, t objects.FileType, fn func(objects.FileInfo) error) error
	IsNotExistFn        func(err error) bool
	IsPermanentErrorFn  func(err error) bool
	DeleteFn            func(ctx context.Context) error
}

var _ objects.Backend = &Backend{}

func (m *Backend) Connections() uint {
	if m.ConnectionsFn == nil {
		return 2
	}
	return m.ConnectionsFn()
}

func (m *Backend) Hasher() hash.Hash {
	if m.HasherFn == nil {
		return nil
	}
	return m.HasherFn()
}

func (m *Backend) HasAtomicReplace() bool {
	if m.HasAtomicReplaceFn == nil {
		return false
	}
	return m.HasAtomicReplaceFn()
}

func (m *Backend) Remove(ctx context.Context, h objects.Handle) error {
	if m.RemoveFn == nil {
		panic("mock.Backend: RemoveFn not set")
	}
	return m.RemoveFn(ctx, h)
}

func (m *Backend) Close() error {
	if m.CloseFn == nil {
		return nil
	}
	return m.CloseFn()
}

func (m *Backend) Save(ctx context.Context, h objects.Handle, rd objects.RewindReader) error {
	if m.SaveFn == nil {
		panic("mock.Backend: SaveFn not set")
	}
	return m.SaveFn(ctx, h, rd)
}

func (m *Backend) Load(ctx context.Context, h objects.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	if m.LoadFn == nil {
		panic("mock.Backend: LoadFn not set")
	}
	return m.LoadFn(ctx, h, length, offset, fn)
}

func (m *Backend) Stat(ctx context.Context, h objects.Handle) (objects.FileInfo, error) {
	if m.StatFn == nil {
		panic("mock.Backend: StatFn not set")
	}
	return m.StatFn(ctx, h)
}

func (m *Backend) List(ctx context.Context, t objects.FileType, fn func(objects.FileInfo) error) error {
	if m.ListFn == nil {
		return nil
	}
	return m.ListFn(ctx, t, fn)
}

func (m *Backend) IsNotExist(err error) bool {
	if m.IsNotExistFn == nil {
		return false
	}
	return m.IsNotExistFn(err)
}

func (m *Backend) IsPermanentError(err error) bool {
	if m.IsPermanentErrorFn == nil {
		return false
	}
	return m.IsPermanentErrorFn(err)
}

func (m *Backend) Delete(ctx context.Context) error {
	if m.DeleteFn == nil {
		return errors.New("mock.Backend: DeleteFn not set")
	}
	return m.DeleteFn(ctx)
}
