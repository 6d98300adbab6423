// Package backend collects backend implementations (local disk, in-memory,
// and a variety of remote object stores) plus the generic wrappers --
// retrying, rate limiting, hot/cold tiering, caching -- that compose around
// any of them. The storage contract itself (Backend, Handle, FileType,
// RewindReader, ...) is defined in the objects package; the aliases below
// let this package and its subpackages refer to those types without an
// extra import, matching how the rest of the codebase already spells them.
package backend

import (
	"github.com/sealvault/sealvault/internal/objects"
)

var ErrNoRepository = objects.ErrNoRepository

type (
	Backend            = objects.Backend
	Unwrapper          = objects.Unwrapper
	FreezeBackend      = objects.FreezeBackend
	FileInfo           = objects.FileInfo
	ApplyEnvironmenter = objects.ApplyEnvironmenter
	FileType           = objects.FileType
	Handle             = objects.Handle
	RewindReader       = objects.RewindReader
	ByteReader         = objects.ByteReader
	FileReader         = objects.FileReader
	Lister             = objects.Lister
)

const (
	PackFile     = objects.PackFile
	KeyFile      = objects.KeyFile
	LockFile     = objects.LockFile
	SnapshotFile = objects.SnapshotFile
	IndexFile    = objects.IndexFile
	ConfigFile   = objects.ConfigFile
)

var (
	NewByteReader = objects.NewByteReader
	NewFileReader = objects.NewFileReader
	MemorizeList  = objects.MemorizeList
)

// AsBackend walks a chain of Unwrapper-implementing backends until it finds
// one that can be asserted to B, or returns the zero value of B if none can.
func AsBackend[B Backend](b Backend) B {
	return objects.AsBackend[B](b)
}
