package objects

import (
	"context"

	"github.com/sealvault/sealvault/internal/crypto"
	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/ui/progress"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidData is returned when a blob or file's content does not hash to
// the ID it is supposed to be stored under.
var ErrInvalidData = errors.New("invalid data returned")

// BlobLoader loads a single content-addressed blob, writing its decrypted,
// decompressed content into (and possibly beyond the capacity of) buf.
type BlobLoader interface {
	LoadBlob(ctx context.Context, t BlobType, id ID, buf []byte) ([]byte, error)
}

// Loader is the minimal read-side contract needed to walk trees: fetch a
// blob's content and know how many such fetches may run concurrently.
type Loader interface {
	BlobLoader
	Connections() uint
}

// PackBlobs groups the blobs of a single pack file, as produced by
// MasterIndex.ListPacks.
type PackBlobs struct {
	PackID ID
	Blobs  []Blob
}

// BlobSaver stores a single content-addressed blob in the repository. id
// must equal Hash(data) unless storeDuplicate is set.
type BlobSaver interface {
	SaveBlob(ctx context.Context, t BlobType, data []byte, id ID, storeDuplicate bool) (newID ID, known bool, size int, err error)
}

// BlobSaverWithAsync is a BlobSaver whose uploads may be pipelined across a
// worker pool; Connections reports how many concurrent saves are useful.
type BlobSaverWithAsync interface {
	BlobSaver
	Connections() uint
}

// MasterIndex is the read side of a repository's combined blob index: it
// answers "where is this blob" and "what packs exist" without caring how
// many underlying index files were merged to produce the answer.
type MasterIndex interface {
	Has(BlobHandle) bool
	Lookup(BlobHandle) []PackedBlob
	LookupSize(BlobHandle) (uint, bool)
	Each(ctx context.Context) <-chan PackedBlob
	Count(BlobType) uint
	ListPacks(ctx context.Context, packs IDSet) <-chan PackBlobs
}

// Repository is the full read/write contract a repository implementation
// exposes to the rest of the codebase (archiver, checker, CLI): encrypted,
// deduplicated blob storage plus the unpacked JSON files (config, snapshots,
// index, locks) layered on top of a Backend.
type Repository interface {
	Lister
	SaverUnpacked
	LoaderUnpacked
	Loader

	Backend() Backend
	Key() *crypto.Key
	Config() Config

	// StartPackUploader starts the background workers that flush full
	// packers to the backend. It must be called once before any SaveBlob.
	StartPackUploader(ctx context.Context, wg *errgroup.Group)

	// WithBlobUploader runs fn with a BlobSaverWithAsync backed by this
	// repository, starting the pack uploader workers first if they are not
	// already running and flushing all pending packs once fn returns.
	WithBlobUploader(ctx context.Context, fn func(ctx context.Context, uploader BlobSaverWithAsync) error) error

	// SaveBlob saves a blob of type t with the given id (which must equal
	// Hash(data)) in the repository. If storeDuplicate is true, the blob is
	// not deduplicated against already-stored blobs of the same id.
	SaveBlob(ctx context.Context, t BlobType, data []byte, id ID, storeDuplicate bool) (newID ID, known bool, size int, err error)

	// Flush uploads and finalizes all pending, not yet full packs.
	Flush(ctx context.Context) error

	SaveUnpacked(ctx context.Context, t FileType, buf []byte) (ID, error)
	LoadUnpacked(ctx context.Context, t FileType, id ID, buf []byte) ([]byte, error)
	RemoverUnpacked

	// LoadIndex loads all index files, optionally reporting progress.
	LoadIndex(ctx context.Context, p ...*progress.Counter) error

	Index() MasterIndex
	SetIndex(mi MasterIndex) error
	LookupBlobSize(id ID, t BlobType) (size uint, found bool)

	// PackSize is the target size, in bytes, a pack file grows to before
	// it is finalized and uploaded.
	PackSize() uint
}
