package repository

import (
	"context"
	"crypto/sha256"
	"hash"
	"os"
	"sync"

	"github.com/sealvault/sealvault/internal/crypto"
	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/fs"
	"github.com/sealvault/sealvault/internal/objects"
	"github.com/sealvault/sealvault/internal/repository/hashing"
	"github.com/sealvault/sealvault/internal/repository/pack"
)

// newPackHasher returns the hash implementation used to compute a pack
// file's content ID (objects.ID is a sha256 digest).
func newPackHasher() hash.Hash {
	return sha256.New()
}

// MinPackSize is the target size, in bytes, a pack file grows to before it
// is finalized and uploaded. Smaller packs waste backend round-trips;
// larger ones make prune and repair less granular.
const MinPackSize = 4 * 1024 * 1024

const minPackSize = MinPackSize

// Saver is the minimal backend capability packerManager needs: uploading a
// finished pack file.
type Saver interface {
	Save(ctx context.Context, h objects.Handle, rd objects.RewindReader) error
}

// packer pairs a pack.Packer with the temporary file it is writing to and a
// hash.Writer that computes the pack's content ID as it is written.
type packer struct {
	*pack.Packer

	tmpfile *os.File
	hw      *hashing.Writer
}

// Add writes data as a new blob in the pack, tracking it as uncompressed.
func (p *packer) Add(t objects.BlobType, id objects.ID, data []byte) (int, error) {
	return p.Packer.Add(t, id, data, 0)
}

// Finalize writes the pack's header and returns the pack's final size.
func (p *packer) Finalize() (int64, error) {
	if err := p.Packer.Finalize(); err != nil {
		return 0, err
	}
	return int64(p.Packer.Size()), nil
}

// packerManager buffers blobs into pack files, handing finished packs off
// to a Saver once they reach MinPackSize. It is safe for concurrent use.
type packerManager struct {
	be  Saver
	key *crypto.Key

	pm      sync.Mutex
	packers []*packer
}

func newPackerManager(be Saver, key *crypto.Key) *packerManager {
	return &packerManager{be: be, key: key}
}

// findPacker returns a not-yet-full packer to append to, creating a new one
// backed by a fresh temporary file if none is available.
func (r *packerManager) findPacker() (*packer, error) {
	r.pm.Lock()
	if n := len(r.packers); n > 0 {
		p := r.packers[n-1]
		r.packers = r.packers[:n-1]
		r.pm.Unlock()
		return p, nil
	}
	r.pm.Unlock()

	tmpfile, err := os.CreateTemp("", "restic-temp-pack-")
	if err != nil {
		return nil, errors.Wrap(err, "CreateTemp")
	}

	hw := hashing.NewWriter(tmpfile, newPackHasher())
	return &packer{
		Packer:  pack.NewPacker(r.key, hw),
		tmpfile: tmpfile,
		hw:      hw,
	}, nil
}

// insertPacker returns a not-yet-full packer to the pool so a later
// findPacker call can continue filling it.
func (r *packerManager) insertPacker(p *packer) {
	r.pm.Lock()
	defer r.pm.Unlock()
	r.packers = append(r.packers, p)
}

// countPacker returns the number of packers currently buffered.
func (r *packerManager) countPacker() int {
	r.pm.Lock()
	defer r.pm.Unlock()
	return len(r.packers)
}

// savePacker finalizes p, uploads it to the backend under its content hash
// and releases its temporary file. It returns the pack's content ID so the
// caller can record its blobs in the index.
func (r *packerManager) savePacker(ctx context.Context, t objects.BlobType, p *packer) (objects.ID, error) {
	if _, err := p.Finalize(); err != nil {
		return objects.ID{}, err
	}

	packID := objects.IDFromHash(p.hw.Sum(nil))
	h := objects.Handle{Type: objects.PackFile, Name: packID.String()}

	rd, err := objects.NewFileReader(p.tmpfile, nil)
	if err != nil {
		return objects.ID{}, errors.Wrap(err, "NewFileReader")
	}

	if err := r.be.Save(ctx, h, rd); err != nil {
		return objects.ID{}, err
	}

	if err := p.tmpfile.Close(); err != nil {
		return objects.ID{}, errors.Wrap(err, "Close")
	}
	return packID, fs.RemoveIfExists(p.tmpfile.Name())
}
