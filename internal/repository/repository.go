// Package repository implements the on-disk repository format: encrypted,
// deduplicated, content-addressed blob storage layered on top of a Backend.
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/restic/chunker"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/sealvault/sealvault/internal/backend"
	"github.com/sealvault/sealvault/internal/cache"
	"github.com/sealvault/sealvault/internal/crypto"
	"github.com/sealvault/sealvault/internal/debug"
	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/objects"
	"github.com/sealvault/sealvault/internal/ui/progress"
)

// CompressionMode selects how aggressively data blobs are compressed
// before being written to a pack. It implements pflag.Value so it can be
// bound directly to a command line flag.
type CompressionMode uint

// The compression modes a repository can be configured with.
const (
	CompressionAuto CompressionMode = iota
	CompressionOff
	CompressionFastest
	CompressionBetter
	CompressionMax
)

var _ pflag.Value = (*CompressionMode)(nil)

func (c *CompressionMode) String() string {
	switch *c {
	case CompressionAuto:
		return "auto"
	case CompressionOff:
		return "off"
	case CompressionFastest:
		return "fastest"
	case CompressionBetter:
		return "better"
	case CompressionMax:
		return "max"
	default:
		return "invalid"
	}
}

// Set implements pflag.Value.
func (c *CompressionMode) Set(s string) error {
	switch s {
	case "auto":
		*c = CompressionAuto
	case "off":
		*c = CompressionOff
	case "fastest":
		*c = CompressionFastest
	case "better":
		*c = CompressionBetter
	case "max":
		*c = CompressionMax
	default:
		return errors.Errorf("invalid compression mode %q, must be one of (auto|off|fastest|better|max)", s)
	}
	return nil
}

// Type implements pflag.Value.
func (c CompressionMode) Type() string {
	return "mode"
}

// Options configures a Repository returned by New.
type Options struct {
	Compression   CompressionMode
	PackSize      uint
	NoExtraVerify bool
	KDFParams     crypto.Params
}

// unpackedCompressedMarker is prefixed to the plaintext of a compressed
// unpacked file (version 2 repositories only) so LoadUnpacked knows to
// decompress it.
const unpackedCompressedMarker = 2

// Repository is the concrete, on-disk implementation of objects.Repository.
type Repository struct {
	be      objects.Backend
	key     *crypto.Key
	keyName string
	cfg     objects.Config
	opts    Options

	packerCount int
	pm          *packerManager

	idxMu        sync.Mutex
	idx          *MasterIndex
	currentIndex *Index

	noAutoIndexUpdate bool

	uploadMu sync.Mutex
	uploadCh chan saveBlobJob

	encOnce sync.Once
	enc     *zstd.Encoder
	decOnce sync.Once
	dec     *zstd.Decoder
}

var _ objects.Repository = (*Repository)(nil)

// New returns a Repository backed by be, configured by opts. The
// repository's key and config are not yet available; call Init or
// SearchKey before using it.
func New(be objects.Backend, opts Options) (*Repository, error) {
	if be == nil {
		return nil, errors.New("New: backend is nil")
	}
	return &Repository{
		be:   be,
		opts: opts,
		idx:  NewMasterIndex(),
	}, nil
}

// initPackerManager constructs repo.pm once repo.key is known. Called once
// a usable key has been found, either by Init or by SearchKey.
func (r *Repository) initPackerManager() {
	r.pm = newPackerManager(r.be, r.key)
}

// Init creates a new, empty repository: a random master key wrapped by a
// key derived from password, and a config file recording version and a
// fresh content-defined-chunking polynomial. If chunkerPolynomial is nil, a
// random one is selected.
func Init(ctx context.Context, repo *Repository, version uint, password string, chunkerPolynomial *chunker.Pol) error {
	if version == 0 {
		version = objects.RepoVersion
	}
	if version < objects.MinRepoVersion || version > objects.MaxRepoVersion {
		return errors.Errorf("repo version %d too high", version)
	}

	cfg, err := objects.CreateConfig()
	if err != nil {
		return err
	}
	cfg.Version = version
	if chunkerPolynomial != nil {
		cfg.ChunkerPolynomial = *chunkerPolynomial
	}

	if _, err := repo.be.Stat(ctx, objects.Handle{Type: objects.ConfigFile}); err == nil {
		return errors.New("repository master key and config already initialized")
	}

	repo.key = crypto.NewRandomKey()
	repo.cfg = cfg
	repo.initPackerManager()

	if _, err := AddKey(ctx, repo, password, "", "", repo.key); err != nil {
		return errors.Wrap(err, "AddKey")
	}

	if err := objects.SaveConfig(repo, cfg); err != nil {
		return errors.Wrap(err, "SaveConfig")
	}

	return nil
}

// Backend returns the backend the repository is stored on.
func (r *Repository) Backend() objects.Backend {
	return r.be
}

// Key returns the repository's decrypted master key.
func (r *Repository) Key() *crypto.Key {
	return r.key
}

// Config returns the repository's configuration.
func (r *Repository) Config() objects.Config {
	return r.cfg
}

// Connections returns the backend's maximum concurrency.
func (r *Repository) Connections() uint {
	return r.be.Connections()
}

// Close closes the underlying backend.
func (r *Repository) Close() error {
	return r.be.Close()
}

// UseCache wraps the repository's backend with c, so reads and writes are
// cached locally. A nil cache is a no-op.
func (r *Repository) UseCache(c *cache.Cache) {
	if c == nil {
		return
	}
	r.be = c.Wrap(r.be)
}

// DisableAutoIndexUpdate stops SaveBlob from flushing the current index to
// the backend once it fills up; Flush still saves it.
func (r *Repository) DisableAutoIndexUpdate() {
	r.noAutoIndexUpdate = true
}

// PackSize is the target size, in bytes, a pack file grows to before it is
// finalized and uploaded.
func (r *Repository) PackSize() uint {
	if r.opts.PackSize != 0 {
		return r.opts.PackSize
	}
	return MinPackSize
}

func (r *Repository) getZstdEncoder() *zstd.Encoder {
	r.encOnce.Do(func() {
		level := zstd.SpeedDefault
		switch r.opts.Compression {
		case CompressionFastest:
			level = zstd.SpeedFastest
		case CompressionBetter:
			level = zstd.SpeedBetterCompression
		case CompressionMax:
			level = zstd.SpeedBestCompression
		}

		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(level),
			zstd.WithEncoderCRC(false),
			zstd.WithWindowSize(512*1024),
		)
		if err != nil {
			panic(err)
		}
		r.enc = enc
	})
	return r.enc
}

func (r *Repository) getZstdDecoder() *zstd.Decoder {
	r.decOnce.Do(func() {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
		r.dec = dec
	})
	return r.dec
}

// compressionEnabled reports whether blob compression is active for this
// repository: it requires both a version 2+ repository layout and a
// compression mode other than off.
func (r *Repository) compressionEnabled() bool {
	return r.cfg.Version > 1 && r.opts.Compression != CompressionOff
}

// List calls fn for each file of type t in the repository.
func (r *Repository) List(ctx context.Context, t objects.FileType, fn func(objects.ID, int64) error) error {
	return r.be.List(ctx, t, func(fi objects.FileInfo) error {
		id, err := objects.ParseID(fi.Name)
		if err != nil {
			debug.Log("invalid file name %q for type %v, skipping", fi.Name, t)
			return nil
		}
		return fn(id, fi.Size)
	})
}

// handleForUnpacked returns the backend handle an unpacked file of type t
// and content id is stored under. ConfigFile is always stored under the
// empty name.
func handleForUnpacked(t objects.FileType, id objects.ID) objects.Handle {
	name := id.String()
	if t == objects.ConfigFile {
		name = ""
	}
	return objects.Handle{Type: t, Name: name}
}

// SaveUnpacked saves buf as an unpacked file of type t, returning the id it
// is now addressable by. Key files are stored raw -- unwrapping them is how
// the master key used to encrypt everything else is obtained in the first
// place, so they cannot themselves depend on it.
func (r *Repository) SaveUnpacked(ctx context.Context, t objects.FileType, buf []byte) (objects.ID, error) {
	if t == objects.KeyFile {
		id := objects.Hash(buf)
		rd := objects.NewByteReader(buf, r.be.Hasher())
		if err := r.be.Save(ctx, objects.Handle{Type: t, Name: id.String()}, rd); err != nil {
			return objects.ID{}, err
		}
		return id, nil
	}

	plaintext := buf
	if t != objects.ConfigFile && r.cfg.Version > 1 {
		plaintext = append([]byte{unpackedCompressedMarker}, r.getZstdEncoder().EncodeAll(buf, nil)...)
	}

	ciphertext := crypto.NewBlobBuffer(len(plaintext))
	ciphertext, err := r.key.Encrypt(ciphertext[:0], plaintext)
	if err != nil {
		return objects.ID{}, errors.Wrap(err, "Encrypt")
	}

	if !r.opts.NoExtraVerify {
		if err := r.verifyUnpacked(ciphertext, t, buf); err != nil {
			return objects.ID{}, err
		}
	}

	id := objects.Hash(ciphertext)
	rd := objects.NewByteReader(ciphertext, r.be.Hasher())
	if err := r.be.Save(ctx, handleForUnpacked(t, id), rd); err != nil {
		return objects.ID{}, err
	}

	return id, nil
}

// LoadUnpacked loads and decrypts the unpacked file of type t and id,
// appending its plaintext to buf (which may be nil).
func (r *Repository) LoadUnpacked(ctx context.Context, t objects.FileType, id objects.ID, buf []byte) ([]byte, error) {
	if t == objects.KeyFile {
		return backend.LoadAll(ctx, buf, r.be, objects.Handle{Type: t, Name: id.String()})
	}

	ciphertext, err := backend.LoadAll(ctx, nil, r.be, handleForUnpacked(t, id))
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, 0, crypto.PlaintextLength(len(ciphertext)))
	n, err := r.key.Decrypt(plaintext[:cap(plaintext)], ciphertext)
	if err != nil {
		return nil, err
	}
	plaintext = plaintext[:n]

	if t != objects.ConfigFile && r.cfg.Version > 1 {
		if len(plaintext) == 0 || plaintext[0] != unpackedCompressedMarker {
			return nil, errors.New("unexpected unpacked file format")
		}
		out, err := r.getZstdDecoder().DecodeAll(plaintext[1:], buf[:0])
		if err != nil {
			return nil, errors.Wrap(err, "DecodeAll")
		}
		plaintext = out
	}

	return plaintext, nil
}

// RemoveUnpacked removes the unpacked file of type t and id.
func (r *Repository) RemoveUnpacked(ctx context.Context, t objects.FileType, id objects.ID) error {
	return r.be.Remove(ctx, handleForUnpacked(t, id))
}

// SaveJSONUnpacked JSON-encodes arg and saves it as an unpacked file of
// type t.
func (r *Repository) SaveJSONUnpacked(t objects.FileType, arg interface{}) (objects.ID, error) {
	buf, err := json.Marshal(arg)
	if err != nil {
		return objects.ID{}, errors.Wrap(err, "Marshal")
	}
	return r.SaveUnpacked(context.Background(), t, buf)
}

// LoadJSONUnpacked loads the unpacked file of type t and id and JSON-decodes
// it into arg.
func (r *Repository) LoadJSONUnpacked(ctx context.Context, t objects.FileType, id objects.ID, arg interface{}) error {
	buf, err := r.LoadUnpacked(ctx, t, id, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, arg)
}

// verifyUnpacked re-decrypts (and, if applicable, decompresses) ciphertext
// and compares it against expected, catching corruption before data is
// handed to the backend.
func (r *Repository) verifyUnpacked(ciphertext []byte, t objects.FileType, expected []byte) error {
	plaintext := make([]byte, 0, crypto.PlaintextLength(len(ciphertext)))
	n, err := r.key.Decrypt(plaintext[:cap(plaintext)], ciphertext)
	if err != nil {
		return err
	}
	plaintext = plaintext[:n]

	if t != objects.ConfigFile && r.cfg.Version > 1 {
		if len(plaintext) == 0 || plaintext[0] != unpackedCompressedMarker {
			return errors.New("unexpected unpacked file format")
		}
		out, err := r.getZstdDecoder().DecodeAll(plaintext[1:], nil)
		if err != nil {
			return errors.Wrap(err, "decompression failed")
		}
		plaintext = out
	}

	if !bytes.Equal(plaintext, expected) {
		return errors.New("data mismatch")
	}

	return nil
}

// verifyCiphertext re-decrypts (and, if compressed, decompresses)
// ciphertext and checks that it hashes to id, catching corruption
// introduced while encrypting a blob before it is ever uploaded.
// uncompressedLength is 0 if the blob was stored without compression.
func (r *Repository) verifyCiphertext(ciphertext []byte, uncompressedLength int, id objects.ID) error {
	plaintext := make([]byte, 0, crypto.PlaintextLength(len(ciphertext)))
	n, err := r.key.Decrypt(plaintext[:cap(plaintext)], ciphertext)
	if err != nil {
		return err
	}
	plaintext = plaintext[:n]

	if uncompressedLength != 0 {
		out, err := r.getZstdDecoder().DecodeAll(plaintext, make([]byte, 0, uncompressedLength))
		if err != nil {
			return errors.Wrap(err, "decompression failed")
		}
		plaintext = out
	}

	if hash := objects.Hash(plaintext); !hash.Equal(id) {
		return errors.Errorf("hash mismatch, want %v, got %v", id, hash)
	}

	return nil
}

// Index returns the repository's current combined blob index.
func (r *Repository) Index() objects.MasterIndex {
	return r.idx
}

// SetIndex replaces the repository's index wholesale, discarding any
// not-yet-flushed in-progress index.
func (r *Repository) SetIndex(mi objects.MasterIndex) error {
	idx, ok := mi.(*MasterIndex)
	if !ok {
		return errors.New("SetIndex: not a *MasterIndex")
	}
	r.idxMu.Lock()
	r.idx = idx
	r.currentIndex = nil
	r.idxMu.Unlock()
	return nil
}

// LoadIndex loads and merges every index file in the repository, replacing
// whatever index state was previously loaded. p, if given, is advanced once
// per index file loaded.
func (r *Repository) LoadIndex(ctx context.Context, p ...*progress.Counter) error {
	var bar *progress.Counter
	if len(p) > 0 {
		bar = p[0]
	}

	mi := NewMasterIndex()
	err := ForAllIndexes(ctx, r, func(id objects.ID, idx *Index, oldFormat bool, err error) error {
		if err != nil {
			return err
		}
		mi.Insert(idx)
		if bar != nil {
			bar.Add(1)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.idxMu.Lock()
	r.idx = mi
	r.currentIndex = nil
	r.idxMu.Unlock()
	return nil
}

// knownBlob reports whether bh is already recorded in either the loaded
// master index or the not yet flushed current index.
func (r *Repository) knownBlob(bh objects.BlobHandle) bool {
	if r.idx.Has(bh) {
		return true
	}
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	return r.currentIndex != nil && r.currentIndex.Has(bh)
}

// lookupBlob returns every known location of bh, across both the loaded
// master index and the not yet flushed current index.
func (r *Repository) lookupBlob(bh objects.BlobHandle) []objects.PackedBlob {
	pbs := r.idx.Lookup(bh)
	r.idxMu.Lock()
	if r.currentIndex != nil {
		pbs = r.currentIndex.Lookup(bh, pbs)
	}
	r.idxMu.Unlock()
	return pbs
}

// LookupBlobSize returns the plaintext size of the blob id/t, if known.
func (r *Repository) LookupBlobSize(id objects.ID, t objects.BlobType) (uint, bool) {
	bh := objects.BlobHandle{ID: id, Type: t}
	if size, ok := r.idx.LookupSize(bh); ok {
		return size, true
	}
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	if r.currentIndex != nil {
		return r.currentIndex.LookupSize(bh)
	}
	return 0, false
}

// storePack records packID's blobs in the not yet flushed current index,
// flushing it immediately if it is now full and auto index updates are not
// disabled.
func (r *Repository) storePack(ctx context.Context, packID objects.ID, blobs []objects.Blob) error {
	r.idxMu.Lock()
	if r.currentIndex == nil {
		r.currentIndex = NewIndex()
	}
	r.currentIndex.StorePack(packID, blobs)
	full := r.currentIndex.IsFull()
	r.idxMu.Unlock()

	if full && !r.noAutoIndexUpdate {
		return r.flushIndex(ctx)
	}
	return nil
}

// flushIndex saves the not yet flushed current index (if any) as a new
// index file and merges it into the loaded master index.
func (r *Repository) flushIndex(ctx context.Context) error {
	r.idxMu.Lock()
	idx := r.currentIndex
	r.currentIndex = nil
	r.idxMu.Unlock()

	if idx == nil || len(idx.packs) == 0 {
		return nil
	}

	if _, err := SaveIndex(ctx, r, idx); err != nil {
		return err
	}

	r.idxMu.Lock()
	r.idx.Insert(idx)
	r.idxMu.Unlock()

	return nil
}

// saveBlobJob is a unit of work sent to the pack uploader workers started
// by StartPackUploader.
type saveBlobJob struct {
	t              objects.BlobType
	data           []byte
	id             objects.ID
	storeDuplicate bool
	result         chan saveBlobResult
}

type saveBlobResult struct {
	id    objects.ID
	known bool
	size  int
	err   error
}

// StartPackUploader starts the background workers that accept blobs sent
// to SaveBlob and pack them into files for upload. It is a no-op if the
// uploader is already running.
func (r *Repository) StartPackUploader(ctx context.Context, wg *errgroup.Group) {
	r.uploadMu.Lock()
	defer r.uploadMu.Unlock()

	if r.uploadCh != nil {
		return
	}

	ch := make(chan saveBlobJob)
	r.uploadCh = ch

	workers := r.packerCount
	if workers <= 0 {
		workers = int(r.Connections())
	}
	if workers <= 0 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		wg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case job, ok := <-ch:
					if !ok {
						return nil
					}
					id, known, size, err := r.saveBlob(ctx, job.t, job.data, job.id, job.storeDuplicate)
					select {
					case job.result <- saveBlobResult{id: id, known: known, size: size, err: err}:
					case <-ctx.Done():
					}
				}
			}
		})
	}
}

// SaveBlob stores data as a blob of type t, deduplicating against already
// known blobs unless storeDuplicate is set. If the pack uploader is
// running, the work is handed off to it; otherwise it runs inline.
func (r *Repository) SaveBlob(ctx context.Context, t objects.BlobType, data []byte, id objects.ID, storeDuplicate bool) (newID objects.ID, known bool, size int, err error) {
	r.uploadMu.Lock()
	ch := r.uploadCh
	r.uploadMu.Unlock()

	if ch == nil {
		return r.saveBlob(ctx, t, data, id, storeDuplicate)
	}

	job := saveBlobJob{t: t, data: data, id: id, storeDuplicate: storeDuplicate, result: make(chan saveBlobResult, 1)}
	select {
	case ch <- job:
	case <-ctx.Done():
		return objects.ID{}, false, 0, ctx.Err()
	}

	select {
	case res := <-job.result:
		return res.id, res.known, res.size, res.err
	case <-ctx.Done():
		return objects.ID{}, false, 0, ctx.Err()
	}
}

// saveBlob is the synchronous implementation behind SaveBlob.
func (r *Repository) saveBlob(ctx context.Context, t objects.BlobType, data []byte, id objects.ID, storeDuplicate bool) (objects.ID, bool, int, error) {
	if id.IsNull() {
		id = objects.Hash(data)
	}

	if !storeDuplicate && r.knownBlob(objects.BlobHandle{ID: id, Type: t}) {
		return id, true, 0, nil
	}

	uncompressedLength := 0
	plaintext := data
	if r.compressionEnabled() {
		uncompressedLength = len(data)
		plaintext = r.getZstdEncoder().EncodeAll(data, make([]byte, 0, len(data)))
	}

	ciphertext := crypto.NewBlobBuffer(len(plaintext))
	ciphertext, err := r.key.Encrypt(ciphertext[:0], plaintext)
	if err != nil {
		return objects.ID{}, false, 0, errors.Wrap(err, "Encrypt")
	}

	if !r.opts.NoExtraVerify {
		if err := r.verifyCiphertext(ciphertext, uncompressedLength, id); err != nil {
			return objects.ID{}, false, 0, err
		}
	}

	packer, err := r.pm.findPacker()
	if err != nil {
		return objects.ID{}, false, 0, err
	}

	if _, err := packer.Packer.Add(t, id, ciphertext, uncompressedLength); err != nil {
		r.pm.insertPacker(packer)
		return objects.ID{}, false, 0, err
	}

	size := len(ciphertext)

	if packer.Packer.Size() >= r.PackSize() {
		if err := r.finalizeAndSavePacker(ctx, t, packer); err != nil {
			return objects.ID{}, false, 0, err
		}
	} else {
		r.pm.insertPacker(packer)
	}

	return id, false, size, nil
}

// finalizeAndSavePacker finalizes p, uploads it and records its blobs in
// the not yet flushed current index.
func (r *Repository) finalizeAndSavePacker(ctx context.Context, t objects.BlobType, p *packer) error {
	blobs := p.Packer.Blobs()
	packID, err := r.pm.savePacker(ctx, t, p)
	if err != nil {
		return err
	}
	return r.storePack(ctx, packID, blobs)
}

// WithBlobUploader runs fn with a BlobSaverWithAsync backed by r, starting
// the pack uploader if it is not already running and flushing all pending
// packs once fn returns.
func (r *Repository) WithBlobUploader(ctx context.Context, fn func(ctx context.Context, uploader objects.BlobSaverWithAsync) error) error {
	r.uploadMu.Lock()
	alreadyRunning := r.uploadCh != nil
	r.uploadMu.Unlock()

	var wg errgroup.Group
	if !alreadyRunning {
		r.StartPackUploader(ctx, &wg)
	}

	fnErr := fn(ctx, r)
	flushErr := r.Flush(ctx)

	if !alreadyRunning {
		r.uploadMu.Lock()
		ch := r.uploadCh
		r.uploadCh = nil
		r.uploadMu.Unlock()
		if ch != nil {
			close(ch)
		}
		if waitErr := wg.Wait(); waitErr != nil && fnErr == nil && flushErr == nil {
			return waitErr
		}
	}

	if fnErr != nil {
		return fnErr
	}
	return flushErr
}

// Flush finalizes and uploads every pending packer and saves the not yet
// flushed current index.
func (r *Repository) Flush(ctx context.Context) error {
	for r.pm.countPacker() > 0 {
		p, err := r.pm.findPacker()
		if err != nil {
			return err
		}
		if err := r.finalizeAndSavePacker(ctx, objects.DataBlob, p); err != nil {
			return err
		}
	}

	return r.flushIndex(ctx)
}

// cacher is the capability a backend cache offers for reordering blob
// lookups to prefer packs it already holds locally.
type cacher interface {
	Has(h backend.Handle) bool
}

// sortCachedPacksFirst stably reorders blobs so that packs cache already
// holds locally come first, avoiding a remote round trip when a blob is
// available from more than one pack.
func sortCachedPacksFirst(cache cacher, blobs []objects.PackedBlob) {
	if cache == nil || len(blobs) < 2 {
		return
	}
	sort.SliceStable(blobs, func(i, j int) bool {
		hi := backend.Handle{Type: backend.PackFile, Name: blobs[i].PackID.String()}
		hj := backend.Handle{Type: backend.PackFile, Name: blobs[j].PackID.String()}
		return cache.Has(hi) && !cache.Has(hj)
	})
}

// LoadBlob loads, decrypts and (if applicable) decompresses the blob t/id,
// verifying that its plaintext hashes to id, and appends it to buf.
func (r *Repository) LoadBlob(ctx context.Context, t objects.BlobType, id objects.ID, buf []byte) ([]byte, error) {
	bh := objects.BlobHandle{ID: id, Type: t}
	blobs := r.lookupBlob(bh)
	if len(blobs) == 0 {
		return nil, errors.Errorf("id %v not found in repository", id)
	}

	if c, ok := r.be.(cacher); ok {
		sortCachedPacksFirst(c, blobs)
	}

	var lastErr error
	for _, pb := range blobs {
		plaintext, err := r.loadBlobFromPack(ctx, pb)
		if err != nil {
			lastErr = err
			debug.Log("error loading blob %v from pack %v: %v", id.Str(), pb.PackID.Str(), err)
			continue
		}
		return append(buf[:0], plaintext...), nil
	}

	if lastErr == nil {
		lastErr = errors.Errorf("loading blob %v failed", id)
	}
	return nil, lastErr
}

// loadBlobFromPack loads and decodes a single blob occurrence from its
// pack file.
func (r *Repository) loadBlobFromPack(ctx context.Context, pb objects.PackedBlob) ([]byte, error) {
	h := objects.Handle{Type: objects.PackFile, Name: pb.PackID.String()}

	buf := make([]byte, pb.Length)
	err := r.be.Load(ctx, h, int(pb.Length), int64(pb.Offset), func(rd io.Reader) error {
		_, rerr := io.ReadFull(rd, buf)
		return rerr
	})
	if err != nil {
		return nil, err
	}

	return decodeBlob(r.key, r.getZstdDecoder(), buf, pb.Blob)
}

// decodeBlob decrypts data (the raw on-disk bytes of a single blob entry)
// and, if b is compressed, decompresses it, verifying the result hashes
// to b.ID.
func decodeBlob(key *crypto.Key, dec *zstd.Decoder, data []byte, b objects.Blob) ([]byte, error) {
	if b.Length < uint(crypto.Extension) {
		return nil, errors.New("invalid blob length")
	}

	plaintext := make([]byte, 0, crypto.PlaintextLength(len(data)))
	n, err := key.Decrypt(plaintext[:cap(plaintext)], data)
	if err != nil {
		return nil, err
	}
	plaintext = plaintext[:n]

	if b.IsCompressed() {
		out, err := dec.DecodeAll(plaintext, make([]byte, 0, b.UncompressedLength))
		if err != nil {
			return nil, errors.Wrap(err, "DecodeAll")
		}
		plaintext = out
	}

	if id := objects.Hash(plaintext); !id.Equal(b.ID) {
		return nil, errors.Errorf("hash mismatch, want %v, got %v", b.ID, id)
	}

	return plaintext, nil
}

// backendLoadFn is the shape of objects.Backend.Load, narrowed to a
// function value so streamPack can be driven by a fake backend in tests.
type backendLoadFn func(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error

// loadBlobFn is the shape of objects.BlobLoader.LoadBlob, used by
// streamPack as a fallback when a blob cannot be read from the pack it is
// nominally stored in (the pack is damaged, or the caller only knows an
// approximate location for it).
type loadBlobFn func(ctx context.Context, t objects.BlobType, id objects.ID, buf []byte) ([]byte, error)

// maxUnusedRange is the largest gap, in bytes, between two requested blobs
// that streamPack will still read through in a single backend request
// rather than issuing a separate request for each side of the gap.
const maxUnusedRange = 4 * 1024 * 1024

// StreamPack reads and decodes blobs out of the pack file packID, calling
// handleBlob once for each entry in blobs (in the order given) with its
// decoded plaintext, or the error encountered loading/decoding it. load is
// used to fetch byte ranges of the pack file.
func StreamPack(ctx context.Context, load backendLoadFn, key *crypto.Key, packID objects.ID, blobs []objects.Blob, handleBlob func(objects.BlobHandle, []byte, error) error) error {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return errors.Wrap(err, "zstd.NewReader")
	}
	defer dec.Close()

	return streamPack(ctx, load, nil, dec, key, packID, blobs, handleBlob)
}

// streamPack is StreamPack's implementation. loadBlobFallback, if non-nil,
// is tried for a blob whose pack-local read or decode failed, allowing the
// caller to recover blobs that exist in more than one pack.
func streamPack(ctx context.Context, load backendLoadFn, loadBlobFallback loadBlobFn, dec *zstd.Decoder, key *crypto.Key, packID objects.ID, blobs []objects.Blob, handleBlob func(objects.BlobHandle, []byte, error) error) error {
	if len(blobs) == 0 {
		return nil
	}

	sorted := make([]objects.Blob, len(blobs))
	copy(sorted, blobs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	for i := 1; i < len(sorted); i++ {
		prev := sorted[i-1]
		if sorted[i].Offset < prev.Offset+prev.Length {
			return errors.New("overlapping blobs in pack")
		}
	}

	h := backend.Handle{Type: backend.PackFile, Name: packID.String()}

	flush := func(group []objects.Blob) error {
		if len(group) == 0 {
			return nil
		}

		start := group[0].Offset
		end := group[len(group)-1].Offset + group[len(group)-1].Length
		length := int(end - start)

		buf := make([]byte, length)
		loadErr := load(ctx, h, length, int64(start), func(rd io.Reader) error {
			_, err := io.ReadFull(rd, buf)
			return err
		})

		for _, b := range group {
			var plaintext []byte
			var err error
			if loadErr != nil {
				err = loadErr
			} else {
				data := buf[b.Offset-start : b.Offset-start+b.Length]
				plaintext, err = decodeBlob(key, dec, data, b)
			}

			if err != nil && loadBlobFallback != nil {
				if pt, ferr := loadBlobFallback(ctx, b.Type, b.ID, nil); ferr == nil {
					plaintext, err = pt, nil
				}
			}

			if cerr := handleBlob(b.BlobHandle, plaintext, err); cerr != nil {
				return cerr
			}
		}

		return nil
	}

	var group []objects.Blob
	for _, b := range sorted {
		if len(group) > 0 {
			last := group[len(group)-1]
			if b.Offset > last.Offset+last.Length+maxUnusedRange {
				if err := flush(group); err != nil {
					return err
				}
				group = group[:0]
			}
		}
		group = append(group, b)
	}

	return flush(group)
}
