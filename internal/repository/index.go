package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/sealvault/sealvault/internal/crypto"
	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/objects"
)

// Index holds the locations of blobs stored across a set of packs. It
// corresponds to a single index file once finalized. The zero value is not
// usable; use NewIndex.
type Index struct {
	byType [2]indexMap

	packs     objects.IDs
	packIndex map[objects.ID]int

	supersedes objects.IDs
	final      bool
	id         *objects.ID
	created    time.Time
}

// NewIndex returns a new, empty, writable Index.
func NewIndex() *Index {
	return &Index{
		packIndex: make(map[objects.ID]int),
		created:   time.Now(),
	}
}

// Store adds a single packed blob to the index. It panics if called on a
// finalized index.
func (idx *Index) Store(pb objects.PackedBlob) {
	idx.StorePack(pb.PackID, []objects.Blob{pb.Blob})
}

// StorePack adds all blobs belonging to the pack id to the index. It
// panics if called on a finalized index.
func (idx *Index) StorePack(id objects.ID, blobs []objects.Blob) {
	if idx.final {
		panic("StorePack called on a finalized index")
	}

	for _, blob := range blobs {
		idx.storeEntry(blob.Type, blob.ID, id, uint32(blob.Offset), uint32(blob.Length), uint32(blob.UncompressedLength))
	}
}

func (idx *Index) storeEntry(t objects.BlobType, id, packID objects.ID, offset, length, uncompressedLength uint32) {
	packIdx, ok := idx.packIndex[packID]
	if !ok {
		packIdx = len(idx.packs)
		idx.packs = append(idx.packs, packID)
		idx.packIndex[packID] = packIdx
	}

	idx.byType[t].add(id, packIdx, offset, length, uncompressedLength)
}

// hasExactEntry returns true if idx already has a blob entry identical to
// the one described, used to deduplicate overlapping indexes when merging.
func (idx *Index) hasExactEntry(t objects.BlobType, id, packID objects.ID, offset, length uint32) bool {
	found := false
	idx.byType[t].foreachWithID(id, func(e *indexEntry) {
		if found {
			return
		}
		if idx.packs[e.packIndex] == packID && e.offset == offset && e.length == length {
			found = true
		}
	})
	return found
}

// copyBlobsTo copies every blob entry in idx into dst, skipping entries
// already present in dst with identical location (same pack, offset and
// length).
func (idx *Index) copyBlobsTo(dst *Index) {
	for i, t := range [...]objects.BlobType{objects.DataBlob, objects.TreeBlob} {
		idx.byType[i].foreach(func(e *indexEntry) bool {
			packID := idx.packs[e.packIndex]
			if !dst.hasExactEntry(t, e.id, packID, e.offset, e.length) {
				dst.storeEntry(t, e.id, packID, e.offset, e.length, e.uncompressedLength)
			}
			return true
		})
	}
}

// Finalize marks idx as read-only.
func (idx *Index) Finalize() {
	idx.final = true
}

// Final returns whether the index has been finalized.
func (idx *Index) Final() bool {
	return idx.final
}

// IsFull returns whether no more entries should be added to this index.
// The default policy, overridable via the IndexFull package variable for
// tests, finalizes an index once it holds a substantial number of packs.
func (idx *Index) IsFull() bool {
	return IndexFull(idx, idx.final)
}

// IndexFull decides whether idx should be finalized and flushed to the
// backend. Tests may override this to force more aggressive flushing.
var IndexFull = func(idx *Index, hardLimit bool) bool {
	if hardLimit {
		return true
	}
	const maxPacks = 2500
	return len(idx.packs) > maxPacks
}

// SetID records the backend ID idx was (or will be) saved under. It returns
// an error if an ID was already set.
func (idx *Index) SetID(id objects.ID) error {
	if idx.id != nil {
		return errors.New("id already set")
	}
	idx.id = &id
	return nil
}

// IDs returns the backend ID(s) this index is known under.
func (idx *Index) IDs() (objects.IDs, error) {
	if idx.id == nil {
		return nil, errors.New("no id set")
	}
	return objects.IDs{*idx.id}, nil
}

// Supersedes returns the index file IDs this index file replaces.
func (idx *Index) Supersedes() objects.IDs {
	return idx.supersedes
}

// Packs returns the set of pack IDs referenced by this index.
func (idx *Index) Packs() objects.IDSet {
	s := objects.NewIDSet()
	for _, id := range idx.packs {
		s.Insert(id)
	}
	return s
}

func (idx *Index) toPackedBlob(e *indexEntry, t objects.BlobType) objects.PackedBlob {
	return objects.PackedBlob{
		PackID: idx.packs[e.packIndex],
		Blob: objects.Blob{
			BlobHandle:         objects.BlobHandle{ID: e.id, Type: t},
			Length:             uint(e.length),
			Offset:             uint(e.offset),
			UncompressedLength: uint(e.uncompressedLength),
		},
	}
}

// Has returns whether the index has an entry for bh.
func (idx *Index) Has(bh objects.BlobHandle) bool {
	return idx.byType[bh.Type].get(bh.ID) != nil
}

// Lookup appends all the locations blob bh is stored at to pbs, returning
// the extended slice.
func (idx *Index) Lookup(bh objects.BlobHandle, pbs []objects.PackedBlob) []objects.PackedBlob {
	idx.byType[bh.Type].foreachWithID(bh.ID, func(e *indexEntry) {
		pbs = append(pbs, idx.toPackedBlob(e, bh.Type))
	})
	return pbs
}

// ListPack returns every blob entry stored in pack packID.
func (idx *Index) ListPack(packID objects.ID) (blobs []objects.PackedBlob) {
	packIdx, ok := idx.packIndex[packID]
	if !ok {
		return nil
	}
	for i, t := range [...]objects.BlobType{objects.DataBlob, objects.TreeBlob} {
		idx.byType[i].foreach(func(e *indexEntry) bool {
			if e.packIndex == packIdx {
				blobs = append(blobs, idx.toPackedBlob(e, t))
			}
			return true
		})
	}
	return blobs
}

// LookupSize returns the plaintext size of blob bh.
func (idx *Index) LookupSize(bh objects.BlobHandle) (uint, bool) {
	e := idx.byType[bh.Type].get(bh.ID)
	if e == nil {
		return 0, false
	}
	if e.uncompressedLength != 0 {
		return uint(e.uncompressedLength), true
	}
	return uint(crypto.PlaintextLength(int(e.length))), true
}

// Each returns a channel that yields every blob entry the index holds. The
// channel is closed once all entries have been sent or ctx is done.
func (idx *Index) Each(ctx context.Context) <-chan objects.PackedBlob {
	out := make(chan objects.PackedBlob)

	go func() {
		defer close(out)
		for i, t := range [...]objects.BlobType{objects.DataBlob, objects.TreeBlob} {
			idx.byType[i].foreach(func(e *indexEntry) bool {
				select {
				case out <- idx.toPackedBlob(e, t):
					return true
				case <-ctx.Done():
					return false
				}
			})
		}
	}()

	return out
}

// on-disk JSON encoding, matching restic's documented index file format.

type indexJSON struct {
	Supersedes objects.IDs `json:"supersedes,omitempty"`
	Packs      []packJSON  `json:"packs"`
}

type packJSON struct {
	ID    objects.ID `json:"id"`
	Blobs []blobJSON `json:"blobs"`
}

type blobJSON struct {
	ID                 objects.ID       `json:"id"`
	Type               objects.BlobType `json:"type"`
	Offset             uint             `json:"offset"`
	Length             uint             `json:"length"`
	UncompressedLength uint             `json:"uncompressed_length,omitempty"`
}

// Encode writes idx's JSON representation to w.
func (idx *Index) Encode(w io.Writer) error {
	doc := indexJSON{Supersedes: idx.supersedes}

	for packIdx, packID := range idx.packs {
		pj := packJSON{ID: packID}
		for i, t := range [...]objects.BlobType{objects.DataBlob, objects.TreeBlob} {
			idx.byType[i].foreach(func(e *indexEntry) bool {
				if e.packIndex != packIdx {
					return true
				}
				pj.Blobs = append(pj.Blobs, blobJSON{
					ID:                 e.id,
					Type:               t,
					Offset:             uint(e.offset),
					Length:             uint(e.length),
					UncompressedLength: uint(e.uncompressedLength),
				})
				return true
			})
		}
		doc.Packs = append(doc.Packs, pj)
	}

	return json.NewEncoder(w).Encode(doc)
}

// EncodeToBytes is a convenience wrapper around Encode.
func (idx *Index) EncodeToBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := idx.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeIndex parses an index file's JSON representation, which id names.
// It understands both the current object ("supersedes"/"packs") format and
// the legacy bare-array format, reporting the latter via oldFormat.
func DecodeIndex(buf []byte, id objects.ID) (idx *Index, oldFormat bool, err error) {
	buf = bytes.TrimSpace(buf)
	if len(buf) > 0 && buf[0] == '[' {
		return decodeOldIndex(buf, id)
	}

	var doc indexJSON
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, false, errors.Wrap(err, "Unmarshal")
	}

	idx = NewIndex()
	idx.supersedes = doc.Supersedes

	for _, pack := range doc.Packs {
		blobs := make([]objects.Blob, 0, len(pack.Blobs))
		for _, b := range pack.Blobs {
			blobs = append(blobs, objects.Blob{
				BlobHandle:         objects.BlobHandle{ID: b.ID, Type: b.Type},
				Offset:             b.Offset,
				Length:             b.Length,
				UncompressedLength: b.UncompressedLength,
			})
		}
		idx.StorePack(pack.ID, blobs)
	}

	idx.Finalize()
	if err := idx.SetID(id); err != nil {
		return nil, false, err
	}
	return idx, false, nil
}

// decodeOldIndex parses the pre-0.3 index format: a bare JSON array of
// packJSON, with no supersedes list.
func decodeOldIndex(buf []byte, id objects.ID) (*Index, bool, error) {
	var packs []packJSON
	if err := json.Unmarshal(buf, &packs); err != nil {
		return nil, true, errors.Wrap(err, "Unmarshal")
	}

	idx := NewIndex()
	for _, pack := range packs {
		blobs := make([]objects.Blob, 0, len(pack.Blobs))
		for _, b := range pack.Blobs {
			blobs = append(blobs, objects.Blob{
				BlobHandle:         objects.BlobHandle{ID: b.ID, Type: b.Type},
				Offset:             b.Offset,
				Length:             b.Length,
				UncompressedLength: b.UncompressedLength,
			})
		}
		idx.StorePack(pack.ID, blobs)
	}

	idx.Finalize()
	if err := idx.SetID(id); err != nil {
		return nil, true, err
	}
	return idx, true, nil
}

// unpackedSaver is the subset of a repository's API needed to write a new
// unpacked file.
type unpackedSaver interface {
	SaveUnpacked(ctx context.Context, t objects.FileType, buf []byte) (objects.ID, error)
}

// SaveIndex encodes idx and stores it as a new index file in repo.
func SaveIndex(ctx context.Context, repo unpackedSaver, idx *Index) (objects.ID, error) {
	buf, err := idx.EncodeToBytes()
	if err != nil {
		return objects.ID{}, err
	}

	id, err := repo.SaveUnpacked(ctx, objects.IndexFile, buf)
	if err != nil {
		return objects.ID{}, err
	}

	idx.Finalize()
	return id, nil
}

// listLoader is the subset of a repository's API ForAllIndexes needs: list
// index files and load their raw content.
type listLoader interface {
	objects.Lister
	LoadUnpacked(ctx context.Context, t objects.FileType, id objects.ID, buf []byte) ([]byte, error)
}

// ForAllIndexes loads every index file from repo, calling fn once per index
// with its ID, the decoded Index, whether it used the legacy format, and
// any error encountered loading or decoding it. If fn returns an error,
// iteration stops and that error is returned.
func ForAllIndexes(ctx context.Context, repo listLoader, fn func(id objects.ID, index *Index, oldFormat bool, err error) error) error {
	return repo.List(ctx, objects.IndexFile, func(id objects.ID, size int64) error {
		buf, err := repo.LoadUnpacked(ctx, objects.IndexFile, id, nil)
		if err != nil {
			return fn(id, nil, false, err)
		}

		idx, oldFormat, err := DecodeIndex(buf, id)
		return fn(id, idx, oldFormat, err)
	})
}
