package repository

import (
	"context"
	"sync"

	"github.com/sealvault/sealvault/internal/objects"
)

// MasterIndex aggregates multiple Index values built from the repository's
// index files (plus any in-progress one being written) and answers blob
// lookups against all of them. Periodically, finalized indexes are merged
// into a single combined index to bound the number of indexes searched.
type MasterIndex struct {
	m sync.Mutex

	idx      []*Index // raw, unmerged final indexes, oldest first
	combined *Index   // absorbs merged-away indexes; nil until the first merge
}

// NewMasterIndex returns a new, empty MasterIndex.
func NewMasterIndex() *MasterIndex {
	return &MasterIndex{}
}

// Insert adds idx to the master index, marking it final.
func (mi *MasterIndex) Insert(idx *Index) {
	idx.Finalize()

	mi.m.Lock()
	defer mi.m.Unlock()
	mi.idx = append(mi.idx, idx)
}

// all returns every sub-index currently held.
func (mi *MasterIndex) all() []*Index {
	all := make([]*Index, 0, len(mi.idx)+1)
	if mi.combined != nil {
		all = append(all, mi.combined)
	}
	all = append(all, mi.idx...)
	return all
}

// All returns every sub-index currently held (the combined accumulator, if
// any, followed by the raw unmerged ones).
func (mi *MasterIndex) All() []*Index {
	mi.m.Lock()
	defer mi.m.Unlock()
	return mi.all()
}

// Has returns whether any sub-index has an entry for bh.
func (mi *MasterIndex) Has(bh objects.BlobHandle) bool {
	mi.m.Lock()
	defer mi.m.Unlock()

	for _, idx := range mi.all() {
		if idx.Has(bh) {
			return true
		}
	}
	return false
}

// Lookup returns every location bh is stored at, across all sub-indexes, or
// nil if it is not found anywhere.
func (mi *MasterIndex) Lookup(bh objects.BlobHandle) []objects.PackedBlob {
	mi.m.Lock()
	defer mi.m.Unlock()

	var result []objects.PackedBlob
	for _, idx := range mi.all() {
		result = idx.Lookup(bh, result)
	}
	return result
}

// LookupSize returns the plaintext size of bh, taken from whichever
// sub-index contains it first.
func (mi *MasterIndex) LookupSize(bh objects.BlobHandle) (uint, bool) {
	mi.m.Lock()
	defer mi.m.Unlock()

	for _, idx := range mi.all() {
		if size, ok := idx.LookupSize(bh); ok {
			return size, true
		}
	}
	return 0, false
}

// Each streams every blob entry across every sub-index. The channel is
// closed once all sub-indexes have been drained or ctx is cancelled.
func (mi *MasterIndex) Each(ctx context.Context) <-chan objects.PackedBlob {
	mi.m.Lock()
	all := mi.all()
	mi.m.Unlock()

	out := make(chan objects.PackedBlob)
	go func() {
		defer close(out)
		for _, idx := range all {
			for pb := range idx.Each(ctx) {
				select {
				case out <- pb:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// IDs returns the index file IDs of every sub-index that has been assigned
// one (i.e. was loaded from, or has already been saved to, the backend).
func (mi *MasterIndex) IDs() objects.IDs {
	mi.m.Lock()
	defer mi.m.Unlock()

	var ids objects.IDs
	for _, idx := range mi.all() {
		if idxIDs, err := idx.IDs(); err == nil {
			ids = append(ids, idxIDs...)
		}
	}
	return ids
}

// Count returns the number of blob entries of type t across all sub-indexes.
func (mi *MasterIndex) Count(t objects.BlobType) uint {
	mi.m.Lock()
	all := mi.all()
	mi.m.Unlock()

	var n uint
	for _, idx := range all {
		for pb := range idx.Each(context.Background()) {
			if pb.Type == t {
				n++
			}
		}
	}
	return n
}

// ListPacks streams the blobs of every pack in packs, grouped by pack.
func (mi *MasterIndex) ListPacks(ctx context.Context, packs objects.IDSet) <-chan objects.PackBlobs {
	out := make(chan objects.PackBlobs)

	go func() {
		defer close(out)

		byPack := make(map[objects.ID][]objects.Blob, len(packs))
		order := make(objects.IDs, 0, len(packs))
		for pb := range mi.Each(ctx) {
			if !packs.Has(pb.PackID) {
				continue
			}
			if _, ok := byPack[pb.PackID]; !ok {
				order = append(order, pb.PackID)
			}
			byPack[pb.PackID] = append(byPack[pb.PackID], pb.Blob)
		}

		for _, id := range order {
			select {
			case <-ctx.Done():
				return
			case out <- objects.PackBlobs{PackID: id, Blobs: byPack[id]}:
			}
		}
	}()

	return out
}

// mergeFinalIndexes folds every currently raw, unmerged sub-index into the
// combined accumulator index, returning the sub-indexes that were merged
// away.
func (mi *MasterIndex) mergeFinalIndexes() []*Index {
	mi.m.Lock()
	defer mi.m.Unlock()

	if len(mi.idx) == 0 {
		return nil
	}

	if mi.combined == nil {
		mi.combined = NewIndex()
	}

	merged := mi.idx
	for _, idx := range merged {
		idx.copyBlobsTo(mi.combined)
	}
	mi.combined.Finalize()
	mi.idx = nil

	return merged
}

// FinalizeNotFinalIndexes finalizes and returns every sub-index that has not
// been merged into the combined accumulator yet, without merging them.
func (mi *MasterIndex) FinalizeNotFinalIndexes() []*Index {
	mi.m.Lock()
	defer mi.m.Unlock()

	for _, idx := range mi.idx {
		idx.Finalize()
	}
	return mi.idx
}

// MergeFinalIndexes folds all raw, unmerged final sub-indexes into the
// combined accumulator index. It never fails; the error return exists to
// match callers that treat index maintenance as fallible.
func (mi *MasterIndex) MergeFinalIndexes() error {
	mi.mergeFinalIndexes()
	return nil
}

// MasterIndexSaveOpts tunes MasterIndex.Save; the zero value (or a nil
// pointer) requests the default behavior.
type MasterIndexSaveOpts struct {
	SaveProgress   interface{ Add(int64) }
	DeleteProgress interface{ Add(int64) }
}

// Save writes every sub-index held by mi as a fresh set of index files via
// repo, merging the raw unmerged indexes into the combined one first.
// removePacks marks packs that should be omitted from the newly written
// indexes (as after a prune), and extraObsolete lists additional index file
// IDs to report as obsolete regardless of whether they were read by this
// MasterIndex. opts is accepted for interface compatibility with callers
// that pass progress counters and is currently unused.
//
// It returns the set of index file IDs that are now obsolete (superseded by
// the newly written ones) and should be removed from the backend.
func (mi *MasterIndex) Save(ctx context.Context, repo unpackedSaver, removePacks objects.IDSet, extraObsolete objects.IDs, opts *MasterIndexSaveOpts) (objects.IDSet, error) {
	mi.MergeFinalIndexes()

	mi.m.Lock()
	combined := mi.combined
	mi.m.Unlock()

	obsolete := objects.NewIDSet()
	for _, id := range extraObsolete {
		obsolete.Insert(id)
	}
	if combined != nil {
		if ids, err := combined.IDs(); err == nil {
			for _, id := range ids {
				obsolete.Insert(id)
			}
		}
	}

	if combined == nil || len(combined.packs) == 0 {
		return obsolete, nil
	}

	newIdx := NewIndex()
	for packIdx, packID := range combined.packs {
		if removePacks != nil && removePacks.Has(packID) {
			continue
		}
		for _, pb := range combined.ListPack(packID) {
			_ = packIdx
			newIdx.Store(pb)
		}
	}
	newIdx.Finalize()

	if len(newIdx.packs) > 0 {
		if _, err := SaveIndex(ctx, repo, newIdx); err != nil {
			return nil, err
		}
	}

	mi.m.Lock()
	mi.combined = newIdx
	mi.m.Unlock()

	return obsolete, nil
}
