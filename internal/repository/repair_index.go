package repository

import (
	"context"
	"io"

	"github.com/sealvault/sealvault/internal/backend"
	"github.com/sealvault/sealvault/internal/objects"
	"github.com/sealvault/sealvault/internal/repository/pack"
	"github.com/sealvault/sealvault/internal/ui/progress"
)

// RepairIndexOptions configures RepairIndex.
type RepairIndexOptions struct {
	// ReadAllPacks forces every pack's blobs to be downloaded and verified,
	// not just read from their headers. It catches data corruption that
	// leaves a pack's header intact but its blob ciphertexts damaged, at
	// the cost of reading every pack in full.
	ReadAllPacks bool
}

// RepairIndex rebuilds repo's index from scratch by reading every pack file
// present in the backend, replacing all existing index files. Packs that
// cannot be listed (and, if opts.ReadAllPacks, blobs that fail to decode)
// are dropped from the rebuilt index.
func RepairIndex(ctx context.Context, repo *Repository, opts RepairIndexOptions, printer progress.Printer) error {
	printer.P("listing pack files")

	packSizes := make(map[objects.ID]int64)
	if err := repo.List(ctx, objects.PackFile, func(id objects.ID, size int64) error {
		packSizes[id] = size
		return nil
	}); err != nil {
		return err
	}

	oldIndexes := objects.NewIDSet()
	if err := repo.List(ctx, objects.IndexFile, func(id objects.ID, size int64) error {
		oldIndexes.Insert(id)
		return nil
	}); err != nil {
		return err
	}

	printer.P("rebuilding index from %d pack files", len(packSizes))

	newIndex := NewIndex()
	for packID, size := range packSizes {
		blobs, err := repo.listPackBlobs(ctx, packID, size, opts.ReadAllPacks)
		if err != nil {
			printer.E("error for pack %v: %v, excluding from new index", packID, err)
			continue
		}
		if len(blobs) == 0 {
			continue
		}

		newIndex.StorePack(packID, blobs)
		if newIndex.IsFull() {
			if _, err := SaveIndex(ctx, repo, newIndex); err != nil {
				return err
			}
			newIndex = NewIndex()
		}
	}

	if len(newIndex.packs) > 0 {
		if _, err := SaveIndex(ctx, repo, newIndex); err != nil {
			return err
		}
	}

	printer.P("removing %d old index files", len(oldIndexes))
	if err := objects.ParallelRemove(ctx, repo, oldIndexes, objects.IndexFile, func(objects.ID, error) error { return nil }, nil); err != nil {
		return err
	}

	return repo.LoadIndex(ctx)
}

// listPackBlobs reads the header of the pack file id (of the given on-disk
// size) and returns the blobs it describes. If readAll is set, every
// blob's ciphertext is additionally downloaded and verified, dropping
// any that fail to decode.
func (r *Repository) listPackBlobs(ctx context.Context, id objects.ID, size int64, readAll bool) ([]objects.Blob, error) {
	h := objects.Handle{Type: objects.PackFile, Name: id.String()}

	rd := backend.ReaderAt(ctx, r.be, h)
	blobs, _, err := pack.List(r.key, rd, size)
	if err != nil {
		return nil, err
	}

	if !readAll {
		return blobs, nil
	}

	dec := r.getZstdDecoder()
	valid := make([]objects.Blob, 0, len(blobs))
	for _, b := range blobs {
		buf := make([]byte, b.Length)
		loadErr := r.be.Load(ctx, h, int(b.Length), int64(b.Offset), func(rd io.Reader) error {
			_, rerr := io.ReadFull(rd, buf)
			return rerr
		})
		if loadErr != nil {
			continue
		}
		if _, err := decodeBlob(r.key, dec, buf, b); err != nil {
			continue
		}
		valid = append(valid, b)
	}

	return valid, nil
}
