package repository

import (
	"context"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/sealvault/sealvault/internal/backend"
	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/objects"
	"github.com/sealvault/sealvault/internal/repository/pack"
	"github.com/sealvault/sealvault/internal/ui/progress"
)

// RepairPacks salvages whatever blobs can still be decoded out of the pack
// files in toRepair, repacking them into fresh pack files, then removes the
// damaged originals and rebuilds the index from what remains on the
// backend. Blobs that fail to decode are silently dropped.
func RepairPacks(ctx context.Context, repo objects.Repository, toRepair objects.IDSet, printer progress.Printer) error {
	if len(toRepair) == 0 {
		return nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return errors.Wrap(err, "zstd.NewReader")
	}
	defer dec.Close()

	printer.P("reading %d damaged pack files", len(toRepair))

	err = repo.WithBlobUploader(ctx, func(ctx context.Context, uploader objects.BlobSaverWithAsync) error {
		for packID := range toRepair {
			h := backend.Handle{Type: backend.PackFile, Name: packID.String()}

			fi, err := repo.Backend().Stat(ctx, h)
			if err != nil {
				printer.E("pack %v could not be read: %v, skipping", packID, err)
				continue
			}

			blobs, _, err := pack.List(repo.Key(), backend.ReaderAt(ctx, repo.Backend(), h), fi.Size)
			if err != nil {
				printer.E("pack %v header could not be read: %v, skipping", packID, err)
				continue
			}

			for _, b := range blobs {
				buf := make([]byte, b.Length)
				loadErr := repo.Backend().Load(ctx, h, int(b.Length), int64(b.Offset), func(rd io.Reader) error {
					_, rerr := io.ReadFull(rd, buf)
					return rerr
				})
				if loadErr != nil {
					printer.E("blob %v in pack %v could not be read: %v, dropping", b.ID, packID, loadErr)
					continue
				}

				plaintext, err := decodeBlob(repo.Key(), dec, buf, b)
				if err != nil {
					printer.E("blob %v in pack %v is damaged: %v, dropping", b.ID, packID, err)
					continue
				}

				if _, _, _, err := uploader.SaveBlob(ctx, b.Type, plaintext, b.ID, true); err != nil {
					return errors.Wrap(err, "SaveBlob")
				}
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	printer.P("removing %d damaged pack files", len(toRepair))
	for packID := range toRepair {
		h := backend.Handle{Type: backend.PackFile, Name: packID.String()}
		if err := repo.Backend().Remove(ctx, h); err != nil {
			printer.E("unable to remove pack %v: %v", packID, err)
		}
	}

	concreteRepo, ok := repo.(*Repository)
	if !ok {
		return errors.New("RepairPacks: repo is not a *Repository")
	}

	printer.P("rebuilding index")
	return RepairIndex(ctx, concreteRepo, RepairIndexOptions{}, printer)
}
