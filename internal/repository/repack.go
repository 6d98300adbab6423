package repository

import (
	"context"

	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/objects"
	"github.com/sealvault/sealvault/internal/ui/progress"
)

// Repack reads all blobs in packs from repo and, for every blob still
// present in keepBlobs, saves it into dstRepo (src and dst may be the same
// repository). Each blob is saved at most once even if it occurs in
// several of the given packs: keepBlobs is drained as blobs are copied, so
// a non-empty keepBlobs after Repack returns indicates a blob that
// could not be found in any of packs. p, if non-nil, is advanced by one
// for every pack that has been fully processed.
func Repack(ctx context.Context, repo objects.Repository, dstRepo objects.Repository, packs objects.IDSet, keepBlobs objects.CountedBlobSet, p *progress.Counter) (obsoletePacks objects.IDSet, err error) {
	obsoletePacks = objects.NewIDSet()
	if len(packs) == 0 {
		return obsoletePacks, nil
	}

	err = dstRepo.WithBlobUploader(ctx, func(ctx context.Context, uploader objects.BlobSaverWithAsync) error {
		for pb := range repo.Index().ListPacks(ctx, packs) {
			for _, blob := range pb.Blobs {
				bh := blob.BlobHandle
				if keepBlobs != nil && !keepBlobs.Has(bh) {
					continue
				}

				buf, err := repo.LoadBlob(ctx, blob.Type, blob.ID, nil)
				if err != nil {
					return errors.Wrap(err, "LoadBlob")
				}

				if _, _, _, err := uploader.SaveBlob(ctx, blob.Type, buf, blob.ID, true); err != nil {
					return errors.Wrap(err, "SaveBlob")
				}

				// only keep the first copy of a blob encountered across
				// all repacked packs
				if keepBlobs != nil {
					keepBlobs.Delete(bh)
				}
			}

			obsoletePacks.Insert(pb.PackID)
			p.Add(1)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return obsoletePacks, nil
}
