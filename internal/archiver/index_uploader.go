package archiver

import (
	"context"
	"time"

	"github.com/sealvault/sealvault/internal/debug"
	"github.com/sealvault/sealvault/internal/repository"
	"github.com/sealvault/sealvault/internal/objects"
)

// IndexUploader polls the repo for full indexes and uploads them.
type IndexUploader struct {
	objects.Repository

	// Start is called when an index is to be uploaded.
	Start func()

	// Complete is called when uploading an index has finished.
	Complete func(id objects.ID)
}

// Upload periodically uploads full indexes to the repo. When shutdown is
// cancelled, the last index upload will finish and then Upload returns.
func (u IndexUploader) Upload(ctx, shutdown context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-shutdown.Done():
			return nil
		case <-ticker.C:
			full := u.Repository.Index().(*repository.MasterIndex).FullIndexes()
			for _, idx := range full {
				if u.Start != nil {
					u.Start()
				}

				id, err := repository.SaveIndex(ctx, u.Repository, idx)
				if err != nil {
					debug.Log("save indexes returned an error: %v", err)
					return err
				}
				if u.Complete != nil {
					u.Complete(id)
				}
			}
		}
	}
}
