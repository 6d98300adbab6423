package objects

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/sealvault/sealvault/internal/ui/progress"
)

// removerUnpacked is the minimal capability ParallelRemove needs.
type removerUnpacked interface {
	Connections() uint
	RemoveUnpacked(ctx context.Context, t FileType, id ID) error
}

// ParallelRemove removes the files in fileList from repo, using as many
// concurrent workers as repo allows connections. report is called once per
// file, successful or not; its own error (if any) is ignored. bar is
// advanced once per successfully removed file and may be nil.
func ParallelRemove(ctx context.Context, repo removerUnpacked, fileList IDSet, fileType FileType, report func(ID, error) error, bar *progress.Counter) error {
	ids := fileList.List()

	workers := int(repo.Connections())
	if workers < 1 {
		workers = 1
	}
	if workers > len(ids) {
		workers = len(ids)
	}
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	ch := make(chan ID)

	g.Go(func() error {
		defer close(ch)
		for _, id := range ids {
			select {
			case ch <- id:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for id := range ch {
				err := repo.RemoveUnpacked(ctx, fileType, id)
				if reportErr := report(id, err); reportErr != nil {
					return reportErr
				}
				if err == nil {
					bar.Add(1)
				}
			}
			return nil
		})
	}

	return g.Wait()
}
