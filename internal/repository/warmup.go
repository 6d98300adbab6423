package repository

import (
	"context"

	"github.com/sealvault/sealvault/internal/backend"
	"github.com/sealvault/sealvault/internal/objects"
)

// warmupJob tracks the pack files a StartWarmup call is still waiting to
// finish warming up on a tiered backend.
type warmupJob struct {
	be      objects.Backend
	handles []backend.Handle
}

// HandleCount returns the number of pack files that were still cold when
// StartWarmup returned this job.
func (j *warmupJob) HandleCount() int {
	return len(j.handles)
}

// Wait blocks until every handle in the job has finished warming up.
func (j *warmupJob) Wait(ctx context.Context) error {
	if len(j.handles) == 0 {
		return nil
	}
	return j.be.WarmupWait(ctx, j.handles)
}

// StartWarmup asks the backend to begin warming up the pack files
// containing ids, returning a job that can be waited on until they are all
// ready to be read from.
func (r *Repository) StartWarmup(ctx context.Context, ids objects.IDSet) (*warmupJob, error) {
	handles := make([]backend.Handle, 0, len(ids))
	for id := range ids {
		handles = append(handles, backend.Handle{Type: backend.PackFile, Name: id.String()})
	}

	cold, err := r.be.Warmup(ctx, handles)
	if err != nil {
		return nil, err
	}

	return &warmupJob{be: r.be, handles: cold}, nil
}
