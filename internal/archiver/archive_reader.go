package archiver

import (
	"context"
	"io"
	"time"

	"github.com/sealvault/sealvault/internal/debug"
	"github.com/sealvault/sealvault/internal/objects"

	"github.com/sealvault/sealvault/internal/errors"

	"github.com/restic/chunker"
)

// Reader allows saving a stream of data to the repository.
type Reader struct {
	objects.Repository

	Tags     []string
	Hostname string
}

// Archive reads data from the reader and saves it to the repo.
func (r *Reader) Archive(ctx context.Context, name string, rd io.Reader, p *objects.Progress) (*objects.Snapshot, objects.ID, error) {
	if name == "" {
		return nil, objects.ID{}, errors.New("no filename given")
	}

	debug.Log("start archiving %s", name)
	sn, err := objects.NewSnapshot([]string{name}, r.Tags, r.Hostname, time.Now())
	if err != nil {
		return nil, objects.ID{}, err
	}

	p.Start()
	defer p.Done()

	repo := r.Repository
	chnker := chunker.New(rd, repo.Config().ChunkerPolynomial)

	ids := objects.IDs{}
	var fileSize uint64

	for {
		chunk, err := chnker.Next(getBuf())
		if errors.Cause(err) == io.EOF {
			break
		}

		if err != nil {
			return nil, objects.ID{}, errors.Wrap(err, "chunker.Next()")
		}

		id := objects.Hash(chunk.Data)

		if !repo.Index().Has(id, objects.DataBlob) {
			_, _, err := repo.SaveBlob(ctx, objects.DataBlob, chunk.Data, id)
			if err != nil {
				return nil, objects.ID{}, err
			}
			debug.Log("saved blob %v (%d bytes)\n", id.Str(), chunk.Length)
		} else {
			debug.Log("blob %v already saved in the repo\n", id.Str())
		}

		freeBuf(chunk.Data)

		ids = append(ids, id)

		p.Report(objects.Stat{Bytes: uint64(chunk.Length)})
		fileSize += uint64(chunk.Length)
	}

	tree := &objects.Tree{
		Nodes: []*objects.Node{
			{
				Name:       name,
				AccessTime: time.Now(),
				ModTime:    time.Now(),
				Type:       "file",
				Mode:       0644,
				Size:       fileSize,
				UID:        sn.UID,
				GID:        sn.GID,
				User:       sn.Username,
				Content:    ids,
			},
		},
	}

	treeID, _, err := repo.SaveTree(ctx, tree)
	if err != nil {
		return nil, objects.ID{}, err
	}
	sn.Tree = &treeID
	debug.Log("tree saved as %v", treeID.Str())

	id, _, err := repo.SaveJSONUnpacked(ctx, objects.SnapshotFile, sn)
	if err != nil {
		return nil, objects.ID{}, err
	}

	debug.Log("snapshot saved as %v", id.Str())

	_, err = repo.Flush()
	if err != nil {
		return nil, objects.ID{}, err
	}

	_, err = repo.SaveIndex(ctx)
	if err != nil {
		return nil, objects.ID{}, err
	}

	return sn, id, nil
}
