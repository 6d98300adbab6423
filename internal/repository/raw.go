package repository

import (
	"context"

	"github.com/sealvault/sealvault/internal/backend"
	"github.com/sealvault/sealvault/internal/objects"
)

// LoadRaw reads the file t/id directly from the backend, without any
// decryption, returning objects.ErrInvalidData (alongside the data actually
// read) if it doesn't hash to id.
func (r *Repository) LoadRaw(ctx context.Context, t objects.FileType, id objects.ID) ([]byte, error) {
	h := objects.Handle{Type: t, Name: id.String()}

	buf, err := backend.LoadAll(ctx, nil, r.be, h)
	if err != nil {
		return nil, err
	}

	if !objects.Hash(buf).Equal(id) {
		return buf, objects.ErrInvalidData
	}

	return buf, nil
}
