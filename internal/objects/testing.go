package objects

import (
	"io"
	"math/rand"
)

// NewRandReader returns an io.Reader producing the pseudo-random byte
// stream of rng, for building deterministic test fixtures.
func NewRandReader(rng *rand.Rand) io.Reader {
	return rng
}

// TestParseID parses s as a hex-encoded ID and panics if s is malformed.
// It exists to make test tables that build IDs from literals readable,
// without every entry having to handle a parse error.
func TestParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// NewRandomBlobHandle returns a BlobHandle with a random ID and a
// DataBlob type, for use in tests.
func NewRandomBlobHandle() BlobHandle {
	return BlobHandle{ID: NewRandomID(), Type: DataBlob}
}
