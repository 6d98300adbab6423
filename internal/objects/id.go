package objects

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/sealvault/sealvault/internal/errors"
)

// IDSize is the size of an ID, in bytes: a SHA-256 digest.
const IDSize = sha256.Size

const idSize = IDSize

// ID references content within a repository. Content-addressed objects
// (blobs, trees) and repository files (snapshots, indexes, packs, keys) both
// use this type; the two purposes never mix within one value, they are only
// disambiguated by the FileType or BlobType the ID is paired with.
type ID [idSize]byte

// Null is the ID of the empty string.
var Null = Hash([]byte{})

// ParseID converts the given string to an ID.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, errors.Wrap(err, "DecodeString")
	}

	if len(b) != idSize {
		return ID{}, errors.New("invalid length for hash")
	}

	var id ID
	copy(id[:], b)
	return id, nil
}

// Hash returns the ID for data.
func Hash(data []byte) ID {
	return sha256.Sum256(data)
}

// HashReader hashes all data read from rd, without buffering it in memory,
// and returns the resulting ID.
func HashReader(rd io.Reader) (ID, error) {
	h := sha256.New()
	if _, err := io.Copy(h, rd); err != nil {
		return ID{}, errors.Wrap(err, "Copy")
	}

	var id ID
	copy(id[:], h.Sum(nil))
	return id, nil
}

// String returns the hexadecimal representation of id.
func (id ID) String() string {
	if id.IsNull() {
		return "[null]"
	}
	return hex.EncodeToString(id[:])
}

// Str returns the shortened string version of id, or a debug marker for a
// nil pointer.
func (id *ID) Str() string {
	if id == nil {
		return "[nil]"
	}
	if id.IsNull() {
		return "[null]"
	}
	return hex.EncodeToString(id[:4])
}

// Equal compares two IDs.
func (id ID) Equal(other ID) bool {
	return id == other
}

// IsNull returns true iff id equals the null (all-zero) ID.
func (id ID) IsNull() bool {
	return id == ID{}
}

// IDFromHash converts the given hash (as returned by a hash.Hash's Sum
// method) into an ID. It panics if hash does not have the right length.
func IDFromHash(hash []byte) (id ID) {
	if len(hash) != idSize {
		panic(errors.Errorf("invalid length of hash, expected %d, got %d", idSize, len(hash)))
	}
	copy(id[:], hash)
	return id
}

// NewRandomID returns a randomly generated ID. This is mostly useful for
// tests.
func NewRandomID() ID {
	var id ID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		panic(err)
	}
	return id
}

// MarshalJSON returns the JSON encoding of id.
func (id ID) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 2+hex.EncodedLen(idSize))
	buf[0] = '"'
	hex.Encode(buf[1:], id[:])
	buf[len(buf)-1] = '"'
	return buf, nil
}

// UnmarshalJSON parses the JSON-encoded data and stores the result in id.
func (id *ID) UnmarshalJSON(b []byte) error {
	if len(b) != 2+hex.EncodedLen(idSize) || b[0] != '"' || b[len(b)-1] != '"' {
		return errors.Errorf("invalid length %d for ID", len(b))
	}

	n, err := hex.Decode(id[:], b[1:len(b)-1])
	if err != nil {
		return errors.Wrap(err, "Decode")
	}
	if n != idSize {
		return errors.Errorf("invalid length for ID")
	}
	return nil
}

// Compare returns -1, 0 or 1.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

var _ json.Marshaler = ID{}
var _ json.Unmarshaler = &ID{}
