package objects

import "fmt"

// BlobType distinguishes the two kinds of content-addressed data a
// repository stores inside pack files.
type BlobType uint8

// These are the blob types that can be stored in a pack.
const (
	DataBlob BlobType = iota
	TreeBlob
)

func (t BlobType) String() string {
	switch t {
	case DataBlob:
		return "data"
	case TreeBlob:
		return "tree"
	default:
		return "invalid"
	}
}

// MarshalJSON encodes the BlobType into JSON.
func (t BlobType) MarshalJSON() ([]byte, error) {
	switch t {
	case DataBlob:
		return []byte(`"data"`), nil
	case TreeBlob:
		return []byte(`"tree"`), nil
	default:
		return nil, fmt.Errorf("unknown blob type %d", t)
	}
}

// UnmarshalJSON decodes the BlobType from JSON.
func (t *BlobType) UnmarshalJSON(buf []byte) error {
	switch string(buf) {
	case `"data"`:
		*t = DataBlob
	case `"tree"`:
		*t = TreeBlob
	default:
		return fmt.Errorf("unknown blob type %s", buf)
	}
	return nil
}

// BlobHandle identifies a blob by id and type.
type BlobHandle struct {
	ID   ID
	Type BlobType
}

func (h BlobHandle) String() string {
	return fmt.Sprintf("<%s/%s>", h.Type, h.ID.Str())
}

// Blob describes a blob, its encrypted size and its position in a pack.
type Blob struct {
	BlobHandle

	Length             uint
	Offset             uint
	UncompressedLength uint
}

// IsCompressed returns true if the blob is compressed.
func (b Blob) IsCompressed() bool {
	return b.UncompressedLength != 0
}

// DataLength returns the length of the plaintext data, whether or not the
// blob is compressed.
func (b Blob) DataLength() uint {
	if b.UncompressedLength != 0 {
		return b.UncompressedLength
	}
	return b.Length
}

// PackedBlob is a blob stored within a pack.
type PackedBlob struct {
	Blob
	PackID ID
}

// BlobHandles is an ordered list of BlobHandle.
type BlobHandles []BlobHandle

func (h BlobHandles) Len() int      { return len(h) }
func (h BlobHandles) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h BlobHandles) Less(i, j int) bool {
	if h[i].Type != h[j].Type {
		return h[i].Type < h[j].Type
	}
	return h[i].ID.Compare(h[j].ID) < 0
}
