// Package pack implements the repository's pack file format: a sequence of
// encrypted blobs followed by an encrypted header describing them.
package pack

import (
	"context"
	"encoding/binary"
	"io"
	"math/bits"
	"sync"

	"github.com/sealvault/sealvault/internal/crypto"
	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/objects"
)

// Size returns, for every pack known to mi, its total on-disk size: the sum
// of its blobs' encrypted lengths plus the header entries and trailing
// length field those blobs need. If onlyHdr is true, blob payloads are
// excluded and only the header overhead is counted.
func Size(ctx context.Context, mi objects.MasterIndex, onlyHdr bool) map[objects.ID]int64 {
	packSize := make(map[objects.ID]int64)

	for pb := range mi.Each(ctx) {
		size := packSize[pb.PackID]
		size += int64(headerEntrySize(pb.Blob))
		if !onlyHdr {
			size += int64(pb.Length)
		}
		packSize[pb.PackID] = size
	}

	for id, size := range packSize {
		packSize[id] = size + crypto.Extension + headerLengthSize
	}

	return packSize
}

// headerLengthSize is the size, in bytes, of the trailing field that gives
// the length of the encrypted header.
const headerLengthSize = 4

// plainEntrySize is the size of an uncompressed blob's plaintext header
// entry: type (1 byte) + id (32 bytes) + ciphertext length (4 bytes).
const plainEntrySize = 1 + objects.IDSize + 4

// entrySize is the size of a compressed blob's plaintext header entry: a
// plainEntrySize entry plus a trailing uncompressed length (4 bytes).
const entrySize = plainEntrySize + 4

// headerEntrySize returns the on-disk size of b's header entry.
func headerEntrySize(b objects.Blob) uint {
	if b.IsCompressed() {
		return entrySize
	}
	return plainEntrySize
}

// Packer writes a sequence of encrypted blobs to an underlying writer and
// remembers their positions so a header can be written once Finalize is
// called. A Packer is safe for concurrent use by multiple goroutines.
type Packer struct {
	k  *crypto.Key
	wr io.Writer

	m       sync.Mutex
	entries []objects.Blob
	size    uint
}

// NewPacker returns a Packer that writes encrypted blobs to wr, encrypting
// with k.
func NewPacker(k *crypto.Key, wr io.Writer) *Packer {
	return &Packer{k: k, wr: wr}
}

// Add appends data -- an already encrypted blob (nonce || ciphertext ||
// MAC, as produced by crypto.Key.Encrypt or Key.Seal) -- to the pack as a
// new blob of type t and id. uncompressedLength is the length of the
// plaintext before any outer compression was applied; pass 0 if the blob
// was never compressed. Add returns the number of bytes written, which
// equals len(data).
func (p *Packer) Add(t objects.BlobType, id objects.ID, data []byte, uncompressedLength int) (int, error) {
	p.m.Lock()
	defer p.m.Unlock()

	n, err := p.wr.Write(data)
	if err != nil {
		return 0, errors.Wrap(err, "Write")
	}

	p.entries = append(p.entries, objects.Blob{
		BlobHandle:         objects.BlobHandle{ID: id, Type: t},
		Length:             uint(n),
		Offset:             p.size,
		UncompressedLength: uint(uncompressedLength),
	})
	p.size += uint(n)

	return n, nil
}

// Finalize writes the encrypted header and the trailing header length
// field, and returns the total number of header bytes written (including
// the trailing length field).
func (p *Packer) Finalize() error {
	p.m.Lock()
	defer p.m.Unlock()

	header := make([]byte, 0, len(p.entries)*entrySize)
	for _, e := range p.entries {
		var typeByte byte
		if e.Type == objects.TreeBlob {
			typeByte = typeTree
		}

		if e.IsCompressed() {
			typeByte |= typeCompressed
			header = append(header, typeByte)
			header = append(header, e.ID[:]...)
			header = binary.LittleEndian.AppendUint32(header, uint32(e.Length))
			header = binary.LittleEndian.AppendUint32(header, uint32(e.UncompressedLength))
			continue
		}

		header = append(header, typeByte)
		header = append(header, e.ID[:]...)
		header = binary.LittleEndian.AppendUint32(header, uint32(e.Length))
	}

	encryptedHeader := crypto.NewBlobBuffer(len(header))
	encryptedHeader, err := p.k.Encrypt(encryptedHeader[:0], header)
	if err != nil {
		return errors.Wrap(err, "Encrypt")
	}

	if _, err := p.wr.Write(encryptedHeader); err != nil {
		return errors.Wrap(err, "Write")
	}
	p.size += uint(len(encryptedHeader))

	var lengthField [headerLengthSize]byte
	binary.LittleEndian.PutUint32(lengthField[:], uint32(len(encryptedHeader)))
	if _, err := p.wr.Write(lengthField[:]); err != nil {
		return errors.Wrap(err, "Write")
	}
	p.size += headerLengthSize

	return nil
}

// Size returns the total number of bytes written to the pack so far,
// including the header once Finalize has been called.
func (p *Packer) Size() uint {
	p.m.Lock()
	defer p.m.Unlock()
	return p.size
}

// Blobs returns the blobs written to the pack so far, in the order they
// were added.
func (p *Packer) Blobs() []objects.Blob {
	p.m.Lock()
	defer p.m.Unlock()
	blobs := make([]objects.Blob, len(p.entries))
	copy(blobs, p.entries)
	return blobs
}

// CalculateHeaderSize returns the number of bytes the encrypted header for
// entries will occupy in the pack file, including the trailing length
// field.
func CalculateHeaderSize(entries []objects.Blob) int {
	size := crypto.Extension + headerLengthSize
	for _, e := range entries {
		size += int(headerEntrySize(e))
	}
	return size
}

// List reads the header of the pack file of size packSize accessible
// through rd, decrypts it with k and returns the blobs it describes along
// with the total size occupied by the header (including the trailing
// length field).
func List(k *crypto.Key, rd io.ReaderAt, packSize int64) ([]objects.Blob, uint32, error) {
	if packSize < headerLengthSize {
		return nil, 0, errors.New("pack file too small")
	}

	var lengthField [headerLengthSize]byte
	if _, err := rd.ReadAt(lengthField[:], packSize-headerLengthSize); err != nil {
		return nil, 0, errors.Wrap(err, "ReadAt")
	}
	headerLength := binary.LittleEndian.Uint32(lengthField[:])

	totalHeaderSize := int64(headerLength) + headerLengthSize
	if totalHeaderSize > packSize {
		return nil, 0, errors.New("header length exceeds pack size")
	}

	buf := make([]byte, headerLength)
	if _, err := rd.ReadAt(buf, packSize-totalHeaderSize); err != nil {
		return nil, 0, errors.Wrap(err, "ReadAt")
	}

	plaintext := make([]byte, 0, crypto.PlaintextLength(len(buf)))
	n, err := k.Decrypt(plaintext[:cap(plaintext)], buf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "Decrypt")
	}
	plaintext = plaintext[:n]

	entries := make([]objects.Blob, 0, len(plaintext)/plainEntrySize)
	var offset uint
	for pos := 0; pos < len(plaintext); {
		b, used, err := parseHeaderEntry(plaintext[pos:])
		if err != nil {
			return nil, 0, err
		}

		b.Offset = offset
		entries = append(entries, b)
		offset += b.Length
		pos += int(used)
	}

	return entries, uint32(totalHeaderSize), nil
}

// parseHeaderEntry decodes the single header entry at the start of p,
// returning the blob it describes (offset unset) and the number of bytes it
// occupied.
func parseHeaderEntry(p []byte) (b objects.Blob, size uint, err error) {
	if len(p) < plainEntrySize {
		return b, 0, errors.New("header entry too short")
	}

	typ := p[0]
	compressed := typ&typeCompressed != 0
	switch typ &^ typeCompressed {
	case typeData:
		b.Type = objects.DataBlob
	case typeTree:
		b.Type = objects.TreeBlob
	default:
		return b, 0, errors.Errorf("invalid blob type %d in header entry", typ)
	}

	copy(b.ID[:], p[1:1+objects.IDSize])
	b.Length = uint(binary.LittleEndian.Uint32(p[1+objects.IDSize : plainEntrySize]))

	if !compressed {
		return b, plainEntrySize, nil
	}

	if len(p) < entrySize {
		return b, 0, errors.New("header entry too short")
	}
	b.UncompressedLength = uint(binary.LittleEndian.Uint32(p[plainEntrySize:entrySize]))
	return b, entrySize, nil
}

const (
	typeData       = 0
	typeTree       = 1
	typeCompressed = 2
)

// padmé returns the number of padding bytes that should be appended to a
// blob of size size so that its padded size only reveals O(log log size)
// bits about size, per the PADMÉ scheme.
func padmé(size uint) uint {
	if size < 2 {
		return 0
	}

	e := bits.Len(size) - 1
	s := bits.Len(uint(e))
	lastBits := e - s
	bitMask := uint(1<<lastBits) - 1

	padded := (size + bitMask) &^ bitMask
	return padded - size
}

const zstdSkippableFrameMagic = 0x184D2A50

// skippableFrame returns a zstd skippable frame of size+8 bytes that any
// zstd decoder will skip over without interpreting its content, used to pad
// pack files without disturbing the data streams they contain.
func skippableFrame(size uint32) []byte {
	buf := make([]byte, 8+size)
	binary.LittleEndian.PutUint32(buf[0:4], zstdSkippableFrameMagic)
	binary.LittleEndian.PutUint32(buf[4:8], size)
	return buf
}
