// Package pack implements low-level, allocation-conscious decoding of a
// pack file's header: the on-disk encoding of the header entries, and an
// eager-read strategy that avoids a second round trip to the backend for
// the common case of a pack with few blobs.
package pack

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/sealvault/sealvault/internal/crypto"
	"github.com/sealvault/sealvault/internal/errors"
	"github.com/sealvault/sealvault/internal/objects"
)

// MaxHeaderSize bounds how many bytes of a pack file's tail List will read
// in its first, optimistic pass before falling back to a second read sized
// by the header's real, encoded length.
const MaxHeaderSize = 16*1024*1024 + crypto.Extension + headerLengthSize

// headerEntrySize returns the on-disk size of b's header entry.
func headerEntrySize(b objects.Blob) uint {
	if b.IsCompressed() {
		return entrySize
	}
	return plainEntrySize
}

// CalculateHeaderSize returns the encrypted size of the header describing
// blobs.
func CalculateHeaderSize(blobs []objects.Blob) int {
	size := crypto.Extension + headerLengthSize
	for _, b := range blobs {
		size += int(headerEntrySize(b))
	}
	return size
}

// List decrypts and parses the header of the pack file accessible through
// rd (of the given size), returning the blobs it describes and the size of
// the encrypted header (including its trailing length field).
func List(k *crypto.Key, rd io.ReaderAt, size int64) (blobs []objects.Blob, hdrSize uint32, err error) {
	encryptedHeader, err := readHeader(rd, size)
	if err != nil {
		return nil, 0, err
	}
	if len(encryptedHeader) < headerLengthSize {
		return nil, 0, errors.New("header too small")
	}
	ciphertext := encryptedHeader[:len(encryptedHeader)-headerLengthSize]

	plaintext := make([]byte, 0, crypto.PlaintextLength(len(ciphertext)))
	n, err := k.Decrypt(plaintext[:cap(plaintext)], ciphertext)
	if err != nil {
		return nil, 0, errors.Wrap(err, "ciphertext verification failed")
	}
	plaintext = plaintext[:n]

	for len(plaintext) > 0 {
		b, used, err := parseHeaderEntry(plaintext)
		if err != nil {
			return nil, 0, err
		}
		blobs = append(blobs, b)
		plaintext = plaintext[used:]
	}

	return blobs, uint32(len(encryptedHeader)), nil
}

// Size returns, for every pack known to mi, its total file size: the
// header's encrypted size plus, unless onlyHdr is set, the sum of its
// blobs' ciphertext lengths.
func Size(ctx context.Context, mi objects.MasterIndex, onlyHdr bool) map[objects.ID]int64 {
	packSize := make(map[objects.ID]int64)
	blobs := make(map[objects.ID][]objects.Blob)

	for pb := range mi.Each(ctx) {
		blobs[pb.PackID] = append(blobs[pb.PackID], pb.Blob)
		if !onlyHdr {
			packSize[pb.PackID] += int64(pb.Length)
		}
	}

	for id, bs := range blobs {
		packSize[id] += int64(CalculateHeaderSize(bs))
	}

	return packSize
}

const headerLengthSize = 4

// header entry type tags. The compressed flag is ORed onto the base type.
const (
	typeData       = 0
	typeTree       = 1
	typeCompressed = 2
)

// headerEntry is the on-disk encoding of an uncompressed blob's header
// entry: type, id, ciphertext length.
type headerEntry struct {
	Type   uint8
	ID     objects.ID
	Length uint32
}

// compressedHeaderEntry additionally carries the blob's uncompressed
// length.
type compressedHeaderEntry struct {
	Type               uint8
	ID                 objects.ID
	Length             uint32
	UncompressedLength uint32
}

const (
	plainEntrySize = 1 + objects.IDSize + 4
	entrySize      = plainEntrySize + 4
)

// eagerEntries is the number of header entries readHeader optimistically
// assumes a pack has, so that most packs can have their header read in a
// single request.
const eagerEntries = 15

// parseHeaderEntry decodes the single header entry at the start of p,
// returning the blob it describes and the number of bytes it occupied.
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

// readRecords reads up to bufSize bytes from the end of a file of size
// size, treating the last four bytes of that window as the true length of
// the header (plus the trailing length field itself). It returns as much
// of the header as the window covers, and the true total size the header
// occupies (header plus trailing length field) so the caller can tell
// whether a second, larger read is needed.
func readRecords(rd io.ReaderAt, size int64, bufSize int) (header []byte, total int, err error) {
	if bufSize > int(size) {
		bufSize = int(size)
	}
	if bufSize < headerLengthSize {
		return nil, 0, errors.New("pack file too small")
	}

	buf := make([]byte, bufSize)
	if _, err := rd.ReadAt(buf, size-int64(bufSize)); err != nil {
		return nil, 0, errors.Wrap(err, "ReadAt")
	}

	hlen := binary.LittleEndian.Uint32(buf[len(buf)-headerLengthSize:])
	total = int(hlen) + headerLengthSize

	region := buf[:len(buf)-headerLengthSize]
	if len(region) > int(hlen) {
		region = region[len(region)-int(hlen):]
	}

	return region, total, nil
}

// readHeader returns the decrypted-but-still-ciphertext header bytes of the
// pack file of size size accessible through rd.
func readHeader(rd io.ReaderAt, size int64) ([]byte, error) {
	eagerWindow := eagerEntries*entrySize + crypto.Extension + headerLengthSize

	header, total, err := readRecords(rd, size, eagerWindow)
	if err != nil {
		return nil, err
	}

	if total <= eagerWindow {
		return header, nil
	}

	header, _, err = readRecords(rd, size, total)
	if err != nil {
		return nil, err
	}
	return header, nil
}

// makeHeader encodes blobs into their plaintext header representation.
func makeHeader(blobs []objects.Blob) ([]byte, error) {
	buf := make([]byte, 0, len(blobs)*entrySize)

	for _, b := range blobs {
		var typ uint8
		if b.Type == objects.TreeBlob {
			typ = typeTree
		}

		if b.IsCompressed() {
			typ |= typeCompressed
			buf = append(buf, typ)
			buf = append(buf, b.ID[:]...)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Length))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(b.UncompressedLength))
			continue
		}

		buf = append(buf, typ)
		buf = append(buf, b.ID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Length))
	}

	return buf, nil
}

// verifyHeader decrypts encryptedHeader (the header ciphertext plus its
// trailing length field) and checks that it describes exactly blobs, in
// order.
func verifyHeader(k *crypto.Key, encryptedHeader []byte, blobs []objects.Blob) error {
	if len(encryptedHeader) < headerLengthSize {
		return errors.New("header decoding failed: header too short")
	}

	hlen := binary.LittleEndian.Uint32(encryptedHeader[len(encryptedHeader)-headerLengthSize:])
	if int(hlen) != len(encryptedHeader)-headerLengthSize {
		return errors.New("header decoding failed: length field does not match header size")
	}
	ciphertext := encryptedHeader[:len(encryptedHeader)-headerLengthSize]

	plaintext := make([]byte, 0, crypto.PlaintextLength(len(ciphertext)))
	n, err := k.Decrypt(plaintext[:cap(plaintext)], ciphertext)
	if err != nil {
		return errors.Wrap(err, "ciphertext verification failed")
	}
	plaintext = plaintext[:n]

	want, err := makeHeader(blobs)
	if err != nil {
		return err
	}

	if !bytes.Equal(plaintext, want) {
		return errors.New("pack header entry mismatch")
	}

	return nil
}
