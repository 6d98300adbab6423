// Package hashing provides io.Reader and io.Writer implementations that
// transparently feed every byte that passes through them into a hash.Hash,
// so that the SHA-256 digest of a stream can be computed without buffering
// it twice.
package hashing

import (
	"hash"
	"io"
)

// Reader updates a hash.Hash with all data read from the underlying reader.
type Reader struct {
	r io.Reader
	h hash.Hash
}

// NewReader returns a new Reader that uses the io.Reader r and the hash.Hash
// h to calculate a hash of the read data.
func NewReader(r io.Reader, h hash.Hash) *Reader {
	return &Reader{
		h: h,
		r: r,
	}
}

func (h *Reader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.h.Write(p[:n])
	}
	return n, err
}

// bareReader exposes only Read, so io.Copy cannot dispatch back into
// Reader.WriteTo and recurse.
type bareReader struct {
	io.Reader
}

// WriteTo forwards to the underlying reader's WriteTo, if it has one,
// hashing everything written along the way.
func (h *Reader) WriteTo(w io.Writer) (int64, error) {
	if wt, ok := h.r.(io.WriterTo); ok {
		return wt.WriteTo(io.MultiWriter(w, h.h))
	}
	return io.Copy(w, bareReader{h})
}

// Sum returns the hash of the data read so far.
func (h *Reader) Sum(d []byte) []byte {
	return h.h.Sum(d)
}
