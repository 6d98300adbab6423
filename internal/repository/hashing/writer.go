// Package hashing provides an io.Writer that hashes everything written to
// it while passing it through to an underlying writer.
package hashing

import (
	"hash"
	"io"
)

// Writer hashes all data written to it while passing it to an underlying
// io.Writer.
type Writer struct {
	w io.Writer
	h hash.Hash
}

// NewWriter wraps w, hashing all data written to it using h.
func NewWriter(w io.Writer, h hash.Hash) *Writer {
	return &Writer{
		w: io.MultiWriter(w, h),
		h: h,
	}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

// Sum returns the hash of all data written so far, appended to b.
func (w *Writer) Sum(b []byte) []byte {
	return w.h.Sum(b)
}
