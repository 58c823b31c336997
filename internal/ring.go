package internal

import (
	"errors"
	"io"
)

var errRingDiscard = errors.New("ring: discard exceeds buffered")

// Ring implements a bounded byte FIFO over a fixed buffer.
// Writes never grow the buffer; a write larger than [Ring.Free] is truncated.
type Ring struct {
	// Buf is the backing storage. Its length is the ring capacity.
	Buf []byte
	// Off is the index in Buf of the first readable byte.
	Off int
	// N is the amount of readable bytes starting at Off, wrapping around Buf.
	N int
}

// NewRing returns a Ring of the given capacity.
func NewRing(size int) Ring {
	return Ring{Buf: make([]byte, size)}
}

// Size returns the capacity of the ring buffer.
func (r *Ring) Size() int { return len(r.Buf) }

// Buffered returns amount of bytes ready to read from ring buffer.
func (r *Ring) Buffered() int { return r.N }

// Free returns amount of bytes that can be written before reaching [Ring.Size].
func (r *Ring) Free() int { return len(r.Buf) - r.N }

// Reset flushes all data from ring buffer.
func (r *Ring) Reset() {
	r.Off = 0
	r.N = 0
}

// Write appends up to [Ring.Free] bytes of b and returns the amount written.
// [io.ErrShortWrite] is returned if not all of b fit.
func (r *Ring) Write(b []byte) (int, error) {
	free := r.Free()
	short := len(b) > free
	if short {
		b = b[:free]
	}
	end := r.Off + r.N
	if end >= len(r.Buf) {
		end -= len(r.Buf)
	}
	n := copy(r.Buf[end:], b)
	if n < len(b) {
		n += copy(r.Buf, b[n:])
	}
	r.N += n
	if short {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Read reads up to len(b) bytes and advances the read pointer. [io.EOF] returned when no data available.
func (r *Ring) Read(b []byte) (int, error) {
	n, err := r.ReadAt(b, 0)
	if n > 0 {
		r.discard(n)
	}
	return n, err
}

// ReadPeek reads up to len(b) bytes without advancing the read pointer.
func (r *Ring) ReadPeek(b []byte) (int, error) {
	return r.ReadAt(b, 0)
}

// ReadAt reads up to len(b) bytes starting off bytes past the read pointer
// without advancing it. [io.EOF] is returned when no data is available at off.
func (r *Ring) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || int(off) >= r.N {
		return 0, io.EOF
	}
	avail := r.N - int(off)
	if len(b) > avail {
		b = b[:avail]
	}
	start := r.Off + int(off)
	if start >= len(r.Buf) {
		start -= len(r.Buf)
	}
	n := copy(b, r.Buf[start:])
	if n < len(b) {
		n += copy(b[n:], r.Buf)
	}
	return n, nil
}

// ReadDiscard advances the read pointer n bytes without copying data.
func (r *Ring) ReadDiscard(n int) error {
	if n < 0 || n > r.N {
		return errRingDiscard
	}
	r.discard(n)
	return nil
}

func (r *Ring) discard(n int) {
	r.N -= n
	if r.N == 0 {
		r.Off = 0 // Keep subsequent writes contiguous.
		return
	}
	r.Off += n
	if r.Off >= len(r.Buf) {
		r.Off -= len(r.Buf)
	}
}
