// Package bytebuf implements the growable accumulation buffer used by stream decoders.
//
// A Buffer keeps a read cursor over an append-only byte slice. Readable bytes are exposed
// without copying; consumed bytes stay in place until Compact discards them.
package bytebuf

import "bytes"

// Buffer is a growable byte container with a read cursor. The zero value is ready to use.
// It is not safe for concurrent use.
type Buffer struct {
	buf []byte
	r   int
}

// New creates a Buffer with the given initial capacity.
func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, 0, capacity)}
}

// Append adds p after the last written byte.
func (b *Buffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.buf) - b.r
}

// Consumed returns the number of read bytes not yet discarded by Compact.
func (b *Buffer) Consumed() int {
	return b.r
}

// Bytes returns the unread bytes without copying.
// The slice is valid until the next Append or Compact.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.r:]
}

// Slice returns n unread bytes starting at offset off relative to the read cursor, without copying.
func (b *Buffer) Slice(off, n int) []byte {
	start := b.r + off
	return b.buf[start : start+n : start+n]
}

// IndexByte returns the offset, relative to the read cursor, of the first c at or after from.
// It returns -1 if c is not present.
func (b *Buffer) IndexByte(from int, c byte) int {
	if from >= b.Len() {
		return -1
	}
	if from < 0 {
		from = 0
	}

	idx := bytes.IndexByte(b.buf[b.r+from:], c)
	if idx < 0 {
		return -1
	}

	return from + idx
}

// Skip advances the read cursor by n bytes. It panics if n exceeds Len.
func (b *Buffer) Skip(n int) {
	if n < 0 || n > b.Len() {
		panic("bytebuf: skip out of range")
	}
	b.r += n
	if b.r == len(b.buf) {
		b.buf = b.buf[:0]
		b.r = 0
	}
}

// Compact discards consumed bytes, moving unread bytes to the front of the backing array.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:])
	b.buf = b.buf[:n]
	b.r = 0
}

// Reset drops all bytes while keeping the backing array.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.r = 0
}
