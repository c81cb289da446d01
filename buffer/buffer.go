// Package buffer provides a fixed-capacity byte buffer with a read cursor.
//
// Every accessor is bounds-checked and returns [ErrOutOfBounds] instead of panicking,
// so that marshaling code can process untrusted input without recovering from panics.
package buffer

import (
	"encoding/binary"
	"errors"
)

var ErrOutOfBounds = errors.New("buffer: out of bounds")

// Buffer holds up to a fixed number of bytes. Writes append at the end.
// Reads consume from the cursor.
type Buffer struct {
	b      []byte
	cursor int
}

// New returns an empty buffer that holds at most capacity bytes.
func New(capacity int) *Buffer {
	return &Buffer{b: make([]byte, 0, capacity)}
}

// Wrap returns a buffer for reading b. The buffer is full: further writes fail.
func Wrap(b []byte) *Buffer {
	return &Buffer{b: b[:len(b):len(b)]}
}

// Bytes returns the written bytes.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Len returns the number of written bytes.
func (b *Buffer) Len() int {
	return len(b.b)
}

// Cap returns the capacity.
func (b *Buffer) Cap() int {
	return cap(b.b)
}

// Cursor returns the read position.
func (b *Buffer) Cursor() int {
	return b.cursor
}

// Remaining returns the number of bytes between the cursor and the end of the written data.
func (b *Buffer) Remaining() int {
	return len(b.b) - b.cursor
}

// Reset clears the buffer and rewinds the cursor.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.cursor = 0
}

func (b *Buffer) extend(n int) ([]byte, error) {
	if n < 0 || n > cap(b.b)-len(b.b) {
		return nil, ErrOutOfBounds
	}
	start := len(b.b)
	b.b = b.b[:start+n]
	return b.b[start:], nil
}

// Append appends p.
func (b *Buffer) Append(p []byte) error {
	dst, err := b.extend(len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// AppendUint8 appends v.
func (b *Buffer) AppendUint8(v uint8) error {
	dst, err := b.extend(1)
	if err != nil {
		return err
	}
	dst[0] = v
	return nil
}

// AppendUint16 appends v in big-endian byte order.
func (b *Buffer) AppendUint16(v uint16) error {
	dst, err := b.extend(2)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(dst, v)
	return nil
}

// AppendUint32 appends v in big-endian byte order.
func (b *Buffer) AppendUint32(v uint32) error {
	dst, err := b.extend(4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(dst, v)
	return nil
}

// AppendUint64 appends v in big-endian byte order.
func (b *Buffer) AppendUint64(v uint64) error {
	dst, err := b.extend(8)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(dst, v)
	return nil
}

// Read consumes n bytes and returns them without copying.
func (b *Buffer) Read(n int) ([]byte, error) {
	if n < 0 || n > len(b.b)-b.cursor {
		return nil, ErrOutOfBounds
	}
	p := b.b[b.cursor : b.cursor+n : b.cursor+n]
	b.cursor += n
	return p, nil
}

// ReadInto fills dst from the cursor.
func (b *Buffer) ReadInto(dst []byte) error {
	p, err := b.Read(len(dst))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// ReadUint8 consumes one byte.
func (b *Buffer) ReadUint8() (uint8, error) {
	p, err := b.Read(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// ReadUint16 consumes a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	p, err := b.Read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

// ReadUint32 consumes a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	p, err := b.Read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// ReadUint64 consumes a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	p, err := b.Read(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

// Skip advances the cursor by n bytes.
func (b *Buffer) Skip(n int) error {
	_, err := b.Read(n)
	return err
}
