package buffer

import (
	"bytes"
	"errors"
	"testing"
)

func TestBufferWriteRead(t *testing.T) {
	b := New(1 + 2 + 4 + 8 + 3)

	if err := b.AppendUint8(0x01); err != nil {
		t.Fatal(err)
	}
	if err := b.AppendUint16(0x0203); err != nil {
		t.Fatal(err)
	}
	if err := b.AppendUint32(0x04050607); err != nil {
		t.Fatal(err)
	}
	if err := b.AppendUint64(0x08090a0b0c0d0e0f); err != nil {
		t.Fatal(err)
	}
	if err := b.Append([]byte("xyz")); err != nil {
		t.Fatal(err)
	}

	if err := b.AppendUint8(0); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("AppendUint8 on full buffer = %v, want ErrOutOfBounds", err)
	}
	if got, want := b.Len(), b.Cap(); got != want {
		t.Errorf("b.Len() = %d, want %d", got, want)
	}

	if v, err := b.ReadUint8(); err != nil || v != 0x01 {
		t.Errorf("ReadUint8() = %#x, %v", v, err)
	}
	if v, err := b.ReadUint16(); err != nil || v != 0x0203 {
		t.Errorf("ReadUint16() = %#x, %v", v, err)
	}
	if v, err := b.ReadUint32(); err != nil || v != 0x04050607 {
		t.Errorf("ReadUint32() = %#x, %v", v, err)
	}
	if v, err := b.ReadUint64(); err != nil || v != 0x08090a0b0c0d0e0f {
		t.Errorf("ReadUint64() = %#x, %v", v, err)
	}
	if got := b.Remaining(); got != 3 {
		t.Errorf("b.Remaining() = %d, want 3", got)
	}

	dst := make([]byte, 4)
	if err := b.ReadInto(dst); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("ReadInto past end = %v, want ErrOutOfBounds", err)
	}
	if got := b.Cursor(); got != 15 {
		t.Errorf("failed read moved cursor to %d", got)
	}
	if err := b.ReadInto(dst[:3]); err != nil || !bytes.Equal(dst[:3], []byte("xyz")) {
		t.Errorf("ReadInto = %q, %v", dst[:3], err)
	}
	if _, err := b.ReadUint64(); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("ReadUint64 on empty = %v, want ErrOutOfBounds", err)
	}
}

func TestBufferWrap(t *testing.T) {
	raw := []byte{0, 1, 2, 3}
	b := Wrap(raw)

	if err := b.Append([]byte{4}); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Append on wrapped buffer = %v, want ErrOutOfBounds", err)
	}
	if err := b.Skip(2); err != nil {
		t.Fatal(err)
	}
	p, err := b.Read(2)
	if err != nil || !bytes.Equal(p, []byte{2, 3}) {
		t.Errorf("Read(2) = %v, %v", p, err)
	}
	if _, err := b.Read(-1); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Read(-1) = %v, want ErrOutOfBounds", err)
	}

	b.Reset()
	if b.Len() != 0 || b.Cursor() != 0 {
		t.Error("Reset did not clear the buffer")
	}
	if err := b.AppendUint32(1); err != nil {
		t.Errorf("AppendUint32 after Reset = %v", err)
	}
}
