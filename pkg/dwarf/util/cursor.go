package util

import (
	"encoding/binary"
	"fmt"

	"github.com/go-delve/unwind/pkg/dwarf/leb128"
)

// Warner receives diagnostics about input that is unsupported but not
// fatal. logflags.Logger satisfies it.
type Warner interface {
	Warnf(format string, args ...interface{})
}

// BoundsError is returned when a read would go past the end of the data
// held by a Cursor.
type BoundsError struct {
	Off  int // offset of the read
	Need int // bytes requested, 0 for variable length items
	Len  int // total length of the data
}

func (err *BoundsError) Error() string {
	if err.Need == 0 {
		return fmt.Sprintf("read past end of data at offset %#x (length %#x)", err.Off, err.Len)
	}
	return fmt.Sprintf("read of %d bytes at offset %#x past end of data (length %#x)", err.Need, err.Off, err.Len)
}

// Cursor reads fixed size, LEB128 and encoded pointer values out of a
// byte slice. A failed read does not advance the cursor.
type Cursor struct {
	data    []byte
	off     int
	order   binary.ByteOrder
	ptrSize int
	warn    Warner
}

// NewCursor returns a cursor positioned at the start of data.
func NewCursor(data []byte, order binary.ByteOrder, ptrSize int) *Cursor {
	return &Cursor{data: data, order: order, ptrSize: ptrSize}
}

// SetWarner sets the destination of non fatal diagnostics.
func (c *Cursor) SetWarner(w Warner) {
	c.warn = w
}

// Offset returns the number of bytes consumed so far.
func (c *Cursor) Offset() int { return c.off }

// Len returns the number of unread bytes.
func (c *Cursor) Len() int { return len(c.data) - c.off }

// Empty returns true if every byte has been consumed.
func (c *Cursor) Empty() bool { return c.off >= len(c.data) }

// ByteOrder returns the byte order used for fixed size reads.
func (c *Cursor) ByteOrder() binary.ByteOrder { return c.order }

// PtrSize returns the size of a target address.
func (c *Cursor) PtrSize() int { return c.ptrSize }

// Reset replaces the data being read and rewinds the cursor.
func (c *Cursor) Reset(data []byte) {
	c.data = data
	c.off = 0
}

func (c *Cursor) next(n int) ([]byte, error) {
	if n < 0 || n > c.Len() {
		return nil, &BoundsError{Off: c.off, Need: n, Len: len(c.data)}
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b, nil
}

// ReadByte implements io.ByteReader.
func (c *Cursor) ReadByte() (byte, error) {
	b, err := c.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bytes returns the next n bytes. The returned slice aliases the
// underlying data.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	return c.next(n)
}

// Skip advances the cursor by n bytes.
func (c *Cursor) Skip(n int) error {
	_, err := c.next(n)
	return err
}

// Rest returns all unread bytes and moves the cursor to the end.
func (c *Cursor) Rest() []byte {
	b := c.data[c.off:]
	c.off = len(c.data)
	return b
}

// Uint8 reads one byte.
func (c *Cursor) Uint8() (uint8, error) {
	return c.ReadByte()
}

// Uint16 reads a 2 byte unsigned integer in the byte order of c.
func (c *Cursor) Uint16() (uint16, error) {
	b, err := c.next(2)
	if err != nil {
		return 0, err
	}
	return c.order.Uint16(b), nil
}

// Uint32 reads a 4 byte unsigned integer in the byte order of c.
func (c *Cursor) Uint32() (uint32, error) {
	b, err := c.next(4)
	if err != nil {
		return 0, err
	}
	return c.order.Uint32(b), nil
}

// Uint64 reads an 8 byte unsigned integer in the byte order of c.
func (c *Cursor) Uint64() (uint64, error) {
	b, err := c.next(8)
	if err != nil {
		return 0, err
	}
	return c.order.Uint64(b), nil
}

// Int8 reads one byte as a signed integer.
func (c *Cursor) Int8() (int8, error) {
	v, err := c.Uint8()
	return int8(v), err
}

// Int16 reads a 2 byte signed integer in the byte order of c.
func (c *Cursor) Int16() (int16, error) {
	v, err := c.Uint16()
	return int16(v), err
}

// Int32 reads a 4 byte signed integer in the byte order of c.
func (c *Cursor) Int32() (int32, error) {
	v, err := c.Uint32()
	return int32(v), err
}

// Int64 reads an 8 byte signed integer in the byte order of c.
func (c *Cursor) Int64() (int64, error) {
	v, err := c.Uint64()
	return int64(v), err
}

// Address reads an unsigned integer of the target's pointer size.
func (c *Cursor) Address() (uint64, error) {
	switch c.ptrSize {
	case 4:
		v, err := c.Uint32()
		return uint64(v), err
	case 8:
		return c.Uint64()
	}
	return 0, fmt.Errorf("unsupported pointer size %d", c.ptrSize)
}

// SignedAddress reads a signed integer of the target's pointer size.
func (c *Cursor) SignedAddress() (int64, error) {
	switch c.ptrSize {
	case 4:
		v, err := c.Int32()
		return int64(v), err
	case 8:
		return c.Int64()
	}
	return 0, fmt.Errorf("unsupported pointer size %d", c.ptrSize)
}

// ULEB128 reads an unsigned LEB128 number.
func (c *Cursor) ULEB128() (uint64, error) {
	start := c.off
	v, _, err := leb128.DecodeUnsigned(c)
	if err != nil {
		c.off = start
		return 0, &BoundsError{Off: start, Len: len(c.data)}
	}
	return v, nil
}

// SLEB128 reads a signed LEB128 number.
func (c *Cursor) SLEB128() (int64, error) {
	start := c.off
	v, _, err := leb128.DecodeSigned(c)
	if err != nil {
		c.off = start
		return 0, &BoundsError{Off: start, Len: len(c.data)}
	}
	return v, nil
}

// CString reads a NUL terminated string, the terminator is discarded.
func (c *Cursor) CString() (string, error) {
	for i := c.off; i < len(c.data); i++ {
		if c.data[i] == 0 {
			s := string(c.data[c.off:i])
			c.off = i + 1
			return s, nil
		}
	}
	return "", &BoundsError{Off: c.off, Len: len(c.data)}
}

// Align advances the cursor to the next multiple of n, relative to the
// start of the data.
func (c *Cursor) Align(n int) error {
	if n <= 1 {
		return nil
	}
	if rem := c.off % n; rem != 0 {
		return c.Skip(n - rem)
	}
	return nil
}
