package leb128

import (
	"errors"
	"io"
)

// Reader is a io.ByteReader with a Len method. This interface is
// satisfied by bytes.Buffer, bytes.Reader and util.Cursor.
type Reader interface {
	io.ByteReader
	Len() int
}

// ErrTruncated is returned when the input ends before the last byte of
// an encoded number (the one with the high order bit clear).
var ErrTruncated = errors.New("truncated LEB128 value")

// DecodeUnsigned decodes an unsigned Little Endian Base 128
// represented number. Bits past the 64th are discarded.
func DecodeUnsigned(buf Reader) (uint64, uint32, error) {
	var (
		result uint64
		shift  uint64
		length uint32
	)

	for {
		b, err := buf.ReadByte()
		if err != nil {
			return 0, length, ErrTruncated
		}
		length++

		if shift < 64 {
			result |= uint64(b&0x7f) << shift
		}

		// If high order bit is 1.
		if b&0x80 == 0 {
			break
		}

		shift += 7
	}

	return result, length, nil
}

// DecodeSigned decodes a signed Little Endian Base 128
// represented number.
func DecodeSigned(buf Reader) (int64, uint32, error) {
	var (
		b      byte
		err    error
		result int64
		shift  uint64
		length uint32
	)

	for {
		b, err = buf.ReadByte()
		if err != nil {
			return 0, length, ErrTruncated
		}
		length++

		if shift < 64 {
			result |= (int64(b) & 0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}

	if shift < 64 && (b&0x40 > 0) {
		result |= -(1 << shift)
	}

	return result, length, nil
}
