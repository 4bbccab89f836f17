package util

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type warnRecorder struct {
	msgs []string
}

func (w *warnRecorder) Warnf(format string, args ...interface{}) {
	w.msgs = append(w.msgs, fmt.Sprintf(format, args...))
}

func TestCursorFixedWidth(t *testing.T) {
	c := NewCursor([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0xff, 0xfe, 0xff}, binary.LittleEndian, 8)

	u16, err := c.Uint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x0201), u16)

	u32, err := c.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x06050403), u32)

	_, err = c.Uint16()
	require.NoError(t, err)

	i8, err := c.Int8()
	require.NoError(t, err)
	require.Equal(t, int8(-1), i8)

	i16, err := c.Int16()
	require.NoError(t, err)
	require.Equal(t, int16(-2), i16)
	require.True(t, c.Empty())
}

func TestCursorBounds(t *testing.T) {
	c := NewCursor([]byte{0x01, 0x02, 0x03}, binary.BigEndian, 8)

	_, err := c.Uint32()
	var berr *BoundsError
	require.True(t, errors.As(err, &berr))
	require.Equal(t, 0, berr.Off)
	require.Equal(t, 4, berr.Need)
	require.Equal(t, 0, c.Offset(), "failed read must not consume input")

	v, err := c.Uint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x0102), v)

	_, err = c.Address()
	require.Error(t, err)
	require.Error(t, c.Skip(2))
	require.NoError(t, c.Skip(1))
	_, err = c.ReadByte()
	require.Error(t, err)
}

func TestCursorLEB128(t *testing.T) {
	c := NewCursor([]byte{0xe5, 0x8e, 0x26, 0x9b, 0xf1, 0x59, 0x80}, binary.LittleEndian, 8)

	u, err := c.ULEB128()
	require.NoError(t, err)
	require.Equal(t, uint64(624485), u)

	s, err := c.SLEB128()
	require.NoError(t, err)
	require.Equal(t, int64(-624485), s)

	_, err = c.ULEB128()
	require.Error(t, err)
	require.Equal(t, 6, c.Offset())
}

func TestCursorCString(t *testing.T) {
	c := NewCursor([]byte{'z', 'R', 0, 'a'}, binary.LittleEndian, 8)
	s, err := c.CString()
	require.NoError(t, err)
	require.Equal(t, "zR", s)
	_, err = c.CString()
	require.Error(t, err)
}

func TestEncodedPointer(t *testing.T) {
	data := []byte{
		0xf0, 0xff, 0xff, 0xff, // sdata4 -16
		0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // absptr 0x10
		0x7f,       // uleb 127
		0x20, 0x00, // udata2 0x20
	}
	c := NewCursor(data, binary.LittleEndian, 8)
	base := PointerBase{SectionAddr: 0x1000, Text: 0x400000}

	v, err := c.EncodedPointer(PtrEncPCRel|PtrEncSdata4, base)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000-16), v)

	v, err = c.EncodedPointer(PtrEncAbs, base)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10), v)

	v, err = c.EncodedPointer(PtrEncUleb, base)
	require.NoError(t, err)
	require.Equal(t, uint64(127), v)

	v, err = c.EncodedPointer(PtrEncTextRel|PtrEncUdata2, base)
	require.NoError(t, err)
	require.Equal(t, uint64(0x400020), v)

	v, err = c.EncodedPointer(PtrEncOmit, base)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)
}

func TestEncodedPointerIndirectWarns(t *testing.T) {
	w := &warnRecorder{}
	c := NewCursor([]byte{0x08, 0x00, 0x00, 0x00}, binary.LittleEndian, 8)
	c.SetWarner(w)
	v, err := c.EncodedPointer(PtrEncIndirect|PtrEncUdata4, PointerBase{})
	require.NoError(t, err)
	require.Equal(t, uint64(8), v)
	require.Len(t, w.msgs, 1)
}

func TestEncodedPointerUnsupported(t *testing.T) {
	c := NewCursor([]byte{0, 0, 0, 0}, binary.LittleEndian, 8)
	_, err := c.EncodedPointer(PtrEnc(0x05), PointerBase{})
	var uerr *UnsupportedEncodingError
	require.True(t, errors.As(err, &uerr))
	require.False(t, PtrEnc(0x05).Supported())
	require.True(t, (PtrEncPCRel | PtrEncSdata4).Supported())
	require.Equal(t, 0, c.Offset())
}
