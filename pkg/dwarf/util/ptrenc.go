package util

import "fmt"

// PtrEnc represents a pointer encoding value, used during eh_frame decoding
// to determine how pointers were encoded.
// Least significant 4 (0xf) bytes encode the size as well as its
// signed-ness, most significant 4 bytes (0xf0 == PtrEncFlagsMask) are flags
// describing how the value should be interpreted (absolute, relative...)
// See https://www.airs.com/blog/archives/460.
type PtrEnc uint8

const (
	PtrEncAbs    PtrEnc = 0x00 // pointer-sized unsigned integer
	PtrEncOmit   PtrEnc = 0xff // omitted
	PtrEncUleb   PtrEnc = 0x01 // ULEB128
	PtrEncUdata2 PtrEnc = 0x02 // 2 bytes
	PtrEncUdata4 PtrEnc = 0x03 // 4 bytes
	PtrEncUdata8 PtrEnc = 0x04 // 8 bytes
	PtrEncSigned PtrEnc = 0x08 // pointer-sized signed integer
	PtrEncSleb   PtrEnc = 0x09 // SLEB128
	PtrEncSdata2 PtrEnc = 0x0a // 2 bytes, signed
	PtrEncSdata4 PtrEnc = 0x0b // 4 bytes, signed
	PtrEncSdata8 PtrEnc = 0x0c // 8 bytes, signed

	PtrEncFormatMask PtrEnc = 0x0f
	PtrEncFlagsMask  PtrEnc = 0x70

	PtrEncPCRel    PtrEnc = 0x10 // value is relative to the memory address where it appears
	PtrEncTextRel  PtrEnc = 0x20 // value is relative to the address of the text section
	PtrEncDataRel  PtrEnc = 0x30 // value is relative to the address of the data section
	PtrEncFuncRel  PtrEnc = 0x40 // value is relative to the start of the function
	PtrEncAligned  PtrEnc = 0x50 // value should be aligned
	PtrEncIndirect PtrEnc = 0x80 // value is an address where the real value of the pointer is stored
)

// Format returns the size/signedness part of the encoding.
func (enc PtrEnc) Format() PtrEnc {
	return enc & PtrEncFormatMask
}

// Application returns the relocation basis of the encoding.
func (enc PtrEnc) Application() PtrEnc {
	return enc & PtrEncFlagsMask
}

// Supported returns true if this pointer encoding can be decoded.
func (enc PtrEnc) Supported() bool {
	if enc == PtrEncOmit {
		return true
	}
	switch enc.Format() {
	case PtrEncAbs, PtrEncUleb, PtrEncUdata2, PtrEncUdata4, PtrEncUdata8,
		PtrEncSigned, PtrEncSleb, PtrEncSdata2, PtrEncSdata4, PtrEncSdata8:
	default:
		return false
	}
	return enc.Application() <= PtrEncAligned
}

func (enc PtrEnc) String() string {
	if enc == PtrEncOmit {
		return "omit"
	}
	var app string
	switch enc.Application() {
	case 0:
		app = "abs"
	case PtrEncPCRel:
		app = "pcrel"
	case PtrEncTextRel:
		app = "textrel"
	case PtrEncDataRel:
		app = "datarel"
	case PtrEncFuncRel:
		app = "funcrel"
	case PtrEncAligned:
		app = "aligned"
	default:
		app = fmt.Sprintf("%#x", uint8(enc.Application()))
	}
	s := fmt.Sprintf("%s|%#x", app, uint8(enc.Format()))
	if enc&PtrEncIndirect != 0 {
		s = "indirect|" + s
	}
	return s
}

// PointerBase holds the addresses that relative pointer encodings are
// computed against.
type PointerBase struct {
	SectionAddr uint64 // address of the first byte of the data being read
	Text        uint64
	Data        uint64
	Func        uint64
}

// UnsupportedEncodingError is returned for encodings whose size part
// is not defined.
type UnsupportedEncodingError struct {
	Enc PtrEnc
}

func (err *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("unsupported pointer encoding %#x", uint8(err.Enc))
}

// EncodedPointer reads a pointer encoded as specified by enc.
// Indirect pointers are not dereferenced, a warning is emitted and the
// address of the pointer is returned instead.
func (c *Cursor) EncodedPointer(enc PtrEnc, base PointerBase) (uint64, error) {
	if enc == PtrEncOmit {
		return 0, nil
	}
	start := c.off
	if enc.Application() == PtrEncAligned {
		if err := c.Align(c.ptrSize); err != nil {
			return 0, err
		}
	}
	fieldAddr := base.SectionAddr + uint64(c.off)

	v, err := c.readPointerFormat(enc.Format())
	if err != nil {
		c.off = start
		return 0, err
	}

	switch enc.Application() {
	case 0, PtrEncAligned:
	case PtrEncPCRel:
		v += fieldAddr
	case PtrEncTextRel:
		v += base.Text
	case PtrEncDataRel:
		v += base.Data
	case PtrEncFuncRel:
		v += base.Func
	default:
		c.off = start
		return 0, &UnsupportedEncodingError{enc}
	}

	if enc&PtrEncIndirect != 0 && c.warn != nil {
		c.warn.Warnf("indirect pointer encoding %s at offset %#x is not supported, using %#x as is", enc, fieldAddr-base.SectionAddr, v)
	}
	return v, nil
}

// PointerValue reads a value in the size format of enc without applying
// any relocation, as used for FDE address ranges.
func (c *Cursor) PointerValue(enc PtrEnc) (uint64, error) {
	if enc == PtrEncOmit {
		return 0, nil
	}
	return c.readPointerFormat(enc.Format())
}

func (c *Cursor) readPointerFormat(format PtrEnc) (uint64, error) {
	switch format {
	case PtrEncAbs:
		return c.Address()
	case PtrEncSigned:
		v, err := c.SignedAddress()
		return uint64(v), err
	case PtrEncUleb:
		return c.ULEB128()
	case PtrEncSleb:
		v, err := c.SLEB128()
		return uint64(v), err
	case PtrEncUdata2:
		v, err := c.Uint16()
		return uint64(v), err
	case PtrEncUdata4:
		v, err := c.Uint32()
		return uint64(v), err
	case PtrEncUdata8:
		return c.Uint64()
	case PtrEncSdata2:
		v, err := c.Int16()
		return uint64(int64(v)), err
	case PtrEncSdata4:
		v, err := c.Int32()
		return uint64(int64(v)), err
	case PtrEncSdata8:
		v, err := c.Int64()
		return uint64(v), err
	}
	return 0, &UnsupportedEncodingError{format}
}
