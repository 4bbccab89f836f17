// Package dwarfbuilder provides a way to build call frame sections and
// DWARF expressions with arbitrary contents.
package dwarfbuilder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-delve/unwind/pkg/dwarf/leb128"
)

// Pointer encodings understood by the builder.
const (
	PtrEncAbs         = 0x00
	PtrEncUdata4      = 0x03
	PtrEncUdata8      = 0x04
	PtrEncSdata4      = 0x0b
	PtrEncPCRelSdata4 = 0x1b

	PtrEncTextRelSdata4 = 0x2b
	PtrEncDataRelSdata4 = 0x3b
)

// Builder builds a .debug_frame or .eh_frame section.
type Builder struct {
	out         bytes.Buffer
	order       binary.ByteOrder
	ptrSize     int
	ehFrame     bool
	dwarf64     bool
	sectionAddr uint64
	textBase    uint64
	dataBase    uint64
	cies        map[uint64]CIE
}

// NewDebugFrame returns a builder for a .debug_frame section.
func NewDebugFrame(order binary.ByteOrder, ptrSize int) *Builder {
	return &Builder{order: order, ptrSize: ptrSize, cies: make(map[uint64]CIE)}
}

// NewEhFrame returns a builder for a .eh_frame section that will be loaded
// at sectionAddr.
func NewEhFrame(order binary.ByteOrder, ptrSize int, sectionAddr uint64) *Builder {
	return &Builder{order: order, ptrSize: ptrSize, ehFrame: true, sectionAddr: sectionAddr, cies: make(map[uint64]CIE)}
}

// SetDwarf64 makes the records emitted after the call use the 64-bit
// DWARF format.
func (b *Builder) SetDwarf64(dwarf64 bool) {
	b.dwarf64 = dwarf64
}

// SetBases sets the addresses that text and data relative pointers are
// written against.
func (b *Builder) SetBases(text, data uint64) {
	b.textBase, b.dataBase = text, data
}

// CIE describes a Common Information Entry.
type CIE struct {
	Version      uint8 // 1 if zero
	Augmentation string
	CodeAlign    uint64
	DataAlign    int64
	RAReg        uint64
	// PtrEnc is the argument of the 'R' augmentation.
	PtrEnc byte
	// Personality is the argument of the 'P' augmentation, encoded as an
	// absolute pointer.
	Personality  uint64
	Instructions []byte
}

// FDE describes a Frame Description Entry.
type FDE struct {
	CIE          uint64 // section offset of the CIE
	Begin, Size  uint64
	AugData      []byte
	Instructions []byte
}

func (b *Builder) writeUint(n int, v uint64) {
	switch n {
	case 1:
		b.out.WriteByte(byte(v))
	case 2:
		var buf [2]byte
		b.order.PutUint16(buf[:], uint16(v))
		b.out.Write(buf[:])
	case 4:
		var buf [4]byte
		b.order.PutUint32(buf[:], uint32(v))
		b.out.Write(buf[:])
	case 8:
		var buf [8]byte
		b.order.PutUint64(buf[:], v)
		b.out.Write(buf[:])
	default:
		panic(fmt.Errorf("unsupported size %d", n))
	}
}

func (b *Builder) offsetSize() int {
	if b.dwarf64 {
		return 8
	}
	return 4
}

// record writes the initial length and the id field of a record and
// returns the section offset of the record, the offset of its id field and
// a function that patches the length once the body is written.
func (b *Builder) record() (start, idOff uint64, done func()) {
	start = uint64(b.out.Len())
	if b.dwarf64 {
		b.writeUint(4, 0xffffffff)
	}
	lenOff := b.out.Len()
	b.writeUint(b.offsetSize(), 0)
	idOff = uint64(b.out.Len())
	return start, idOff, func() {
		data := b.out.Bytes()
		length := uint64(len(data) - lenOff - b.offsetSize())
		if b.dwarf64 {
			b.order.PutUint64(data[lenOff:], length)
		} else {
			b.order.PutUint32(data[lenOff:], uint32(length))
		}
	}
}

// AddCIE appends a CIE and returns its section offset.
func (b *Builder) AddCIE(cie CIE) uint64 {
	start, _, done := b.record()

	switch {
	case b.ehFrame:
		b.writeUint(b.offsetSize(), 0)
	case b.dwarf64:
		b.writeUint(8, ^uint64(0))
	default:
		b.writeUint(4, 0xffffffff)
	}
	if cie.Version == 0 {
		cie.Version = 1
	}
	b.out.WriteByte(cie.Version)
	b.out.WriteString(cie.Augmentation)
	b.out.WriteByte(0)
	if cie.Version >= 4 {
		b.out.WriteByte(byte(b.ptrSize))
		b.out.WriteByte(0)
	}
	leb128.EncodeUnsigned(&b.out, cie.CodeAlign)
	leb128.EncodeSigned(&b.out, cie.DataAlign)
	if cie.Version == 1 {
		b.out.WriteByte(byte(cie.RAReg))
	} else {
		leb128.EncodeUnsigned(&b.out, cie.RAReg)
	}

	if strings.HasPrefix(cie.Augmentation, "z") {
		var aug bytes.Buffer
		for _, ch := range cie.Augmentation[1:] {
			switch ch {
			case 'R':
				aug.WriteByte(cie.PtrEnc)
			case 'L':
				aug.WriteByte(PtrEncAbs)
			case 'P':
				aug.WriteByte(PtrEncAbs)
				sub := &Builder{order: b.order}
				sub.writeUint(b.ptrSize, cie.Personality)
				aug.Write(sub.out.Bytes())
			}
		}
		leb128.EncodeUnsigned(&b.out, uint64(aug.Len()))
		b.out.Write(aug.Bytes())
	}

	b.out.Write(cie.Instructions)
	done()
	b.cies[start] = cie
	return start
}

func (b *Builder) writePointer(enc byte, v uint64) {
	switch enc & 0x70 {
	case 0x10:
		v -= b.sectionAddr + uint64(b.out.Len())
	case 0x20:
		v -= b.textBase
	case 0x30:
		v -= b.dataBase
	}
	switch enc & 0x0f {
	case PtrEncAbs:
		b.writeUint(b.ptrSize, v)
	case PtrEncUdata4, PtrEncSdata4:
		b.writeUint(4, v)
	case PtrEncUdata8:
		b.writeUint(8, v)
	default:
		panic(fmt.Errorf("unsupported pointer encoding %#x", enc))
	}
}

// AddFDE appends an FDE and returns its section offset.
func (b *Builder) AddFDE(fde FDE) uint64 {
	cie, ok := b.cies[fde.CIE]
	if !ok {
		panic(fmt.Errorf("no CIE at %#x", fde.CIE))
	}
	return b.addFDE(fde, cie)
}

// AddOrphanFDE appends an FDE whose CIE pointer does not need to refer to
// a CIE of the section. Addresses are written as absolute pointers.
func (b *Builder) AddOrphanFDE(fde FDE) uint64 {
	return b.addFDE(fde, CIE{})
}

func (b *Builder) addFDE(fde FDE, cie CIE) uint64 {
	start, idOff, done := b.record()

	if b.ehFrame {
		b.writeUint(b.offsetSize(), idOff-fde.CIE)
	} else {
		b.writeUint(b.offsetSize(), fde.CIE)
	}

	enc := byte(PtrEncAbs)
	if strings.Contains(cie.Augmentation, "R") {
		enc = cie.PtrEnc
	}
	b.writePointer(enc, fde.Begin)
	b.writePointer(enc&0x0f, fde.Size)

	if strings.HasPrefix(cie.Augmentation, "z") {
		leb128.EncodeUnsigned(&b.out, uint64(len(fde.AugData)))
		b.out.Write(fde.AugData)
	}

	b.out.Write(fde.Instructions)
	done()
	return start
}

// Terminator appends a zero length record.
func (b *Builder) Terminator() {
	b.writeUint(4, 0)
}

// Bytes returns the contents of the section.
func (b *Builder) Bytes() []byte {
	return b.out.Bytes()
}
