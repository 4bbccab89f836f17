package dwarfbuilder

import (
	"bytes"
	"encoding/binary"

	"github.com/go-delve/unwind/pkg/dwarf/leb128"
)

// Program assembles a call frame program.
type Program struct {
	buf   bytes.Buffer
	order binary.ByteOrder
}

// NewProgram returns an empty program, multi byte operands are written
// in little endian order.
func NewProgram() *Program {
	return &Program{order: binary.LittleEndian}
}

func (p *Program) op(opcode byte, args ...interface{}) *Program {
	p.buf.WriteByte(opcode)
	for _, arg := range args {
		switch x := arg.(type) {
		case uint64:
			leb128.EncodeUnsigned(&p.buf, x)
		case int64:
			leb128.EncodeSigned(&p.buf, x)
		case []byte:
			leb128.EncodeUnsigned(&p.buf, uint64(len(x)))
			p.buf.Write(x)
		default:
			panic("unsupported operand type")
		}
	}
	return p
}

// Raw appends bytes verbatim.
func (p *Program) Raw(b ...byte) *Program {
	p.buf.Write(b)
	return p
}

func (p *Program) Nop() *Program { return p.op(0x00) }

// AdvanceLoc advances the location by delta code alignment units, using
// the shortest form of the instruction.
func (p *Program) AdvanceLoc(delta uint64) *Program {
	switch {
	case delta < 0x40:
		return p.op(0x40 | byte(delta))
	case delta <= 0xff:
		return p.Raw(0x02, byte(delta))
	case delta <= 0xffff:
		var b [2]byte
		p.order.PutUint16(b[:], uint16(delta))
		return p.Raw(0x03, b[0], b[1])
	default:
		var b [4]byte
		p.order.PutUint32(b[:], uint32(delta))
		return p.Raw(0x04, b[0], b[1], b[2], b[3])
	}
}

// SetLoc sets the location to addr, written as an 8 byte pointer.
func (p *Program) SetLoc(addr uint64) *Program {
	var b [8]byte
	p.order.PutUint64(b[:], addr)
	p.buf.WriteByte(0x01)
	p.buf.Write(b[:])
	return p
}

// Offset saves reg at CFA + off*data_alignment.
func (p *Program) Offset(reg, off uint64) *Program {
	if reg < 0x40 {
		return p.op(0x80|byte(reg), off)
	}
	return p.op(0x05, reg, off)
}

func (p *Program) Restore(reg uint64) *Program {
	if reg < 0x40 {
		return p.op(0xc0 | byte(reg))
	}
	return p.op(0x06, reg)
}

func (p *Program) Undefined(reg uint64) *Program      { return p.op(0x07, reg) }
func (p *Program) SameValue(reg uint64) *Program      { return p.op(0x08, reg) }
func (p *Program) Register(reg, other uint64) *Program { return p.op(0x09, reg, other) }
func (p *Program) RememberState() *Program            { return p.op(0x0a) }
func (p *Program) RestoreState() *Program             { return p.op(0x0b) }
func (p *Program) DefCFA(reg, off uint64) *Program    { return p.op(0x0c, reg, off) }
func (p *Program) DefCFARegister(reg uint64) *Program { return p.op(0x0d, reg) }
func (p *Program) DefCFAOffset(off uint64) *Program   { return p.op(0x0e, off) }

func (p *Program) DefCFAExpression(expr []byte) *Program { return p.op(0x0f, expr) }

func (p *Program) Expression(reg uint64, expr []byte) *Program { return p.op(0x10, reg, expr) }

func (p *Program) OffsetExtendedSf(reg uint64, off int64) *Program { return p.op(0x11, reg, off) }

func (p *Program) DefCFASf(reg uint64, off int64) *Program { return p.op(0x12, reg, off) }

func (p *Program) DefCFAOffsetSf(off int64) *Program { return p.op(0x13, off) }

func (p *Program) ValOffset(reg, off uint64) *Program { return p.op(0x14, reg, off) }

func (p *Program) ValOffsetSf(reg uint64, off int64) *Program { return p.op(0x15, reg, off) }

func (p *Program) ValExpression(reg uint64, expr []byte) *Program { return p.op(0x16, reg, expr) }

func (p *Program) WindowSave() *Program { return p.op(0x2d) }

func (p *Program) ArgsSize(size uint64) *Program { return p.op(0x2e, size) }

func (p *Program) NegativeOffsetExtended(reg, off uint64) *Program { return p.op(0x2f, reg, off) }

// Bytes returns the assembled program.
func (p *Program) Bytes() []byte {
	return p.buf.Bytes()
}
