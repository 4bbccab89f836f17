package op

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MemoryReader is the memory of the target as seen by stack programs.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
}

// DwarfRegisters holds the value of stack program registers. It
// implements Context on top of a register file and a memory reader.
type DwarfRegisters struct {
	staticBase uint64
	cfa        uint64
	hasCFA     bool
	regs       []*DwarfRegister
	mem        MemoryReader

	byteOrder binary.ByteOrder
	ptrSize   int
}

type DwarfRegister struct {
	Uint64Val uint64
	Bytes     []byte
}

// ErrRegisterNotAvailable is returned when a program reads a register
// that is not defined.
var ErrRegisterNotAvailable = errors.New("register not available")

// NewDwarfRegisters returns a new DwarfRegisters object.
func NewDwarfRegisters(staticBase uint64, regs []*DwarfRegister, byteOrder binary.ByteOrder, ptrSize int) *DwarfRegisters {
	return &DwarfRegisters{
		staticBase: staticBase,
		regs:       regs,
		byteOrder:  byteOrder,
		ptrSize:    ptrSize,
	}
}

// SetMemory sets the memory read by DW_OP_deref.
func (regs *DwarfRegisters) SetMemory(mem MemoryReader) {
	regs.mem = mem
}

// SetCFA sets the value pushed by DW_OP_call_frame_cfa.
func (regs *DwarfRegisters) SetCFA(cfa uint64) {
	regs.cfa = cfa
	regs.hasCFA = true
}

// Uint64Val returns the uint64 value of register idx.
func (regs *DwarfRegisters) Uint64Val(idx uint64) uint64 {
	reg := regs.Reg(idx)
	if reg == nil {
		return 0
	}
	return reg.Uint64Val
}

// Bytes returns the bytes value of register idx, nil if the register is not
// defined.
func (regs *DwarfRegisters) Bytes(idx uint64) []byte {
	reg := regs.Reg(idx)
	if reg == nil {
		return nil
	}
	reg.FillBytes(regs.byteOrder, regs.ptrSize)
	return reg.Bytes
}

// Reg returns register idx or nil if the register is not defined.
func (regs *DwarfRegisters) Reg(idx uint64) *DwarfRegister {
	if idx >= uint64(len(regs.regs)) {
		return nil
	}
	return regs.regs[idx]
}

// AddReg adds register idx to regs.
func (regs *DwarfRegisters) AddReg(idx uint64, reg *DwarfRegister) {
	if idx >= uint64(len(regs.regs)) {
		newRegs := make([]*DwarfRegister, idx+1)
		copy(newRegs, regs.regs)
		regs.regs = newRegs
	}
	regs.regs[idx] = reg
}

// Register returns the contents of register regnum.
func (regs *DwarfRegisters) Register(regnum uint64) ([]byte, error) {
	b := regs.Bytes(regnum)
	if b == nil {
		return nil, fmt.Errorf("register %d: %w", regnum, ErrRegisterNotAvailable)
	}
	return b, nil
}

// SetRegister replaces the contents of register regnum.
func (regs *DwarfRegisters) SetRegister(regnum uint64, value []byte) error {
	regs.AddReg(regnum, DwarfRegisterFromBytes(value, regs.byteOrder))
	return nil
}

// RegisterValue implements Context.
func (regs *DwarfRegisters) RegisterValue(regnum uint64) (uint64, error) {
	reg := regs.Reg(regnum)
	if reg == nil {
		return 0, fmt.Errorf("register %d: %w", regnum, ErrRegisterNotAvailable)
	}
	return reg.Uint64Val, nil
}

// ReadMemory implements Context.
func (regs *DwarfRegisters) ReadMemory(buf []byte, addr uint64) (int, error) {
	if regs.mem == nil {
		return 0, fmt.Errorf("could not read memory at %#x: no memory", addr)
	}
	return regs.mem.ReadMemory(buf, addr)
}

func (regs *DwarfRegisters) PtrSize() int                { return regs.ptrSize }
func (regs *DwarfRegisters) ByteOrder() binary.ByteOrder { return regs.byteOrder }
func (regs *DwarfRegisters) StaticBase() uint64          { return regs.staticBase }

// CFA implements Context.
func (regs *DwarfRegisters) CFA() (uint64, error) {
	if !regs.hasCFA {
		return 0, errors.New("CFA not set")
	}
	return regs.cfa, nil
}

func DwarfRegisterFromUint64(v uint64) *DwarfRegister {
	return &DwarfRegister{Uint64Val: v}
}

// DwarfRegisterFromBytes returns a register holding bytes. Uint64Val is
// decoded in the given byte order from the first 8 bytes at most.
func DwarfRegisterFromBytes(bytes []byte, order binary.ByteOrder) *DwarfRegister {
	var v uint64
	switch len(bytes) {
	case 1:
		v = uint64(bytes[0])
	case 2:
		v = uint64(order.Uint16(bytes))
	case 4:
		v = uint64(order.Uint32(bytes))
	default:
		if len(bytes) >= 8 {
			v = order.Uint64(bytes[:8])
		}
	}
	return &DwarfRegister{Uint64Val: v, Bytes: bytes}
}

// FillBytes fills the Bytes slice of reg using Uint64Val.
func (reg *DwarfRegister) FillBytes(order binary.ByteOrder, size int) {
	if reg.Bytes != nil {
		return
	}
	reg.Bytes = make([]byte, 8)
	order.PutUint64(reg.Bytes, reg.Uint64Val)
	if size == 4 {
		reg.Bytes = reg.Bytes[:4]
		order.PutUint32(reg.Bytes, uint32(reg.Uint64Val))
	}
}
