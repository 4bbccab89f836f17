package unwind

import (
	"errors"
	"fmt"

	"github.com/go-delve/unwind/pkg/dwarf/op"
)

// LocKind is the kind of a register location.
type LocKind uint8

const (
	// LocUnsaved means the register still holds its value, read it from
	// the register store.
	LocUnsaved LocKind = iota
	// LocUndefined means the value can not be recovered.
	LocUndefined
	// LocRegister means the value is held by register Reg of the
	// register store.
	LocRegister
	// LocMemory means the value is stored at Addr.
	LocMemory
	// LocValue means the value is Value itself.
	LocValue
)

func (kind LocKind) String() string {
	switch kind {
	case LocUnsaved:
		return "unsaved"
	case LocUndefined:
		return "undefined"
	case LocRegister:
		return "register"
	case LocMemory:
		return "memory"
	case LocValue:
		return "value"
	}
	return fmt.Sprintf("LocKind(%d)", kind)
}

// Loc is the concrete location of a register value in a frame.
type Loc struct {
	Kind  LocKind
	Reg   uint64
	Addr  uint64
	Value uint64
}

func (loc Loc) String() string {
	switch loc.Kind {
	case LocRegister:
		return fmt.Sprintf("r%d", loc.Reg)
	case LocMemory:
		return fmt.Sprintf("[%#x]", loc.Addr)
	case LocValue:
		return fmt.Sprintf("=%#x", loc.Value)
	}
	return loc.Kind.String()
}

// Context is the resolved state of one frame: where the value every
// register had in that frame can be found.
type Context struct {
	Regs []Loc
	// CFA is the canonical frame address of the frame this context was
	// unwound from, which is the value of the stack pointer in this frame.
	// Zero for the innermost context.
	CFA uint64
	// ReturnAddress is the address execution resumes at in this frame.
	// For the innermost context it is the current pc.
	ReturnAddress uint64
	// ArgsSize is the size of the arguments the callee pushed, as
	// declared by DW_CFA_GNU_args_size.
	ArgsSize uint64
	// Outer is false only for the innermost frame, whose registers are
	// all read from the register store.
	Outer bool
	// SignalFrame is set when the callee was a signal handler frame: its
	// CIE carries the 'S' augmentation and ReturnAddress is the exact
	// address of the interrupted instruction.
	SignalFrame bool
}

// ErrUndefinedRegister is returned when reading a register that can not
// be recovered in a frame.
var ErrUndefinedRegister = errors.New("register value undefined in this frame")

var errNoMemory = errors.New("target memory not available")

// AfterCall returns true if ReturnAddress follows a call instruction, in
// which case the rules of the frame are those of ReturnAddress-1.
func (ctx *Context) AfterCall() bool {
	return ctx.Outer && !ctx.SignalFrame
}

// Loc returns the location of register reg.
func (ctx *Context) Loc(reg uint64) Loc {
	if reg >= uint64(len(ctx.Regs)) {
		return Loc{}
	}
	return ctx.Regs[reg]
}

// RegisterValue returns the value of register reg in the frame described
// by ctx.
func (ctx *Context) RegisterValue(reg uint64, regs RegisterStore, mem MemoryReadWriter, arch *Arch) (uint64, error) {
	loc := ctx.Loc(reg)
	switch loc.Kind {
	case LocUnsaved:
		return readRegister(regs, reg, arch)
	case LocRegister:
		return readRegister(regs, loc.Reg, arch)
	case LocMemory:
		return readPointer(mem, loc.Addr, arch)
	case LocValue:
		return loc.Value, nil
	}
	return 0, fmt.Errorf("register %s: %w", arch.RegName(reg), ErrUndefinedRegister)
}

// ErrNotWritable is returned when writing a register whose value in a
// frame is not stored anywhere.
var ErrNotWritable = errors.New("register can not be written in this frame")

// SetRegisterValue changes the value register reg has in the frame
// described by ctx, writing through its location.
func (ctx *Context) SetRegisterValue(reg, v uint64, regs RegisterStore, mem MemoryReadWriter, arch *Arch) error {
	loc := ctx.Loc(reg)
	switch loc.Kind {
	case LocUnsaved:
		return writeRegister(regs, reg, v, arch)
	case LocRegister:
		return writeRegister(regs, loc.Reg, v, arch)
	case LocMemory:
		return writePointer(mem, loc.Addr, v, arch)
	}
	return fmt.Errorf("register %s is %s: %w", arch.RegName(reg), loc.Kind, ErrNotWritable)
}

func writeRegister(regs RegisterStore, reg, v uint64, arch *Arch) error {
	return regs.SetRegister(reg, pointerBytes(v, arch))
}

func pointerBytes(v uint64, arch *Arch) []byte {
	buf := make([]byte, arch.PtrSize)
	if arch.PtrSize == 4 {
		arch.ByteOrder.PutUint32(buf, uint32(v))
	} else {
		arch.ByteOrder.PutUint64(buf, v)
	}
	return buf
}

func readRegister(regs RegisterStore, reg uint64, arch *Arch) (uint64, error) {
	b, err := regs.Register(reg)
	if err != nil {
		return 0, err
	}
	return op.DwarfRegisterFromBytes(b, arch.ByteOrder).Uint64Val, nil
}

func readPointer(mem MemoryReadWriter, addr uint64, arch *Arch) (uint64, error) {
	if mem == nil {
		return 0, errNoMemory
	}
	buf := make([]byte, arch.PtrSize)
	if _, err := mem.ReadMemory(buf, addr); err != nil {
		return 0, err
	}
	if arch.PtrSize == 4 {
		return uint64(arch.ByteOrder.Uint32(buf)), nil
	}
	return arch.ByteOrder.Uint64(buf), nil
}

func writePointer(mem MemoryReadWriter, addr, v uint64, arch *Arch) error {
	if mem == nil {
		return errNoMemory
	}
	_, err := mem.WriteMemory(addr, pointerBytes(v, arch))
	return err
}

// NewInnermostContext returns the context of the frame currently executing:
// every register is read from the register store.
func NewInnermostContext(regs RegisterStore, arch *Arch) (*Context, error) {
	pc, err := readRegister(regs, arch.PCRegNum, arch)
	if err != nil {
		return nil, fmt.Errorf("could not read pc: %w", err)
	}
	return &Context{Regs: make([]Loc, arch.NumRegs), ReturnAddress: pc}, nil
}
