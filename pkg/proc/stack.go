package proc

import (
	"fmt"

	"github.com/go-delve/unwind/pkg/dwarf/frame"
	"github.com/go-delve/unwind/pkg/unwind"
)

// Stackframe represents a frame in a system stack.
type Stackframe struct {
	// PC is the address the frame is executing. For every frame but the
	// innermost it is a return address, unless its callee is a signal
	// frame.
	PC uint64
	// CFA is the canonical frame address of the frame, zero if no FDE
	// covers PC.
	CFA uint64
	// Description of the stack frame.
	FDE *frame.FrameDescriptionEntry
	// Ret is the address execution resumes at in the caller, zero for the
	// outermost frame.
	Ret uint64
	// Depth is the number of frames between this one and the innermost.
	Depth int
	// Err is set if the caller of this frame could not be computed.
	Err error

	ctx    *unwind.Context
	parent *unwind.Context
}

// Context returns the location of every register in the frame.
func (f *Stackframe) Context() *unwind.Context {
	return f.ctx
}

// Outermost returns true if no frame can be unwound from f.
func (f *Stackframe) Outermost() bool {
	return f.Err == nil && (f.parent == nil || f.Ret == 0)
}

// rulesPC returns the address the rules of f are looked up at: the call
// instruction, rather than the return address, for outer frames that were
// not interrupted by a signal.
func (f *Stackframe) rulesPC() uint64 {
	if f.ctx.AfterCall() {
		return f.PC - 1
	}
	return f.PC
}

// newFrame returns the frame described by ctx and unwinds its caller.
// Failures to unwind the caller are recorded in the Err field.
func (t *Target) newFrame(ctx *unwind.Context, depth int) *Stackframe {
	f := &Stackframe{PC: ctx.ReturnAddress, Depth: depth, ctx: ctx}
	var fde *frame.FrameDescriptionEntry
	var ok bool
	if ctx.AfterCall() {
		fde, ok = t.engine.Locate(f.PC)
	} else {
		fde, ok = t.engine.LocatePC(f.PC)
	}
	if !ok {
		return f
	}
	f.FDE = fde

	scope := unwind.NewScope()
	defer scope.Release()
	fs, err := t.engine.FrameState(scope, fde, f.rulesPC())
	if err != nil {
		f.Err = err
		return f
	}
	parent, err := t.engine.Resolve(fs, ctx, true)
	if err != nil {
		f.Err = err
		return f
	}
	f.CFA = parent.CFA
	f.Ret = parent.ReturnAddress
	f.parent = parent
	return f
}

// TopFrame returns the innermost frame of the thread.
func (t *Target) TopFrame() (*Stackframe, error) {
	ctx, err := unwind.NewInnermostContext(t.Regs, t.BinInfo.Arch)
	if err != nil {
		return nil, err
	}
	return t.newFrame(ctx, 0), nil
}

// FrameChain returns the caller of f, or nil if f is the outermost frame.
func (t *Target) FrameChain(f *Stackframe) (*Stackframe, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Outermost() {
		return nil, nil
	}
	return t.newFrame(f.parent, f.Depth+1), nil
}

// Stacktrace returns the stack trace of the thread, at most depth+1
// frames. If a frame could not be unwound it is the last one returned and
// its Err field is set.
func (t *Target) Stacktrace(depth int) ([]Stackframe, error) {
	if depth < 0 {
		return nil, fmt.Errorf("negative maximum stack depth %d", depth)
	}
	f, err := t.TopFrame()
	if err != nil {
		return nil, err
	}
	ct := t
	if sp, err := f.ctx.RegisterValue(t.BinInfo.Arch.SPRegNum, t.Regs, t.Mem, t.BinInfo.Arch); err == nil {
		ct = t.withMemory(cacheMemory(t.Mem, sp, stackCacheSize))
	}
	frames := make([]Stackframe, 0, depth+1)
	for f != nil {
		frames = append(frames, *f)
		if f.Err != nil || len(frames) >= depth+1 {
			break
		}
		f, _ = ct.FrameChain(f)
	}
	return frames, nil
}

// SavedRegisterKind says where the value of a register can be found in a
// frame.
type SavedRegisterKind uint8

const (
	// Unavailable means the value of the register can not be recovered.
	Unavailable SavedRegisterKind = iota
	// InRegister means the value is held by register Reg of the thread.
	InRegister
	// InMemory means the value is stored at address Addr.
	InMemory
	// Computed means the value is Value, it is not stored anywhere.
	Computed
)

func (kind SavedRegisterKind) String() string {
	switch kind {
	case Unavailable:
		return "unavailable"
	case InRegister:
		return "register"
	case InMemory:
		return "memory"
	case Computed:
		return "computed"
	}
	return fmt.Sprintf("SavedRegisterKind(%d)", kind)
}

// SavedRegister is the location of the value a register has in a frame.
type SavedRegister struct {
	Kind  SavedRegisterKind
	Reg   uint64
	Addr  uint64
	Value uint64
	// Authoritative is false when the register was not saved by any of
	// the frames below and is assumed to still hold its value: the
	// call frame information does not say whether it was clobbered.
	Authoritative bool
}

// SavedRegister returns where the value of register regnum in frame f can
// be found.
func (t *Target) SavedRegister(f *Stackframe, regnum uint64) (SavedRegister, error) {
	if f.ctx == nil {
		return SavedRegister{}, fmt.Errorf("frame at %#x has no register information", f.PC)
	}
	loc := f.ctx.Loc(regnum)
	switch loc.Kind {
	case unwind.LocUnsaved:
		return SavedRegister{Kind: InRegister, Reg: regnum, Authoritative: !f.ctx.Outer}, nil
	case unwind.LocRegister:
		return SavedRegister{Kind: InRegister, Reg: loc.Reg, Authoritative: true}, nil
	case unwind.LocMemory:
		return SavedRegister{Kind: InMemory, Addr: loc.Addr, Authoritative: true}, nil
	case unwind.LocValue:
		return SavedRegister{Kind: Computed, Value: loc.Value, Authoritative: true}, nil
	}
	return SavedRegister{Kind: Unavailable, Authoritative: true}, nil
}

// RegisterValue returns the value of register regnum in frame f.
func (t *Target) RegisterValue(f *Stackframe, regnum uint64) (uint64, error) {
	return f.ctx.RegisterValue(regnum, t.Regs, t.Mem, t.BinInfo.Arch)
}
