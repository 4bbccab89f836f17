package proc

import (
	"errors"

	"github.com/go-delve/unwind/pkg/dwarf/frame"
	"github.com/go-delve/unwind/pkg/unwind"
)

// ErrCFANotRegisterOffset is returned by operations that need the CFA to
// be defined as a register plus an offset when it is defined by an
// expression.
var ErrCFANotRegisterOffset = errors.New("CFA is not defined as register plus offset")

// Target is a stopped thread of a process: the call frame information of
// its executable together with access to its registers and memory.
type Target struct {
	BinInfo *BinaryInfo
	Regs    unwind.RegisterStore
	Mem     unwind.MemoryReadWriter

	engine *unwind.Engine
}

// NewTarget returns a Target unwinding the thread whose registers are
// regs. mem may be nil if the memory of the process is not available,
// in which case only register-based rules can be resolved.
func NewTarget(bi *BinaryInfo, regs unwind.RegisterStore, mem unwind.MemoryReadWriter) *Target {
	return &Target{
		BinInfo: bi,
		Regs:    regs,
		Mem:     mem,
		engine: &unwind.Engine{
			Index:      bi,
			Arch:       bi.Arch,
			Regs:       regs,
			Mem:        mem,
			StaticBase: bi.StaticBase,
		},
	}
}

// withMemory returns a copy of t reading memory through mem.
func (t *Target) withMemory(mem unwind.MemoryReadWriter) *Target {
	e := *t.engine
	e.Mem = mem
	return &Target{BinInfo: t.BinInfo, Regs: t.Regs, Mem: mem, engine: &e}
}

// frameState returns the rules in effect at pc. The state belongs to scope.
func (t *Target) frameState(scope *unwind.Scope, pc uint64) (*frame.FrameState, error) {
	fde, ok := t.engine.LocatePC(pc)
	if !ok {
		return nil, &frame.ErrNoFDEForPC{PC: pc}
	}
	return t.engine.FrameState(scope, fde, pc)
}

// FrameCFA returns the CFA of the innermost frame, assuming it is
// executing at pc.
func (t *Target) FrameCFA(pc uint64) (uint64, error) {
	scope := unwind.NewScope()
	defer scope.Release()
	fs, err := t.frameState(scope, pc)
	if err != nil {
		return 0, err
	}
	return t.engine.ComputeCFA(fs, &unwind.Context{ReturnAddress: pc})
}

// VirtualFramePointer returns the register and offset defining the CFA at
// pc. It fails with ErrCFANotRegisterOffset if the CFA is computed by an
// expression.
func (t *Target) VirtualFramePointer(pc uint64) (reg uint64, offset int64, err error) {
	scope := unwind.NewScope()
	defer scope.Release()
	fs, err := t.frameState(scope, pc)
	if err != nil {
		return 0, 0, err
	}
	if fs.CFA.Rule != frame.RuleCFA {
		return 0, 0, ErrCFANotRegisterOffset
	}
	return fs.CFA.Reg, fs.CFA.Offset, nil
}

// SetFrameCFA changes the CFA of frame f to cfa, by writing the register
// the CFA is computed from, wherever its value is stored for f. f is
// recomputed afterwards. It fails with ErrCFANotRegisterOffset if the CFA
// of f is computed by an expression.
func (t *Target) SetFrameCFA(f *Stackframe, cfa uint64) error {
	if f.FDE == nil {
		return &frame.ErrNoFDEForPC{PC: f.PC}
	}
	scope := unwind.NewScope()
	defer scope.Release()
	fs, err := t.engine.FrameState(scope, f.FDE, f.rulesPC())
	if err != nil {
		return err
	}
	if fs.CFA.Rule != frame.RuleCFA {
		return ErrCFANotRegisterOffset
	}
	v := uint64(int64(cfa) - fs.CFA.Offset)
	if err := f.ctx.SetRegisterValue(fs.CFA.Reg, v, t.Regs, t.Mem, t.BinInfo.Arch); err != nil {
		return err
	}
	*f = *t.newFrame(f.ctx, f.Depth)
	return f.Err
}
