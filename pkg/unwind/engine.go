// Package unwind turns call frame information into concrete register
// locations for each frame of a stopped thread.
package unwind

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-delve/unwind/pkg/dwarf/frame"
	"github.com/go-delve/unwind/pkg/dwarf/op"
	"github.com/go-delve/unwind/pkg/logflags"
)

// FDEFinder returns the FDE covering an address. It is implemented by
// frame.FrameDescriptionEntries.
type FDEFinder interface {
	FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error)
}

// Engine unwinds the frames of one thread.
type Engine struct {
	Index FDEFinder
	Arch  *Arch
	Regs  RegisterStore
	Mem   MemoryReadWriter
	// StaticBase is the relocation delta of the object, added to the
	// operand of DW_OP_addr.
	StaticBase uint64
	Logger     logflags.Logger

	frameConfig *frame.Config
}

// ErrUndefinedCFA is returned when the rules for an address do not define
// a CFA.
var ErrUndefinedCFA = errors.New("CFA undefined")

func (e *Engine) logger() logflags.Logger {
	if e.Logger == nil {
		e.Logger = logflags.UnwindLogger()
	}
	return e.Logger
}

// Locate returns the FDE describing the call instruction that precedes
// return address ra. ok is false if no FDE covers it, which means ra
// belongs to the outermost frame.
func (e *Engine) Locate(ra uint64) (fde *frame.FrameDescriptionEntry, ok bool) {
	if ra == 0 {
		return nil, false
	}
	return e.LocatePC(ra - 1)
}

// LocatePC returns the FDE covering pc.
func (e *Engine) LocatePC(pc uint64) (fde *frame.FrameDescriptionEntry, ok bool) {
	fde, err := e.Index.FDEForPC(pc)
	if err != nil {
		var nofde *frame.ErrNoFDEForPC
		if !errors.As(err, &nofde) {
			e.logger().Warnf("FDE lookup for %#x: %v", pc, err)
		}
		return nil, false
	}
	return fde, true
}

// FrameState executes the programs of fde up to pc. The returned state
// belongs to scope.
func (e *Engine) FrameState(scope *Scope, fde *frame.FrameDescriptionEntry, pc uint64) (*frame.FrameState, error) {
	if e.frameConfig == nil {
		e.frameConfig = e.Arch.frameConfig(logflags.FrameLogger())
	}
	fs := scope.frameState(e.frameConfig)
	if err := fs.ExecuteUntilPC(fde, pc); err != nil {
		e.logger().Errorf("executing FDE at %#x for pc %#x: %v", fde.Offset(), pc, err)
		return nil, err
	}
	return fs, nil
}

// exprContext evaluates location expressions against the registers of a
// context.
type exprContext struct {
	e      *Engine
	ctx    *Context
	cfa    uint64
	hasCFA bool
}

func (c *exprContext) RegisterValue(regnum uint64) (uint64, error) {
	return c.ctx.RegisterValue(regnum, c.e.Regs, c.e.Mem, c.e.Arch)
}

func (c *exprContext) ReadMemory(buf []byte, addr uint64) (int, error) {
	if c.e.Mem == nil {
		return 0, errNoMemory
	}
	return c.e.Mem.ReadMemory(buf, addr)
}

func (c *exprContext) PtrSize() int                { return c.e.Arch.PtrSize }
func (c *exprContext) ByteOrder() binary.ByteOrder { return c.e.Arch.ByteOrder }
func (c *exprContext) StaticBase() uint64          { return c.e.StaticBase }

func (c *exprContext) CFA() (uint64, error) {
	if !c.hasCFA {
		return 0, ErrUndefinedCFA
	}
	return c.cfa, nil
}

// ComputeCFA returns the CFA defined by fs for the frame described by cur.
func (e *Engine) ComputeCFA(fs *frame.FrameState, cur *Context) (uint64, error) {
	switch fs.CFA.Rule {
	case frame.RuleCFA:
		v, err := cur.RegisterValue(fs.CFA.Reg, e.Regs, e.Mem, e.Arch)
		if err != nil {
			return 0, fmt.Errorf("could not compute CFA: %w", err)
		}
		return uint64(int64(v) + fs.CFA.Offset), nil
	case frame.RuleExpression:
		v, err := op.ExecuteStackProgram(&exprContext{e: e, ctx: cur}, fs.CFA.Expression, 0)
		if err != nil {
			return 0, fmt.Errorf("could not compute CFA: %w", err)
		}
		return v, nil
	}
	return 0, ErrUndefinedCFA
}

// Resolve computes the context of the caller of the frame described by cur,
// using fs, the rules for the current pc of that frame. Rules are
// evaluated against cur, which is never modified. If outer is set the
// registers left unsaved are not authoritative in the returned context.
func (e *Engine) Resolve(fs *frame.FrameState, cur *Context, outer bool) (*Context, error) {
	orig := cur

	cfa, err := e.ComputeCFA(fs, orig)
	if err != nil {
		return nil, err
	}

	n := len(fs.Regs)
	if e.Arch.NumRegs > n {
		n = e.Arch.NumRegs
	}
	if int(e.Arch.SPRegNum) >= n {
		n = int(e.Arch.SPRegNum) + 1
	}

	ctx := &Context{
		Regs:     make([]Loc, n),
		CFA:      cfa,
		ArgsSize: fs.ArgsSize,
		Outer:    outer,
	}
	if cie := fs.CIE(); cie != nil {
		ctx.SignalFrame = cie.SignalFrame
	}
	expr := &exprContext{e: e, ctx: orig, cfa: cfa, hasCFA: true}

	for i := range ctx.Regs {
		reg := uint64(i)
		rule := fs.Reg(reg)
		switch rule.Rule {
		case frame.RuleUnsaved:
			if reg == e.Arch.SPRegNum {
				ctx.Regs[i] = Loc{Kind: LocValue, Value: cfa}
			}
		case frame.RuleUndefined:
			ctx.Regs[i] = Loc{Kind: LocUndefined}
		case frame.RuleOffset:
			ctx.Regs[i] = Loc{Kind: LocMemory, Addr: uint64(int64(cfa) + rule.Offset)}
		case frame.RuleValOffset:
			ctx.Regs[i] = Loc{Kind: LocValue, Value: uint64(int64(cfa) + rule.Offset)}
		case frame.RuleRegister:
			// orig only holds resolved locations, one hop is enough.
			if loc := orig.Loc(rule.Reg); loc.Kind == LocUnsaved {
				ctx.Regs[i] = Loc{Kind: LocRegister, Reg: rule.Reg}
			} else {
				ctx.Regs[i] = loc
			}
		case frame.RuleExpression:
			addr, err := op.ExecuteStackProgram(expr, rule.Expression, cfa)
			if err != nil {
				return nil, fmt.Errorf("could not compute location of register %s: %w", e.Arch.RegName(reg), err)
			}
			ctx.Regs[i] = Loc{Kind: LocMemory, Addr: addr}
		case frame.RuleValExpression:
			v, err := op.ExecuteStackProgram(expr, rule.Expression, cfa)
			if err != nil {
				return nil, fmt.Errorf("could not compute value of register %s: %w", e.Arch.RegName(reg), err)
			}
			ctx.Regs[i] = Loc{Kind: LocValue, Value: v}
		}
	}

	if ctx.Loc(fs.RetAddrReg).Kind == LocUndefined {
		// outermost frame
		ctx.ReturnAddress = 0
		return ctx, nil
	}
	ra, err := ctx.RegisterValue(fs.RetAddrReg, e.Regs, e.Mem, e.Arch)
	if err != nil {
		return nil, fmt.Errorf("could not read return address: %w", err)
	}
	ctx.ReturnAddress = e.Arch.returnAddress(ra, fs.RAMangled)
	return ctx, nil
}

// Step unwinds one frame: it returns the context of the caller of the
// frame described by cur. It returns nil and no error if cur describes the
// outermost frame.
func (e *Engine) Step(scope *Scope, cur *Context) (*Context, error) {
	if cur.Outer && cur.ReturnAddress == 0 {
		return nil, nil
	}

	pc := cur.ReturnAddress
	var fde *frame.FrameDescriptionEntry
	var ok bool
	if cur.AfterCall() {
		// Return addresses point after the call, the call itself is
		// what the rules must describe.
		fde, ok = e.Locate(pc)
		pc--
	} else {
		fde, ok = e.LocatePC(pc)
	}
	if !ok {
		e.logger().Debugf("no FDE for %#x, outermost frame reached", pc)
		return nil, nil
	}

	fs, err := e.FrameState(scope, fde, pc)
	if err != nil {
		return nil, err
	}
	return e.Resolve(fs, cur, true)
}
