package unwind

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/go-delve/unwind/pkg/dwarf/dwarfbuilder"
	"github.com/go-delve/unwind/pkg/dwarf/frame"
	"github.com/go-delve/unwind/pkg/dwarf/op"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
	"github.com/stretchr/testify/require"
)

// fakeMemory implements MemoryReadWriter by reading from a byte slice.
// Byte 0 of "data"  is at address "base".
type fakeMemory struct {
	base  uint64
	data  []byte
	order binary.ByteOrder
}

func newFakeMemory(base uint64, contents ...interface{}) *fakeMemory {
	mem := &fakeMemory{base: base, order: binary.LittleEndian}
	var buf bytes.Buffer
	for _, x := range contents {
		binary.Write(&buf, binary.LittleEndian, x)
	}
	mem.data = buf.Bytes()
	return mem
}

func (mem *fakeMemory) ReadMemory(data []byte, addr uint64) (int, error) {
	if addr < mem.base || addr-mem.base+uint64(len(data)) > uint64(len(mem.data)) {
		return 0, fmt.Errorf("read out of bounds %d %#x", len(data), addr)
	}
	copy(data, mem.data[addr-mem.base:])
	return len(data), nil
}

func (mem *fakeMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	if addr < mem.base || addr-mem.base+uint64(len(data)) > uint64(len(mem.data)) {
		return 0, fmt.Errorf("write out of bounds %d %#x", len(data), addr)
	}
	copy(mem.data[addr-mem.base:], data)
	return len(data), nil
}

func (mem *fakeMemory) put(addr, v uint64) {
	mem.order.PutUint64(mem.data[addr-mem.base:], v)
}

func amd64Regs(pc, sp, bp uint64) *op.DwarfRegisters {
	regs := op.NewDwarfRegisters(0, nil, binary.LittleEndian, 8)
	regs.AddReg(regnum.AMD64_Rip, op.DwarfRegisterFromUint64(pc))
	regs.AddReg(regnum.AMD64_Rsp, op.DwarfRegisterFromUint64(sp))
	regs.AddReg(regnum.AMD64_Rbp, op.DwarfRegisterFromUint64(bp))
	return regs
}

// amd64Frames describes two functions using a frame pointer, f at 0x1000
// and its caller g at 0x2000. The return address of g is undefined.
func amd64Frames(t *testing.T) frame.FrameDescriptionEntries {
	b := dwarfbuilder.NewDebugFrame(binary.LittleEndian, 8)
	cie := b.AddCIE(dwarfbuilder.CIE{
		CodeAlign:    1,
		DataAlign:    -8,
		RAReg:        regnum.AMD64_Rip,
		Instructions: dwarfbuilder.NewProgram().DefCFA(regnum.AMD64_Rsp, 8).Offset(regnum.AMD64_Rip, 1).Bytes(),
	})
	prologue := func() *dwarfbuilder.Program {
		return dwarfbuilder.NewProgram().
			AdvanceLoc(1).DefCFAOffset(16).Offset(regnum.AMD64_Rbp, 2).
			AdvanceLoc(3).DefCFARegister(regnum.AMD64_Rbp)
	}
	b.AddFDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x1000, Size: 0x100, Instructions: prologue().ArgsSize(16).Bytes()})
	b.AddFDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x2000, Size: 0x100, Instructions: dwarfbuilder.NewProgram().Undefined(regnum.AMD64_Rip).Raw(prologue().Bytes()...).Bytes()})

	fdes, err := frame.Parse(b.Bytes(), binary.LittleEndian, 0, 8, 0, frame.DebugFrame)
	require.NoError(t, err)
	return fdes
}

func TestStep(t *testing.T) {
	mem := newFakeMemory(0x7fe0, make([]uint64, 0x30))
	mem.put(0x7ff0, 0x8100) // saved rbp
	mem.put(0x7ff8, 0x2005) // return address into g
	regs := amd64Regs(0x1010, 0x7fe0, 0x7ff0)

	e := &Engine{Index: amd64Frames(t), Arch: AMD64Arch(), Regs: regs, Mem: mem}
	scope := NewScope()
	defer scope.Release()

	cur, err := NewInnermostContext(regs, e.Arch)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1010), cur.ReturnAddress)
	require.False(t, cur.Outer)

	caller, err := e.Step(scope, cur)
	require.NoError(t, err)
	require.NotNil(t, caller)
	require.True(t, caller.Outer)
	require.Equal(t, uint64(0x8000), caller.CFA)
	require.Equal(t, uint64(0x2005), caller.ReturnAddress)
	require.Equal(t, uint64(16), caller.ArgsSize)
	require.Equal(t, Loc{Kind: LocValue, Value: 0x8000}, caller.Loc(regnum.AMD64_Rsp))
	require.Equal(t, Loc{Kind: LocMemory, Addr: 0x7ff0}, caller.Loc(regnum.AMD64_Rbp))
	require.Equal(t, Loc{Kind: LocMemory, Addr: 0x7ff8}, caller.Loc(regnum.AMD64_Rip))
	require.Equal(t, Loc{}, caller.Loc(regnum.AMD64_Rbx))

	bp, err := caller.RegisterValue(regnum.AMD64_Rbp, regs, mem, e.Arch)
	require.NoError(t, err)
	require.Equal(t, uint64(0x8100), bp)

	outermost, err := e.Step(scope, caller)
	require.NoError(t, err)
	require.NotNil(t, outermost)
	require.Equal(t, uint64(0x8110), outermost.CFA)
	require.Equal(t, uint64(0), outermost.ReturnAddress)
	require.Equal(t, Loc{Kind: LocUndefined}, outermost.Loc(regnum.AMD64_Rip))

	_, err = outermost.RegisterValue(regnum.AMD64_Rip, regs, mem, e.Arch)
	require.True(t, errors.Is(err, ErrUndefinedRegister))

	next, err := e.Step(scope, outermost)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestStepNoFDE(t *testing.T) {
	regs := amd64Regs(0x5000, 0x7fe0, 0x7ff0)
	e := &Engine{Index: amd64Frames(t), Arch: AMD64Arch(), Regs: regs}
	scope := NewScope()
	defer scope.Release()

	cur, err := NewInnermostContext(regs, e.Arch)
	require.NoError(t, err)
	next, err := e.Step(scope, cur)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestLocate(t *testing.T) {
	e := &Engine{Index: amd64Frames(t), Arch: AMD64Arch()}

	for _, test := range []struct {
		ra    uint64
		begin uint64
		ok    bool
	}{
		{0, 0, false},
		{0x1000, 0, false},
		{0x1001, 0x1000, true},
		{0x1100, 0x1000, true},
		{0x1101, 0, false},
		{0x2001, 0x2000, true},
	} {
		fde, ok := e.Locate(test.ra)
		require.Equal(t, test.ok, ok, "ra %#x", test.ra)
		if ok {
			require.Equal(t, test.begin, fde.Begin())
		}
	}

	fde, ok := e.LocatePC(0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), fde.Begin())
}

func TestResolveAliases(t *testing.T) {
	regs := amd64Regs(0x1010, 0x7fe0, 0x7ff0)
	e := &Engine{Arch: AMD64Arch(), Regs: regs}

	cur := &Context{Regs: make([]Loc, regnum.AMD64_NumRegs), Outer: true}
	cur.Regs[12] = Loc{Kind: LocMemory, Addr: 0x7ff0}
	cur.Regs[14] = Loc{Kind: LocRegister, Reg: 2}

	fs := &frame.FrameState{
		CFA:        frame.DWRule{Rule: frame.RuleCFA, Reg: regnum.AMD64_Rsp, Offset: 8},
		Regs:       make([]frame.DWRule, regnum.AMD64_NumRegs),
		RetAddrReg: regnum.AMD64_Rip,
	}
	// swap r3 and r12, r13 and r15 take r14 and r5
	fs.Regs[3] = frame.DWRule{Rule: frame.RuleRegister, Reg: 12}
	fs.Regs[12] = frame.DWRule{Rule: frame.RuleRegister, Reg: 3}
	fs.Regs[13] = frame.DWRule{Rule: frame.RuleRegister, Reg: 14}
	fs.Regs[15] = frame.DWRule{Rule: frame.RuleRegister, Reg: 5}
	fs.Regs[regnum.AMD64_Rip] = frame.DWRule{Rule: frame.RuleUndefined}

	ctx, err := e.Resolve(fs, cur, true)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7fe8), ctx.CFA)
	require.Equal(t, Loc{Kind: LocMemory, Addr: 0x7ff0}, ctx.Regs[3])
	require.Equal(t, Loc{Kind: LocRegister, Reg: 3}, ctx.Regs[12])
	require.Equal(t, Loc{Kind: LocRegister, Reg: 2}, ctx.Regs[13])
	require.Equal(t, Loc{Kind: LocRegister, Reg: 5}, ctx.Regs[15])
	require.Equal(t, Loc{Kind: LocValue, Value: 0x7fe8}, ctx.Regs[regnum.AMD64_Rsp])

	// cur is left untouched
	require.Equal(t, Loc{Kind: LocMemory, Addr: 0x7ff0}, cur.Regs[12])
	require.Equal(t, Loc{}, cur.Regs[3])
}

func TestResolveExpressions(t *testing.T) {
	regs := amd64Regs(0x1010, 0x7fe0, 0x7ff0)
	e := &Engine{Arch: AMD64Arch(), Regs: regs}
	cur, err := NewInnermostContext(regs, e.Arch)
	require.NoError(t, err)

	fs := &frame.FrameState{
		CFA:        frame.DWRule{Rule: frame.RuleExpression, Expression: dwarfbuilder.LocationBlock(op.DW_OP_breg7, 16)},
		Regs:       make([]frame.DWRule, 20),
		RetAddrReg: regnum.AMD64_Rip,
	}
	fs.Regs[3] = frame.DWRule{Rule: frame.RuleExpression, Expression: dwarfbuilder.LocationBlock(op.DW_OP_plus_uconst, uint(8))}
	fs.Regs[4] = frame.DWRule{Rule: frame.RuleValExpression, Expression: dwarfbuilder.LocationBlock(op.DW_OP_breg6, 0)}
	fs.Regs[5] = frame.DWRule{Rule: frame.RuleValOffset, Offset: -16}
	fs.Regs[regnum.AMD64_Rip] = frame.DWRule{Rule: frame.RuleValExpression, Expression: dwarfbuilder.LocationBlock(op.DW_OP_call_frame_cfa, op.DW_OP_lit1, op.DW_OP_plus)}

	ctx, err := e.Resolve(fs, cur, true)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7ff0), ctx.CFA)
	require.Equal(t, Loc{Kind: LocMemory, Addr: 0x7ff8}, ctx.Regs[3])
	require.Equal(t, Loc{Kind: LocValue, Value: 0x7ff0}, ctx.Regs[4])
	require.Equal(t, Loc{Kind: LocValue, Value: 0x7fe0}, ctx.Regs[5])
	require.Equal(t, uint64(0x7ff1), ctx.ReturnAddress)
}

func TestResolveErrors(t *testing.T) {
	regs := amd64Regs(0x1010, 0x7fe0, 0x7ff0)
	e := &Engine{Arch: AMD64Arch(), Regs: regs}
	cur, err := NewInnermostContext(regs, e.Arch)
	require.NoError(t, err)

	_, err = e.Resolve(&frame.FrameState{CFA: frame.DWRule{Rule: frame.RuleUndefined}}, cur, true)
	require.True(t, errors.Is(err, ErrUndefinedCFA), "got %v", err)

	undef := &Context{Regs: []Loc{regnum.AMD64_Rsp: {Kind: LocUndefined}}, Outer: true}
	_, err = e.Resolve(&frame.FrameState{CFA: frame.DWRule{Rule: frame.RuleCFA, Reg: regnum.AMD64_Rsp}}, undef, true)
	require.True(t, errors.Is(err, ErrUndefinedRegister), "got %v", err)

	fs := &frame.FrameState{
		CFA:  frame.DWRule{Rule: frame.RuleCFA, Reg: regnum.AMD64_Rsp},
		Regs: []frame.DWRule{3: {Rule: frame.RuleExpression, Expression: dwarfbuilder.LocationBlock(op.DW_OP_plus)}},
	}
	_, err = e.Resolve(fs, cur, true)
	var merr *op.MachineError
	require.True(t, errors.As(err, &merr), "got %v", err)

	// return address saved in memory that is not available
	fs = &frame.FrameState{
		CFA:        frame.DWRule{Rule: frame.RuleCFA, Reg: regnum.AMD64_Rsp, Offset: 8},
		Regs:       []frame.DWRule{regnum.AMD64_Rip: {Rule: frame.RuleOffset, Offset: -8}},
		RetAddrReg: regnum.AMD64_Rip,
	}
	_, err = e.Resolve(fs, cur, true)
	require.Error(t, err)
}

func TestResolveARM64PointerAuthentication(t *testing.T) {
	regs := op.NewDwarfRegisters(0, nil, binary.LittleEndian, 8)
	regs.AddReg(regnum.ARM64_PC, op.DwarfRegisterFromUint64(0x1010))
	regs.AddReg(regnum.ARM64_SP, op.DwarfRegisterFromUint64(0x7ff0))
	mem := newFakeMemory(0x7ff0, uint64(0), uint64(0xffff000000401000))
	e := &Engine{Arch: ARM64Arch(), Regs: regs, Mem: mem}
	cur, err := NewInnermostContext(regs, e.Arch)
	require.NoError(t, err)

	fs := &frame.FrameState{
		CFA:        frame.DWRule{Rule: frame.RuleCFA, Reg: regnum.ARM64_SP, Offset: 16},
		Regs:       []frame.DWRule{regnum.ARM64_LR: {Rule: frame.RuleOffset, Offset: -8}},
		RetAddrReg: regnum.ARM64_LR,
		RAMangled:  true,
	}
	ctx, err := e.Resolve(fs, cur, true)
	require.NoError(t, err)
	require.Equal(t, uint64(0x401000), ctx.ReturnAddress)
}

func TestStepSPARCWindow(t *testing.T) {
	b := dwarfbuilder.NewDebugFrame(binary.BigEndian, 8)
	cie := b.AddCIE(dwarfbuilder.CIE{
		CodeAlign:    4,
		DataAlign:    -8,
		RAReg:        regnum.SPARC64_O7,
		Instructions: dwarfbuilder.NewProgram().DefCFA(regnum.SPARC64_SP, 0).Bytes(),
	})
	b.AddFDE(dwarfbuilder.FDE{
		CIE:   cie,
		Begin: 0x1000,
		Size:  0x100,
		Instructions: dwarfbuilder.NewProgram().
			AdvanceLoc(1).DefCFARegister(regnum.SPARC64_FP).WindowSave().Register(regnum.SPARC64_O7, regnum.SPARC64_I7).Bytes(),
	})
	fdes, err := frame.Parse(b.Bytes(), binary.BigEndian, 0, 8, 0, frame.DebugFrame)
	require.NoError(t, err)

	arch := SPARC64Arch()
	regs := op.NewDwarfRegisters(0, nil, binary.BigEndian, 8)
	regs.AddReg(arch.PCRegNum, op.DwarfRegisterFromUint64(0x1010))
	regs.AddReg(regnum.SPARC64_SP, op.DwarfRegisterFromUint64(0x8f00))
	regs.AddReg(regnum.SPARC64_FP, op.DwarfRegisterFromUint64(0x9000))
	regs.AddReg(regnum.SPARC64_I7, op.DwarfRegisterFromUint64(0x2000))

	e := &Engine{Index: fdes, Arch: arch, Regs: regs}
	scope := NewScope()
	defer scope.Release()

	cur, err := NewInnermostContext(regs, arch)
	require.NoError(t, err)
	ctx, err := e.Step(scope, cur)
	require.NoError(t, err)
	require.Equal(t, uint64(0x9000), ctx.CFA)
	require.Equal(t, uint64(0x2008), ctx.ReturnAddress)
	require.Equal(t, Loc{Kind: LocValue, Value: 0x9000}, ctx.Loc(regnum.SPARC64_SP))
	require.Equal(t, Loc{Kind: LocMemory, Addr: 0x9000}, ctx.Loc(regnum.SPARC64_L0))
	require.Equal(t, Loc{Kind: LocMemory, Addr: 0x9000 + 14*8}, ctx.Loc(regnum.SPARC64_FP))
	require.Equal(t, Loc{Kind: LocRegister, Reg: regnum.SPARC64_I7}, ctx.Loc(regnum.SPARC64_O7))
}

func TestScopeRelease(t *testing.T) {
	e := &Engine{Index: amd64Frames(t), Arch: AMD64Arch()}
	fde, ok := e.LocatePC(0x1010)
	require.True(t, ok)

	scope := NewScope()
	for i := 0; i < 4; i++ {
		fs, err := e.FrameState(scope, fde, 0x1010)
		require.NoError(t, err)
		require.Equal(t, frame.DWRule{Rule: frame.RuleCFA, Reg: regnum.AMD64_Rbp, Offset: 16}, fs.CFA)
	}
	require.Len(t, scope.states, 4)
	scope.Release()
	require.Empty(t, scope.states)

	// failed requests release their scratch data too
	bad := &frame.FrameDescriptionEntry{CIE: fde.CIE, Instructions: []byte{0x0b}}
	func() {
		scope := NewScope()
		defer scope.Release()
		_, err := e.FrameState(scope, bad, 0)
		var merr *frame.MalformedError
		require.True(t, errors.As(err, &merr))
	}()
}

func TestSetRegisterValue(t *testing.T) {
	regs := amd64Regs(0x1010, 0x7fe0, 0x7ff0)
	mem := newFakeMemory(0x7fe0, make([]uint64, 4))
	arch := AMD64Arch()

	ctx := &Context{Regs: make([]Loc, arch.NumRegs), Outer: true}
	ctx.Regs[3] = Loc{Kind: LocRegister, Reg: 12}
	ctx.Regs[regnum.AMD64_Rbp] = Loc{Kind: LocMemory, Addr: 0x7ff0}
	ctx.Regs[regnum.AMD64_Rsp] = Loc{Kind: LocValue, Value: 0x8000}
	ctx.Regs[regnum.AMD64_Rip] = Loc{Kind: LocUndefined}

	require.NoError(t, ctx.SetRegisterValue(3, 0x33, regs, mem, arch))
	require.Equal(t, uint64(0x33), regs.Uint64Val(12))
	require.NoError(t, ctx.SetRegisterValue(5, 0x55, regs, mem, arch))
	require.Equal(t, uint64(0x55), regs.Uint64Val(5))
	require.NoError(t, ctx.SetRegisterValue(regnum.AMD64_Rbp, 0x8100, regs, mem, arch))
	v, err := ctx.RegisterValue(regnum.AMD64_Rbp, regs, mem, arch)
	require.NoError(t, err)
	require.Equal(t, uint64(0x8100), v)

	for _, reg := range []uint64{regnum.AMD64_Rsp, regnum.AMD64_Rip} {
		err := ctx.SetRegisterValue(reg, 0, regs, mem, arch)
		require.True(t, errors.Is(err, ErrNotWritable), "got %v", err)
	}
}

func TestComputeCFA(t *testing.T) {
	regs := amd64Regs(0x1010, 0x7fe0, 0x7ff0)
	e := &Engine{Index: amd64Frames(t), Arch: AMD64Arch(), Regs: regs}
	scope := NewScope()
	defer scope.Release()

	fde, ok := e.LocatePC(0x1010)
	require.True(t, ok)
	fs, err := e.FrameState(scope, fde, 0x1010)
	require.NoError(t, err)
	cur, err := NewInnermostContext(regs, e.Arch)
	require.NoError(t, err)
	cfa, err := e.ComputeCFA(fs, cur)
	require.NoError(t, err)
	require.Equal(t, uint64(0x8000), cfa)
}

// signalFrames describes f at 0x1000, called by the signal trampoline at
// 0x3000, which interrupted h at its first instruction, 0x4000. The return
// address of h is undefined.
func signalFrames(t *testing.T) frame.FrameDescriptionEntries {
	const ehFrameAddr = 0x5000
	b := dwarfbuilder.NewEhFrame(binary.LittleEndian, 8, ehFrameAddr)
	cie := b.AddCIE(dwarfbuilder.CIE{
		Augmentation: "zR",
		CodeAlign:    1,
		DataAlign:    -8,
		RAReg:        regnum.AMD64_Rip,
		PtrEnc:       dwarfbuilder.PtrEncPCRelSdata4,
		Instructions: dwarfbuilder.NewProgram().DefCFA(regnum.AMD64_Rsp, 8).Offset(regnum.AMD64_Rip, 1).Bytes(),
	})
	sigcie := b.AddCIE(dwarfbuilder.CIE{
		Augmentation: "zRS",
		CodeAlign:    1,
		DataAlign:    -8,
		RAReg:        regnum.AMD64_Rip,
		PtrEnc:       dwarfbuilder.PtrEncPCRelSdata4,
		Instructions: dwarfbuilder.NewProgram().DefCFA(regnum.AMD64_Rsp, 0x20).Offset(regnum.AMD64_Rip, 2).Bytes(),
	})
	b.AddFDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x1000, Size: 0x100})
	b.AddFDE(dwarfbuilder.FDE{CIE: sigcie, Begin: 0x3000, Size: 0x100})
	b.AddFDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x4000, Size: 0x100, Instructions: dwarfbuilder.NewProgram().Undefined(regnum.AMD64_Rip).Bytes()})
	b.Terminator()

	fdes, err := frame.Parse(b.Bytes(), binary.LittleEndian, 0, 8, ehFrameAddr, frame.EhFrame)
	require.NoError(t, err)
	require.True(t, fdes[1].CIE.SignalFrame)
	return fdes
}

func TestStepSignalFrame(t *testing.T) {
	mem := newFakeMemory(0x7fe0, make([]uint64, 0x30))
	mem.put(0x7fe0, 0x3001) // return address into the trampoline
	mem.put(0x7ff8, 0x4000) // interrupted pc of h
	regs := amd64Regs(0x1010, 0x7fe0, 0)

	e := &Engine{Index: signalFrames(t), Arch: AMD64Arch(), Regs: regs, Mem: mem}
	scope := NewScope()
	defer scope.Release()

	cur, err := NewInnermostContext(regs, e.Arch)
	require.NoError(t, err)

	trampoline, err := e.Step(scope, cur)
	require.NoError(t, err)
	require.NotNil(t, trampoline)
	require.Equal(t, uint64(0x3001), trampoline.ReturnAddress)
	require.False(t, trampoline.SignalFrame)
	require.True(t, trampoline.AfterCall())

	interrupted, err := e.Step(scope, trampoline)
	require.NoError(t, err)
	require.NotNil(t, interrupted)
	require.Equal(t, uint64(0x8008), interrupted.CFA)
	require.Equal(t, uint64(0x4000), interrupted.ReturnAddress)
	require.True(t, interrupted.SignalFrame)
	require.False(t, interrupted.AfterCall())

	// 0x3fff is not covered by any FDE, the rules of h are those of 0x4000
	outermost, err := e.Step(scope, interrupted)
	require.NoError(t, err)
	require.NotNil(t, outermost)
	require.Equal(t, uint64(0x8010), outermost.CFA)
	require.Equal(t, uint64(0), outermost.ReturnAddress)
	require.False(t, outermost.SignalFrame)

	next, err := e.Step(scope, outermost)
	require.NoError(t, err)
	require.Nil(t, next)
}
