package proc

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-delve/unwind/pkg/dwarf/dwarfbuilder"
	"github.com/go-delve/unwind/pkg/dwarf/frame"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
	"github.com/go-delve/unwind/pkg/unwind"
	"github.com/stretchr/testify/require"
)

func TestFrameChain(t *testing.T) {
	tgt, _, _ := stoppedInF(t)

	f, err := tgt.TopFrame()
	require.NoError(t, err)
	require.NoError(t, f.Err)
	require.Equal(t, 0, f.Depth)
	require.Equal(t, uint64(0x1010), f.PC)
	require.Equal(t, uint64(0x1000), f.FDE.Begin())
	require.Equal(t, uint64(0x8000), f.CFA)
	require.Equal(t, uint64(0x2005), f.Ret)
	require.False(t, f.Outermost())

	g, err := tgt.FrameChain(f)
	require.NoError(t, err)
	require.NotNil(t, g)
	require.Equal(t, 1, g.Depth)
	require.Equal(t, uint64(0x2005), g.PC)
	require.Equal(t, uint64(0x2000), g.FDE.Begin())
	require.Equal(t, uint64(0x8110), g.CFA)
	require.Equal(t, uint64(0), g.Ret)
	require.True(t, g.Outermost())

	parent, err := tgt.FrameChain(g)
	require.NoError(t, err)
	require.Nil(t, parent)
}

func TestFrameChainNoFDE(t *testing.T) {
	tgt, _, mem := stoppedInF(t)
	// f returns to an address no FDE covers
	mem.put(0x7ff8, 0x9000)

	f, err := tgt.TopFrame()
	require.NoError(t, err)
	caller, err := tgt.FrameChain(f)
	require.NoError(t, err)
	require.Equal(t, uint64(0x9000), caller.PC)
	require.Nil(t, caller.FDE)
	require.Zero(t, caller.CFA)
	require.True(t, caller.Outermost())

	next, err := tgt.FrameChain(caller)
	require.NoError(t, err)
	require.Nil(t, next)

	// the innermost frame itself is not covered
	tgt = NewTarget(tgt.BinInfo, amd64Regs(0x9000, 0x7fe0, 0x7ff0), mem)
	f, err = tgt.TopFrame()
	require.NoError(t, err)
	require.Nil(t, f.FDE)
	require.True(t, f.Outermost())
}

func TestStacktrace(t *testing.T) {
	tgt, _, _ := stoppedInF(t)

	frames, err := tgt.Stacktrace(10)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, uint64(0x1010), frames[0].PC)
	require.Equal(t, uint64(0x2005), frames[1].PC)
	require.Equal(t, uint64(0x8110), frames[1].CFA)

	frames, err = tgt.Stacktrace(0)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	_, err = tgt.Stacktrace(-1)
	require.Error(t, err)
}

func TestStacktraceError(t *testing.T) {
	mem := newFakeMemory(0x7fe0, 0x20)
	mem.put(0x7ff0, 0x8100)
	mem.put(0x7ff8, 0x1005)
	tgt := NewTarget(loadTestObject(t, testObject()), amd64Regs(0x1010, 0x7fe0, 0x7ff0), mem)

	// f calls itself, the return address of the caller is saved out of
	// the readable memory
	frames, err := tgt.Stacktrace(10)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.NoError(t, frames[0].Err)
	require.Error(t, frames[1].Err)

	_, err = tgt.FrameChain(&frames[1])
	require.Error(t, err)
}

func TestSavedRegister(t *testing.T) {
	tgt, _, _ := stoppedInF(t)
	f, err := tgt.TopFrame()
	require.NoError(t, err)
	g, err := tgt.FrameChain(f)
	require.NoError(t, err)

	for _, test := range []struct {
		f      *Stackframe
		regnum uint64
		saved  SavedRegister
		value  uint64
	}{
		{f, regnum.AMD64_Rbp, SavedRegister{Kind: InRegister, Reg: regnum.AMD64_Rbp, Authoritative: true}, 0x7ff0},
		{f, regnum.AMD64_Rip, SavedRegister{Kind: InRegister, Reg: regnum.AMD64_Rip, Authoritative: true}, 0x1010},
		{g, regnum.AMD64_Rbp, SavedRegister{Kind: InMemory, Addr: 0x7ff0, Authoritative: true}, 0x8100},
		{g, regnum.AMD64_Rip, SavedRegister{Kind: InMemory, Addr: 0x7ff8, Authoritative: true}, 0x2005},
		{g, regnum.AMD64_Rsp, SavedRegister{Kind: Computed, Value: 0x8000, Authoritative: true}, 0x8000},
		{g, regnum.AMD64_Rsp + 1, SavedRegister{Kind: InRegister, Reg: regnum.AMD64_Rsp + 1}, 0},
	} {
		saved, err := tgt.SavedRegister(test.f, test.regnum)
		require.NoError(t, err)
		require.Equal(t, test.saved, saved, "frame %d register %d", test.f.Depth, test.regnum)
		if saved.Kind == InRegister && !saved.Authoritative {
			continue
		}
		v, err := tgt.RegisterValue(test.f, test.regnum)
		require.NoError(t, err)
		require.Equal(t, test.value, v, "frame %d register %d", test.f.Depth, test.regnum)
	}

	// the caller of g can not recover its return address
	outer := &Stackframe{PC: 0, ctx: &unwind.Context{Regs: []unwind.Loc{regnum.AMD64_Rip: {Kind: unwind.LocUndefined}}, Outer: true}}
	saved, err := tgt.SavedRegister(outer, regnum.AMD64_Rip)
	require.NoError(t, err)
	require.Equal(t, Unavailable, saved.Kind)
	_, err = tgt.RegisterValue(outer, regnum.AMD64_Rip)
	require.True(t, errors.Is(err, unwind.ErrUndefinedRegister), "got %v", err)

	_, err = tgt.SavedRegister(&Stackframe{}, 0)
	require.Error(t, err)
}

func TestFrameCFA(t *testing.T) {
	tgt, _, _ := stoppedInF(t)

	for _, test := range []struct {
		pc  uint64
		cfa uint64
	}{
		{0x1000, 0x7fe8},
		{0x1001, 0x7ff0},
		{0x1010, 0x8000},
		{0x3010, 0x7ff0},
	} {
		cfa, err := tgt.FrameCFA(test.pc)
		require.NoError(t, err)
		require.Equal(t, test.cfa, cfa, "pc %#x", test.pc)
	}

	_, err := tgt.FrameCFA(0x5000)
	var nofde *frame.ErrNoFDEForPC
	require.True(t, errors.As(err, &nofde), "got %v", err)
}

func TestVirtualFramePointer(t *testing.T) {
	tgt, _, _ := stoppedInF(t)

	reg, off, err := tgt.VirtualFramePointer(0x1002)
	require.NoError(t, err)
	require.Equal(t, uint64(regnum.AMD64_Rsp), reg)
	require.Equal(t, int64(16), off)

	reg, off, err = tgt.VirtualFramePointer(0x1010)
	require.NoError(t, err)
	require.Equal(t, uint64(regnum.AMD64_Rbp), reg)
	require.Equal(t, int64(16), off)

	_, _, err = tgt.VirtualFramePointer(0x3010)
	require.True(t, errors.Is(err, ErrCFANotRegisterOffset), "got %v", err)

	_, _, err = tgt.VirtualFramePointer(0x5000)
	require.Error(t, err)
}

func TestSetFrameCFA(t *testing.T) {
	tgt, regs, mem := stoppedInF(t)
	mem.put(0x8000, 0x8100)
	mem.put(0x8008, 0x2005)

	f, err := tgt.TopFrame()
	require.NoError(t, err)

	// the CFA of f is rbp+16, rbp is still in its register
	require.NoError(t, tgt.SetFrameCFA(f, 0x8010))
	require.Equal(t, uint64(0x8000), regs.Uint64Val(regnum.AMD64_Rbp))
	require.Equal(t, uint64(0x8010), f.CFA)
	require.Equal(t, uint64(0x2005), f.Ret)

	// the CFA of g is rbp+16, rbp was saved by f at 0x8000
	g, err := tgt.FrameChain(f)
	require.NoError(t, err)
	require.NoError(t, tgt.SetFrameCFA(g, 0x8200))
	require.Equal(t, uint64(0x81f0), mem.get(0x8000))
	require.Equal(t, uint64(0x8200), g.CFA)
	require.Equal(t, 1, g.Depth)

	nofde := &Stackframe{PC: 0x9000, ctx: &unwind.Context{}}
	require.Error(t, tgt.SetFrameCFA(nofde, 0x8000))
}

func TestSetFrameCFAExpression(t *testing.T) {
	mem := newFakeMemory(0x7fe0, 0x100)
	tgt := NewTarget(loadTestObject(t, testObject()), amd64Regs(0x3010, 0x7fe0, 0x7ff0), mem)

	f, err := tgt.TopFrame()
	require.NoError(t, err)
	require.Equal(t, uint64(0x7ff0), f.CFA)
	require.True(t, errors.Is(tgt.SetFrameCFA(f, 0x8000), ErrCFANotRegisterOffset))
	require.Equal(t, 0, mem.writes)
}

func TestStacktraceSignalFrame(t *testing.T) {
	eh := dwarfbuilder.NewEhFrame(binary.LittleEndian, 8, ehFrameAddr)
	cie := eh.AddCIE(dwarfbuilder.CIE{
		Augmentation: "zR",
		CodeAlign:    1,
		DataAlign:    -8,
		RAReg:        regnum.AMD64_Rip,
		PtrEnc:       dwarfbuilder.PtrEncPCRelSdata4,
		Instructions: dwarfbuilder.NewProgram().DefCFA(regnum.AMD64_Rsp, 8).Offset(regnum.AMD64_Rip, 1).Bytes(),
	})
	sigcie := eh.AddCIE(dwarfbuilder.CIE{
		Augmentation: "zRS",
		CodeAlign:    1,
		DataAlign:    -8,
		RAReg:        regnum.AMD64_Rip,
		PtrEnc:       dwarfbuilder.PtrEncPCRelSdata4,
		Instructions: dwarfbuilder.NewProgram().DefCFA(regnum.AMD64_Rsp, 0x20).Offset(regnum.AMD64_Rip, 2).Bytes(),
	})
	eh.AddFDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x1000, Size: 0x100})
	eh.AddFDE(dwarfbuilder.FDE{CIE: sigcie, Begin: 0x3000, Size: 0x100})
	eh.AddFDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x4000, Size: 0x100, Instructions: dwarfbuilder.NewProgram().Undefined(regnum.AMD64_Rip).Bytes()})
	eh.Terminator()

	mem := newFakeMemory(0x7fe0, 0x100)
	mem.put(0x7fe0, 0x3001)
	mem.put(0x7ff8, 0x4000)
	bi := loadTestObject(t, fakeObject{".eh_frame": {eh.Bytes(), ehFrameAddr}})
	tgt := NewTarget(bi, amd64Regs(0x1010, 0x7fe0, 0), mem)

	frames, err := tgt.Stacktrace(10)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	require.Equal(t, uint64(0x3001), frames[1].PC)
	require.Equal(t, uint64(0x4000), frames[2].PC)
	require.NotNil(t, frames[2].FDE)
	require.Equal(t, uint64(0x4000), frames[2].FDE.Begin())
	require.Equal(t, uint64(0x4000), frames[2].rulesPC())
	require.True(t, frames[2].Outermost())
}
