package frame

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-delve/unwind/pkg/dwarf/dwarfbuilder"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
	"github.com/stretchr/testify/require"
)

// buildFDE returns the only FDE of a .debug_frame section made of one CIE
// with the given initial instructions and one FDE at 0x1000.
func buildFDE(t *testing.T, cieProg, fdeProg *dwarfbuilder.Program) *FrameDescriptionEntry {
	b := dwarfbuilder.NewDebugFrame(binary.LittleEndian, 8)
	cie := b.AddCIE(dwarfbuilder.CIE{CodeAlign: 1, DataAlign: -4, RAReg: 16, Instructions: cieProg.Bytes()})
	b.AddFDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x1000, Size: 0x100, Instructions: fdeProg.Bytes()})
	fdes, err := Parse(b.Bytes(), binary.LittleEndian, 0, 8, 0, DebugFrame)
	require.NoError(t, err)
	require.Len(t, fdes, 1)
	return fdes[0]
}

func TestEndToEnd(t *testing.T) {
	fde := buildFDE(t, dwarfbuilder.NewProgram().DefCFA(7, 16).Offset(6, 2), dwarfbuilder.NewProgram())

	fs, err := fde.EstablishFrame(0x1000, &Config{NumRegs: regnum.AMD64_NumRegs})
	require.NoError(t, err)
	require.Equal(t, DWRule{Rule: RuleCFA, Reg: 7, Offset: 16}, fs.CFA)
	require.Equal(t, DWRule{Rule: RuleOffset, Offset: -8}, fs.Regs[6])
	require.Equal(t, RuleUnsaved, fs.Regs[3].Rule)
	require.Len(t, fs.Regs, regnum.AMD64_NumRegs)
}

func TestAdvanceLoc(t *testing.T) {
	fde := buildFDE(t,
		dwarfbuilder.NewProgram().DefCFA(7, 8),
		dwarfbuilder.NewProgram().
			AdvanceLoc(4).DefCFAOffset(32).
			AdvanceLoc(0x100-4-1).DefCFAOffset(48))

	for _, test := range []struct {
		pc     uint64
		offset int64
	}{
		{0x1000, 8},
		{0x1003, 8},
		{0x1004, 32},
		{0x10fe, 32},
		{0x10ff, 48},
	} {
		fs, err := fde.EstablishFrame(test.pc, nil)
		require.NoError(t, err)
		require.Equal(t, test.offset, fs.CFA.Offset, "pc %#x", test.pc)
	}
}

func TestAdvanceLocForms(t *testing.T) {
	fde := buildFDE(t,
		dwarfbuilder.NewProgram().DefCFA(7, 8),
		dwarfbuilder.NewProgram().
			AdvanceLoc(0x80).DefCFAOffset(16).
			SetLoc(0x1090).DefCFAOffset(24))

	fs, err := fde.EstablishFrame(0x107f, nil)
	require.NoError(t, err)
	require.Equal(t, int64(8), fs.CFA.Offset)

	fs, err = fde.EstablishFrame(0x1080, nil)
	require.NoError(t, err)
	require.Equal(t, int64(16), fs.CFA.Offset)

	fs, err = fde.EstablishFrame(0x1090, nil)
	require.NoError(t, err)
	require.Equal(t, int64(24), fs.CFA.Offset)
}

func TestRememberRestore(t *testing.T) {
	fde := buildFDE(t,
		dwarfbuilder.NewProgram().DefCFA(7, 8).Offset(16, 2),
		dwarfbuilder.NewProgram().
			Offset(6, 4).
			RememberState().
			Offset(3, 6).Undefined(6).DefCFA(6, 16).Offset(100, 8).
			RememberState().
			DefCFAOffset(64).
			RestoreState().
			RestoreState())

	before, err := fde.EstablishFrame(0x1000, nil)
	require.NoError(t, err)

	// The same program without the balanced remember/restore block.
	ref := buildFDE(t, dwarfbuilder.NewProgram().DefCFA(7, 8).Offset(16, 2), dwarfbuilder.NewProgram().Offset(6, 4))
	want, err := ref.EstablishFrame(0x1000, nil)
	require.NoError(t, err)

	require.Equal(t, want.CFA, before.CFA)
	require.Equal(t, want.Regs, before.Regs)
}

func TestRestoreStateEmpty(t *testing.T) {
	fde := buildFDE(t, dwarfbuilder.NewProgram().DefCFA(7, 8), dwarfbuilder.NewProgram().RestoreState())
	_, err := fde.EstablishFrame(0x1000, nil)
	var merr *MalformedError
	require.True(t, errors.As(err, &merr), "got %v", err)
}

func TestRememberStackResetAfterCIE(t *testing.T) {
	fde := buildFDE(t,
		dwarfbuilder.NewProgram().DefCFA(7, 8).RememberState(),
		dwarfbuilder.NewProgram().RestoreState())
	_, err := fde.EstablishFrame(0x1000, nil)
	var merr *MalformedError
	require.True(t, errors.As(err, &merr), "got %v", err)
}

func TestRestore(t *testing.T) {
	fde := buildFDE(t,
		dwarfbuilder.NewProgram().DefCFA(7, 8).Offset(16, 2),
		dwarfbuilder.NewProgram().
			Offset(16, 4).Offset(6, 6).Offset(70, 2).
			AdvanceLoc(1).Restore(16).Restore(6).Restore(70))

	fs, err := fde.EstablishFrame(0x1000, nil)
	require.NoError(t, err)
	require.Equal(t, DWRule{Rule: RuleOffset, Offset: -16}, fs.Reg(16))
	require.Equal(t, DWRule{Rule: RuleOffset, Offset: -24}, fs.Reg(6))
	require.Equal(t, DWRule{Rule: RuleOffset, Offset: -8}, fs.Reg(70))

	fs, err = fde.EstablishFrame(0x1001, nil)
	require.NoError(t, err)
	require.Equal(t, DWRule{Rule: RuleOffset, Offset: -8}, fs.Reg(16))
	require.Equal(t, DWRule{}, fs.Reg(6))
	require.Equal(t, DWRule{}, fs.Reg(70))
}

func TestRules(t *testing.T) {
	expr := []byte{0x77, 0x08} // DW_OP_breg7 8
	fde := buildFDE(t,
		dwarfbuilder.NewProgram().DefCFASf(7, -4),
		dwarfbuilder.NewProgram().
			Register(3, 12).
			Undefined(16).
			SameValue(6).
			ValOffset(1, 2).
			ValOffsetSf(2, -2).
			OffsetExtendedSf(4, -3).
			NegativeOffsetExtended(5, 2).
			Expression(8, expr).
			ValExpression(9, expr).
			ArgsSize(32))

	fs, err := fde.EstablishFrame(0x1000, nil)
	require.NoError(t, err)
	require.Equal(t, DWRule{Rule: RuleCFA, Reg: 7, Offset: 16}, fs.CFA)
	require.Equal(t, DWRule{Rule: RuleRegister, Reg: 12}, fs.Reg(3))
	require.Equal(t, DWRule{Rule: RuleUndefined}, fs.Reg(16))
	require.Equal(t, DWRule{Rule: RuleUnsaved}, fs.Reg(6))
	require.Equal(t, DWRule{Rule: RuleValOffset, Offset: -8}, fs.Reg(1))
	require.Equal(t, DWRule{Rule: RuleValOffset, Offset: 8}, fs.Reg(2))
	require.Equal(t, DWRule{Rule: RuleOffset, Offset: 12}, fs.Reg(4))
	require.Equal(t, DWRule{Rule: RuleOffset, Offset: 8}, fs.Reg(5))
	require.Equal(t, DWRule{Rule: RuleExpression, Expression: expr}, fs.Reg(8))
	require.Equal(t, DWRule{Rule: RuleValExpression, Expression: expr}, fs.Reg(9))
	require.Equal(t, uint64(32), fs.ArgsSize)
}

func TestDefCFAExpression(t *testing.T) {
	expr := []byte{0x77, 0x08, 0x06} // DW_OP_breg7 8; DW_OP_deref
	fde := buildFDE(t,
		dwarfbuilder.NewProgram().DefCFA(7, 8),
		dwarfbuilder.NewProgram().DefCFAExpression(expr).AdvanceLoc(1).DefCFARegister(6))

	fs, err := fde.EstablishFrame(0x1000, nil)
	require.NoError(t, err)
	require.Equal(t, DWRule{Rule: RuleExpression, Expression: expr}, fs.CFA)

	fs, err = fde.EstablishFrame(0x1001, nil)
	require.NoError(t, err)
	require.Equal(t, DWRule{Rule: RuleCFA, Reg: 6}, fs.CFA)
}

func TestDeterminism(t *testing.T) {
	fde := buildFDE(t,
		dwarfbuilder.NewProgram().DefCFA(7, 8).Offset(16, 2),
		dwarfbuilder.NewProgram().AdvanceLoc(1).DefCFAOffset(16).Offset(6, 4).AdvanceLoc(3).DefCFARegister(6))

	fs := NewFrameState(nil)
	var prev *FrameState
	for i := 0; i < 3; i++ {
		require.NoError(t, fs.ExecuteUntilPC(fde, 0x1002))
		if prev != nil {
			require.Equal(t, prev.CFA, fs.CFA)
			require.Equal(t, prev.Regs, fs.Regs)
		}
		prev = &FrameState{CFA: fs.CFA, Regs: append([]DWRule(nil), fs.Regs...)}
		fs.Reset(nil)
	}
}

func TestUnknownOpcode(t *testing.T) {
	fde := buildFDE(t, dwarfbuilder.NewProgram().DefCFA(7, 8), dwarfbuilder.NewProgram().Offset(6, 2).Raw(0x17))
	_, err := fde.EstablishFrame(0x1000, nil)
	var uerr *UnknownOpcodeError
	require.True(t, errors.As(err, &uerr), "got %v", err)
	require.Equal(t, byte(0x17), uerr.Opcode)
	require.Equal(t, 2, uerr.Offset)
}

func TestVendorOpcode(t *testing.T) {
	fde := buildFDE(t,
		dwarfbuilder.NewProgram().DefCFA(7, 8),
		dwarfbuilder.NewProgram().Offset(6, 2).Raw(0x1d).Offset(3, 4))
	fs, err := fde.EstablishFrame(0x1000, nil)
	require.NoError(t, err)
	require.Equal(t, DWRule{Rule: RuleOffset, Offset: -8}, fs.Reg(6))
	require.Equal(t, DWRule{}, fs.Reg(3))
}

func TestTruncatedInstruction(t *testing.T) {
	fde := buildFDE(t, dwarfbuilder.NewProgram().DefCFA(7, 8), dwarfbuilder.NewProgram().Raw(0x0c, 0x07))
	_, err := fde.EstablishFrame(0x1000, nil)
	var merr *MalformedError
	require.True(t, errors.As(err, &merr), "got %v", err)
}

func TestWindowSave(t *testing.T) {
	fde := buildFDE(t, dwarfbuilder.NewProgram().DefCFA(regnum.SPARC64_FP, 0), dwarfbuilder.NewProgram().WindowSave())

	fs, err := fde.EstablishFrame(0x1000, nil)
	require.NoError(t, err)
	require.Equal(t, DWRule{}, fs.Reg(regnum.SPARC64_L0))

	fs, err = fde.EstablishFrame(0x1000, &Config{WindowSave: SPARCWindowSave})
	require.NoError(t, err)
	for reg := uint64(regnum.SPARC64_L0); reg < regnum.SPARC64_NumRegs; reg++ {
		require.Equal(t, DWRule{Rule: RuleOffset, Offset: int64(reg-regnum.SPARC64_L0) * 8}, fs.Reg(reg))
	}

	fs, err = fde.EstablishFrame(0x1000, &Config{WindowSave: AArch64NegateRAState})
	require.NoError(t, err)
	require.True(t, fs.RAMangled)
	require.Equal(t, DWRule{}, fs.Reg(regnum.SPARC64_L0))
}

func TestSetLocRelative(t *testing.T) {
	b := dwarfbuilder.NewEhFrame(binary.LittleEndian, 8, 0)
	cie := b.AddCIE(dwarfbuilder.CIE{
		Augmentation: "zR",
		CodeAlign:    1,
		DataAlign:    -8,
		RAReg:        16,
		PtrEnc:       0x14, // pcrel|udata8
		Instructions: dwarfbuilder.NewProgram().DefCFA(7, 8).Bytes(),
	})
	b.AddFDE(dwarfbuilder.FDE{CIE: cie, Begin: 0x1000, Size: 0x100, Instructions: dwarfbuilder.NewProgram().SetLoc(0x1010).DefCFAOffset(16).Bytes()})
	fdes, err := Parse(b.Bytes(), binary.LittleEndian, 0, 8, 0, EhFrame)
	require.NoError(t, err)
	require.Len(t, fdes, 1)

	logger := newWarningLogger()
	fs, err := fdes[0].EstablishFrame(0x1010, &Config{Logger: logger})
	require.NoError(t, err)
	require.Equal(t, int64(16), fs.CFA.Offset)
	require.Equal(t, uint64(0x1010), fs.Loc())
	logger.requireWarning(t, "DW_CFA_set_loc with non absolute pointer encoding")
}
