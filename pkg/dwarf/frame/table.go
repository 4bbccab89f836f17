package frame

import (
	"errors"
	"fmt"

	"github.com/go-delve/unwind/pkg/dwarf/util"
	"github.com/go-delve/unwind/pkg/logflags"
)

// DWRule wrapper of rule defined for register values.
type DWRule struct {
	Rule       Rule
	Offset     int64
	Reg        uint64
	Expression []byte
}

func (rule DWRule) String() string {
	switch rule.Rule {
	case RuleUnsaved:
		return "unsaved"
	case RuleUndefined:
		return "undefined"
	case RuleOffset:
		return fmt.Sprintf("[cfa%+d]", rule.Offset)
	case RuleValOffset:
		return fmt.Sprintf("cfa%+d", rule.Offset)
	case RuleRegister:
		return fmt.Sprintf("r%d", rule.Reg)
	case RuleExpression:
		return fmt.Sprintf("[expr %x]", rule.Expression)
	case RuleValExpression:
		return fmt.Sprintf("expr %x", rule.Expression)
	case RuleCFA:
		return fmt.Sprintf("r%d%+d", rule.Reg, rule.Offset)
	}
	return fmt.Sprintf("rule(%d)", rule.Rule)
}

// Rule rule defined for register values.
type Rule byte

const (
	RuleUnsaved       Rule = iota // value is the one the register has in the callee (DW_CFA_same_value)
	RuleUndefined                 // value can not be recovered
	RuleOffset                    // value is stored at CFA + Offset
	RuleValOffset                 // value is CFA + Offset
	RuleRegister                  // value is stored in register Reg
	RuleExpression                // value is stored at the address computed by Expression
	RuleValExpression             // value is computed by Expression
	RuleCFA                       // CFA only: value is Reg + Offset
)

// Instructions used to recreate the table from the .debug_frame data.
const (
	DW_CFA_nop                          = 0x0  // No ops
	DW_CFA_set_loc                      = 0x01 // op1: address
	DW_CFA_advance_loc1                 = 0x02 // op1: 1-bytes delta
	DW_CFA_advance_loc2                 = 0x03 // op1: 2-byte delta
	DW_CFA_advance_loc4                 = 0x04 // op1: 4-byte delta
	DW_CFA_offset_extended              = 0x05 // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_restore_extended             = 0x06 // op1: ULEB128 register
	DW_CFA_undefined                    = 0x07 // op1: ULEB128 register
	DW_CFA_same_value                   = 0x08 // op1: ULEB128 register
	DW_CFA_register                     = 0x09 // op1: ULEB128 register, op2: ULEB128 register
	DW_CFA_remember_state               = 0x0a // No ops
	DW_CFA_restore_state                = 0x0b // No ops
	DW_CFA_def_cfa                      = 0x0c // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_def_cfa_register             = 0x0d // op1: ULEB128 register
	DW_CFA_def_cfa_offset               = 0x0e // op1: ULEB128 offset
	DW_CFA_def_cfa_expression           = 0x0f // op1: BLOCK
	DW_CFA_expression                   = 0x10 // op1: ULEB128 register, op2: BLOCK
	DW_CFA_offset_extended_sf           = 0x11 // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_sf                   = 0x12 // op1: ULEB128 register, op2: SLEB128 offset
	DW_CFA_def_cfa_offset_sf            = 0x13 // op1: SLEB128 offset
	DW_CFA_val_offset                   = 0x14 // op1: ULEB128, op2: ULEB128
	DW_CFA_val_offset_sf                = 0x15 // op1: ULEB128, op2: SLEB128
	DW_CFA_val_expression               = 0x16 // op1: ULEB128, op2: BLOCK
	DW_CFA_lo_user                      = 0x1c
	DW_CFA_GNU_window_save              = 0x2d // No ops
	DW_CFA_GNU_args_size                = 0x2e // op1: ULEB128 size
	DW_CFA_GNU_negative_offset_extended = 0x2f // op1: ULEB128 register, op2: ULEB128 offset
	DW_CFA_hi_user                      = 0x3f
	DW_CFA_advance_loc                  = (0x1 << 6) // High 2 bits: 0x1, low 6: delta
	DW_CFA_offset                       = (0x2 << 6) // High 2 bits: 0x2, low 6: register
	DW_CFA_restore                      = (0x3 << 6) // High 2 bits: 0x3, low 6: register
)

const low_6_offset = 0x3f

// maxRegNum bounds the register numbers accepted from call frame programs.
const maxRegNum = 1 << 12

// Config holds the target dependent parameters of call frame program
// execution.
type Config struct {
	// NumRegs is the initial size of the register rule table, it grows if
	// a program refers to higher register numbers.
	NumRegs int
	// WindowSave implements DW_CFA_GNU_window_save. If nil the
	// instruction is ignored with a warning.
	WindowSave WindowSavePolicy
	Logger     logflags.Logger
}

// FrameState is the row of the call frame table that applies to an
// address: the CFA rule and one rule per register.
type FrameState struct {
	loc     uint64
	address uint64
	CFA     DWRule
	Regs    []DWRule

	RetAddrReg uint64
	// ArgsSize is the value of the last DW_CFA_GNU_args_size.
	ArgsSize uint64
	// RAMangled is toggled by the AArch64 pointer authentication policy.
	RAMangled bool

	initialRegs     []DWRule
	buf             *util.Cursor
	cie             *CommonInformationEntry
	codeAlignment   uint64
	dataAlignment   int64
	ptrEnc          util.PtrEnc
	rememberedState stateStack

	windowSave WindowSavePolicy
	logger     logflags.Logger
}

type rowState struct {
	cfa  DWRule
	regs []DWRule
}

// stateStack is a stack where `DW_CFA_remember_state` pushes
// its CFA and registers state and `DW_CFA_restore_state`
// pops them. Popped slots keep their register slice for reuse.
type stateStack struct {
	items []rowState
}

func (stack *stateStack) push(cfa DWRule, regs []DWRule) {
	if len(stack.items) < cap(stack.items) {
		stack.items = stack.items[:len(stack.items)+1]
	} else {
		stack.items = append(stack.items, rowState{})
	}
	top := &stack.items[len(stack.items)-1]
	top.cfa = cfa
	top.regs = append(top.regs[:0], regs...)
}

func (stack *stateStack) pop() (*rowState, bool) {
	if len(stack.items) == 0 {
		return nil, false
	}
	restored := &stack.items[len(stack.items)-1]
	stack.items = stack.items[:len(stack.items)-1]
	return restored, true
}

func (stack *stateStack) reset() {
	stack.items = stack.items[:0]
}

// NewFrameState returns an empty FrameState configured by cfg.
func NewFrameState(cfg *Config) *FrameState {
	frame := &FrameState{}
	frame.Reset(cfg)
	return frame
}

// Reset clears frame so that it can be reused for another query,
// keeping its allocations.
func (frame *FrameState) Reset(cfg *Config) {
	if cfg == nil {
		cfg = &Config{}
	}
	frame.loc, frame.address = 0, 0
	frame.CFA = DWRule{Rule: RuleUndefined}
	frame.Regs = frame.Regs[:0]
	for i := 0; i < cfg.NumRegs; i++ {
		frame.Regs = append(frame.Regs, DWRule{})
	}
	frame.initialRegs = frame.initialRegs[:0]
	frame.RetAddrReg, frame.ArgsSize, frame.RAMangled = 0, 0, false
	frame.cie = nil
	frame.rememberedState.reset()
	frame.windowSave = cfg.WindowSave
	frame.logger = cfg.Logger
	if frame.logger == nil {
		frame.logger = logflags.FrameLogger()
	}
}

// Loc returns the address of the row described by frame.
func (frame *FrameState) Loc() uint64 { return frame.loc }

// Address returns the address frame was computed for.
func (frame *FrameState) Address() uint64 { return frame.address }

// CIE returns the CIE whose constants seeded frame.
func (frame *FrameState) CIE() *CommonInformationEntry { return frame.cie }

// Reg returns the rule for register reg.
func (frame *FrameState) Reg(reg uint64) DWRule {
	if reg >= uint64(len(frame.Regs)) {
		return DWRule{}
	}
	return frame.Regs[reg]
}

func (frame *FrameState) setReg(reg uint64, rule DWRule) error {
	if reg >= maxRegNum {
		return fmt.Errorf("register number %d out of range", reg)
	}
	for uint64(len(frame.Regs)) <= reg {
		frame.Regs = append(frame.Regs, DWRule{})
	}
	frame.Regs[reg] = rule
	return nil
}

func (frame *FrameState) initialRule(reg uint64) DWRule {
	if reg < uint64(len(frame.initialRegs)) {
		return frame.initialRegs[reg]
	}
	return DWRule{}
}

func (frame *FrameState) seed(cie *CommonInformationEntry) {
	frame.cie = cie
	frame.RetAddrReg = cie.ReturnAddressRegister
	frame.codeAlignment = cie.CodeAlignmentFactor
	frame.dataAlignment = cie.DataAlignmentFactor
	frame.ptrEnc = cie.ptrEncAddr
	if frame.buf == nil {
		frame.buf = util.NewCursor(nil, cie.order, cie.ptrSize)
	} else {
		*frame.buf = *util.NewCursor(nil, cie.order, cie.ptrSize)
	}
	frame.buf.SetWarner(frame.logger)
}

// ExecuteUntilPC executes the program of fde's CIE and then the program
// of fde, stopping at the first instruction that would move the row past
// pc. The remember stack does not carry over from the CIE program to the
// FDE program.
func (frame *FrameState) ExecuteUntilPC(fde *FrameDescriptionEntry, pc uint64) error {
	frame.seed(fde.CIE)
	frame.loc = fde.Begin()
	frame.address = pc

	if err := frame.execute(fde.CIE.InitialInstructions); err != nil {
		return err
	}
	frame.initialRegs = append(frame.initialRegs[:0], frame.Regs...)
	frame.rememberedState.reset()

	err := frame.execute(fde.Instructions)
	frame.rememberedState.reset()
	return err
}

// errStopProgram ends the current program without failing the query.
var errStopProgram = errors.New("stop program")

func (frame *FrameState) execute(instructions []byte) error {
	frame.buf.Reset(instructions)

	// We only need to execute the instructions until
	// ctx.loc > ctx.address (which is the address we
	// are currently at in the traced process).
	for frame.address >= frame.loc && !frame.buf.Empty() {
		err := executeDwarfInstruction(frame)
		if err == errStopProgram {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type instruction func(frame *FrameState, opcode byte) error

// Mapping from DWARF opcode to function.
var fnlookup = map[byte]instruction{
	DW_CFA_advance_loc:                  advanceloc,
	DW_CFA_offset:                       offset,
	DW_CFA_restore:                      restore,
	DW_CFA_set_loc:                      setloc,
	DW_CFA_advance_loc1:                 advanceloc1,
	DW_CFA_advance_loc2:                 advanceloc2,
	DW_CFA_advance_loc4:                 advanceloc4,
	DW_CFA_offset_extended:              offsetextended,
	DW_CFA_restore_extended:             restoreextended,
	DW_CFA_undefined:                    undefined,
	DW_CFA_same_value:                   samevalue,
	DW_CFA_register:                     register,
	DW_CFA_remember_state:               rememberstate,
	DW_CFA_restore_state:                restorestate,
	DW_CFA_def_cfa:                      defcfa,
	DW_CFA_def_cfa_register:             defcfaregister,
	DW_CFA_def_cfa_offset:               defcfaoffset,
	DW_CFA_def_cfa_expression:           defcfaexpression,
	DW_CFA_expression:                   expression,
	DW_CFA_offset_extended_sf:           offsetextendedsf,
	DW_CFA_def_cfa_sf:                   defcfasf,
	DW_CFA_def_cfa_offset_sf:            defcfaoffsetsf,
	DW_CFA_val_offset:                   valoffset,
	DW_CFA_val_offset_sf:                valoffsetsf,
	DW_CFA_val_expression:               valexpression,
	DW_CFA_GNU_window_save:              windowsave,
	DW_CFA_GNU_args_size:                argssize,
	DW_CFA_GNU_negative_offset_extended: negativeoffsetextended,
}

func executeDwarfInstruction(frame *FrameState) error {
	off := frame.buf.Offset()
	instruction, err := frame.buf.ReadByte()
	if err != nil {
		return &MalformedError{Offset: uint64(off), Err: err}
	}

	if instruction == DW_CFA_nop {
		return nil
	}

	fn := lookupFunc(instruction)
	if fn == nil {
		if instruction >= DW_CFA_lo_user && instruction <= DW_CFA_hi_user {
			frame.logger.Warnf("unsupported vendor CFA opcode %#x at program offset %#x, ignoring the rest of the program", instruction, off)
			return errStopProgram
		}
		return &UnknownOpcodeError{Opcode: instruction, Offset: off}
	}

	if err := fn(frame, instruction); err != nil {
		return &MalformedError{Offset: uint64(off), Err: err}
	}
	return nil
}

func lookupFunc(instruction byte) instruction {
	const high_2_bits = 0xc0

	// Special case the 3 opcodes that have their argument encoded in the opcode itself.
	if hi := instruction & high_2_bits; hi != 0 {
		instruction = hi
	}

	return fnlookup[instruction]
}

func (frame *FrameState) advance(delta uint64) {
	frame.loc += delta * frame.codeAlignment
}

func advanceloc(frame *FrameState, opcode byte) error {
	frame.advance(uint64(opcode & low_6_offset))
	return nil
}

func advanceloc1(frame *FrameState, _ byte) error {
	delta, err := frame.buf.Uint8()
	if err != nil {
		return err
	}
	frame.advance(uint64(delta))
	return nil
}

func advanceloc2(frame *FrameState, _ byte) error {
	delta, err := frame.buf.Uint16()
	if err != nil {
		return err
	}
	frame.advance(uint64(delta))
	return nil
}

func advanceloc4(frame *FrameState, _ byte) error {
	delta, err := frame.buf.Uint32()
	if err != nil {
		return err
	}
	frame.advance(uint64(delta))
	return nil
}

func offset(frame *FrameState, opcode byte) error {
	offset, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	return frame.setReg(uint64(opcode&low_6_offset), DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleOffset})
}

func restore(frame *FrameState, opcode byte) error {
	reg := uint64(opcode & low_6_offset)
	return frame.setReg(reg, frame.initialRule(reg))
}

func setloc(frame *FrameState, _ byte) error {
	if frame.ptrEnc.Application() != 0 {
		frame.logger.Warnf("DW_CFA_set_loc with non absolute pointer encoding %s", frame.ptrEnc)
	}
	loc, err := frame.buf.PointerValue(frame.ptrEnc)
	if err != nil {
		return err
	}
	frame.loc = loc + frame.cie.staticBase
	return nil
}

func offsetextended(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	offset, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	return frame.setReg(reg, DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleOffset})
}

func undefined(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	return frame.setReg(reg, DWRule{Rule: RuleUndefined})
}

func samevalue(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	return frame.setReg(reg, DWRule{Rule: RuleUnsaved})
}

func register(frame *FrameState, _ byte) error {
	reg1, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	reg2, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	return frame.setReg(reg1, DWRule{Reg: reg2, Rule: RuleRegister})
}

func rememberstate(frame *FrameState, _ byte) error {
	frame.rememberedState.push(frame.CFA, frame.Regs)
	return nil
}

func restorestate(frame *FrameState, _ byte) error {
	restored, ok := frame.rememberedState.pop()
	if !ok {
		return errors.New("DW_CFA_restore_state without matching DW_CFA_remember_state")
	}

	frame.CFA = restored.cfa
	frame.Regs = append(frame.Regs[:0], restored.regs...)
	return nil
}

func restoreextended(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	return frame.setReg(reg, frame.initialRule(reg))
}

func defcfa(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	offset, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}

	frame.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: int64(offset)}
	return nil
}

func defcfaregister(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	if frame.CFA.Rule == RuleExpression {
		frame.logger.Warnf("DW_CFA_def_cfa_register used with an expression CFA rule")
		frame.CFA.Offset = 0
	}
	frame.CFA.Rule = RuleCFA
	frame.CFA.Reg = reg
	frame.CFA.Expression = nil
	return nil
}

func (frame *FrameState) setCFAOffset(offset int64) {
	if frame.CFA.Rule != RuleCFA {
		frame.logger.Warnf("CFA offset changed while the CFA rule is %s", frame.CFA)
	}
	frame.CFA.Offset = offset
}

func defcfaoffset(frame *FrameState, _ byte) error {
	offset, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	frame.setCFAOffset(int64(offset))
	return nil
}

func defcfasf(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	offset, err := frame.buf.SLEB128()
	if err != nil {
		return err
	}

	frame.CFA = DWRule{Rule: RuleCFA, Reg: reg, Offset: offset * frame.dataAlignment}
	return nil
}

func defcfaoffsetsf(frame *FrameState, _ byte) error {
	offset, err := frame.buf.SLEB128()
	if err != nil {
		return err
	}
	frame.setCFAOffset(offset * frame.dataAlignment)
	return nil
}

func (frame *FrameState) block() ([]byte, error) {
	l, err := frame.buf.ULEB128()
	if err != nil {
		return nil, err
	}
	if l > uint64(frame.buf.Len()) {
		return nil, fmt.Errorf("expression of %d bytes exceeds the program", l)
	}
	return frame.buf.Bytes(int(l))
}

func defcfaexpression(frame *FrameState, _ byte) error {
	expr, err := frame.block()
	if err != nil {
		return err
	}

	frame.CFA = DWRule{Rule: RuleExpression, Expression: expr}
	return nil
}

func expression(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	expr, err := frame.block()
	if err != nil {
		return err
	}
	return frame.setReg(reg, DWRule{Rule: RuleExpression, Expression: expr})
}

func offsetextendedsf(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	offset, err := frame.buf.SLEB128()
	if err != nil {
		return err
	}
	return frame.setReg(reg, DWRule{Offset: offset * frame.dataAlignment, Rule: RuleOffset})
}

func valoffset(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	offset, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	return frame.setReg(reg, DWRule{Offset: int64(offset) * frame.dataAlignment, Rule: RuleValOffset})
}

func valoffsetsf(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	offset, err := frame.buf.SLEB128()
	if err != nil {
		return err
	}
	return frame.setReg(reg, DWRule{Offset: offset * frame.dataAlignment, Rule: RuleValOffset})
}

func valexpression(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	expr, err := frame.block()
	if err != nil {
		return err
	}
	return frame.setReg(reg, DWRule{Rule: RuleValExpression, Expression: expr})
}

func windowsave(frame *FrameState, _ byte) error {
	if frame.windowSave == nil {
		frame.logger.Warnf("DW_CFA_GNU_window_save without a window save policy, ignoring it")
		return nil
	}
	return frame.windowSave(frame)
}

func argssize(frame *FrameState, _ byte) error {
	size, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	frame.ArgsSize = size
	return nil
}

func negativeoffsetextended(frame *FrameState, _ byte) error {
	reg, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	offset, err := frame.buf.ULEB128()
	if err != nil {
		return err
	}
	return frame.setReg(reg, DWRule{Offset: -int64(offset) * frame.dataAlignment, Rule: RuleOffset})
}
