package frame

import "github.com/go-delve/unwind/pkg/dwarf/regnum"

// WindowSavePolicy implements DW_CFA_GNU_window_save for an
// architecture. The opcode is shared by unrelated vendor extensions so
// the interpreter leaves its meaning to the caller.
type WindowSavePolicy func(frame *FrameState) error

// SPARCWindowSave saves the sixteen local and in registers of the
// register window at consecutive pointer sized slots starting at the CFA.
func SPARCWindowSave(frame *FrameState) error {
	ptrSize := int64(8)
	if frame.cie != nil && frame.cie.ptrSize != 0 {
		ptrSize = int64(frame.cie.ptrSize)
	}
	for reg := uint64(regnum.SPARC64_L0); reg < regnum.SPARC64_NumRegs; reg++ {
		rule := DWRule{Rule: RuleOffset, Offset: int64(reg-regnum.SPARC64_L0) * ptrSize}
		if err := frame.setReg(reg, rule); err != nil {
			return err
		}
	}
	return nil
}

// AArch64NegateRAState implements DW_CFA_AARCH64_negate_ra_state, which
// reuses the window save opcode to toggle whether the return address is
// signed with pointer authentication.
func AArch64NegateRAState(frame *FrameState) error {
	frame.RAMangled = !frame.RAMangled
	return nil
}
