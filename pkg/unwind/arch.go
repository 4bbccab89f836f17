package unwind

import (
	"encoding/binary"

	"github.com/go-delve/unwind/pkg/dwarf/frame"
	"github.com/go-delve/unwind/pkg/dwarf/regnum"
	"github.com/go-delve/unwind/pkg/logflags"
)

// Arch describes the target properties the engine needs.
type Arch struct {
	Name      string
	PtrSize   int
	ByteOrder binary.ByteOrder

	PCRegNum uint64
	SPRegNum uint64
	BPRegNum uint64
	// NumRegs is the number of DWARF registers tracked in a Context.
	NumRegs int

	// WindowSave implements DW_CFA_GNU_window_save, nil if the
	// architecture does not use it.
	WindowSave frame.WindowSavePolicy
	// RAOffset is added to the value of the return address register to
	// obtain the address execution resumes at.
	RAOffset uint64
	// StripRA removes pointer authentication bits from a signed return
	// address.
	StripRA func(ra uint64) uint64

	RegName func(uint64) string
	// NameToDwarf maps lower case register names to DWARF numbers.
	NameToDwarf map[string]int
}

// AMD64Arch returns the description of amd64.
func AMD64Arch() *Arch {
	return &Arch{
		Name:        "amd64",
		PtrSize:     8,
		ByteOrder:   binary.LittleEndian,
		PCRegNum:    regnum.AMD64_Rip,
		SPRegNum:    regnum.AMD64_Rsp,
		BPRegNum:    regnum.AMD64_Rbp,
		NumRegs:     regnum.AMD64_NumRegs,
		RegName:     regnum.AMD64ToName,
		NameToDwarf: regnum.AMD64NameToDwarf,
	}
}

// ARM64Arch returns the description of arm64. Return addresses signed with
// pointer authentication are stripped assuming 48 bit virtual addresses.
func ARM64Arch() *Arch {
	return &Arch{
		Name:        "arm64",
		PtrSize:     8,
		ByteOrder:   binary.LittleEndian,
		PCRegNum:    regnum.ARM64_PC,
		SPRegNum:    regnum.ARM64_SP,
		BPRegNum:    regnum.ARM64_BP,
		NumRegs:     regnum.ARM64_NumRegs,
		WindowSave:  frame.AArch64NegateRAState,
		StripRA:     func(ra uint64) uint64 { return ra & (1<<48 - 1) },
		RegName:     regnum.ARM64ToName,
		NameToDwarf: regnum.ARM64NameToDwarf,
	}
}

// SPARC64Arch returns the description of sparc64. Calls store the address
// of the call instruction itself in the return address register, execution
// resumes after the call and its delay slot.
func SPARC64Arch() *Arch {
	return &Arch{
		Name:        "sparc64",
		PtrSize:     8,
		ByteOrder:   binary.BigEndian,
		PCRegNum:    regnum.SPARC64_NumRegs, // no DWARF number, stored past the window
		SPRegNum:    regnum.SPARC64_SP,
		BPRegNum:    regnum.SPARC64_FP,
		NumRegs:     regnum.SPARC64_NumRegs,
		WindowSave:  frame.SPARCWindowSave,
		RAOffset:    8,
		RegName:     regnum.SPARC64ToName,
		NameToDwarf: regnum.SPARC64NameToDwarf,
	}
}

// ArchByName returns the description of the named architecture or nil.
func ArchByName(name string) *Arch {
	switch name {
	case "amd64", "x86_64":
		return AMD64Arch()
	case "arm64", "aarch64":
		return ARM64Arch()
	case "sparc64", "sparcv9":
		return SPARC64Arch()
	}
	return nil
}

func (arch *Arch) frameConfig(logger logflags.Logger) *frame.Config {
	return &frame.Config{NumRegs: arch.NumRegs, WindowSave: arch.WindowSave, Logger: logger}
}

// returnAddress converts the value of the return address register into the
// address of the next instruction to execute in the caller.
func (arch *Arch) returnAddress(v uint64, mangled bool) uint64 {
	if mangled && arch.StripRA != nil {
		v = arch.StripRA(v)
	}
	if v == 0 {
		return 0
	}
	return v + arch.RAOffset
}
