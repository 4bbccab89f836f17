package regnum

import (
	"fmt"
	"strings"
)

// The mapping between hardware registers and DWARF registers is specified
// in the DWARF for the ARM® Architecture page 7,
// Table 1
// http://infocenter.arm.com/help/topic/com.arm.doc.ihi0040b/IHI0040B_aadwarf.pdf

const (
	ARM64_X0 = 0  // X1 through X30 follow
	ARM64_BP = 29 // also X29
	ARM64_LR = 30 // also X30
	ARM64_SP = 31
	ARM64_PC = 32
	ARM64_V0 = 64 // V1 through V31 follow

	ARM64_NumRegs = ARM64_V0 + 32
)

// ARM64ToName returns the name of DWARF register num.
func ARM64ToName(num uint64) string {
	switch {
	case num <= 30:
		return fmt.Sprintf("X%d", num)
	case num == ARM64_SP:
		return "SP"
	case num == ARM64_PC:
		return "PC"
	case num >= ARM64_V0 && num < ARM64_NumRegs:
		return fmt.Sprintf("V%d", num-ARM64_V0)
	default:
		return fmt.Sprintf("unknown%d", num)
	}
}

// ARM64NameToDwarf maps lower case register names to DWARF register numbers.
var ARM64NameToDwarf = func() map[string]int {
	r := make(map[string]int)
	for i := 0; i <= ARM64_PC; i++ {
		r[strings.ToLower(ARM64ToName(uint64(i)))] = i
	}
	for i := 0; i < 32; i++ {
		r[fmt.Sprintf("v%d", i)] = ARM64_V0 + i
	}
	r["fp"] = ARM64_BP
	r["lr"] = ARM64_LR
	return r
}()
