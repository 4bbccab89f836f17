package regnum

import (
	"fmt"
	"strings"
)

// SPARC DWARF register numbers follow the hardware numbering of the
// current register window: %g0-%g7, %o0-%o7, %l0-%l7, %i0-%i7.

const (
	SPARC64_G0 = 0
	SPARC64_O0 = 8
	SPARC64_SP = 14 // %o6
	SPARC64_O7 = 15 // return address of a call
	SPARC64_L0 = 16 // first register saved by a window save
	SPARC64_I0 = 24
	SPARC64_FP = 30 // %i6
	SPARC64_I7 = 31

	SPARC64_NumRegs = 32
)

var sparcBanks = [...]string{"g", "o", "l", "i"}

// SPARC64ToName returns the name of DWARF register num.
func SPARC64ToName(num uint64) string {
	if num < SPARC64_NumRegs {
		return fmt.Sprintf("%s%d", sparcBanks[num/8], num%8)
	}
	return fmt.Sprintf("unknown%d", num)
}

// SPARC64NameToDwarf maps register names to DWARF register numbers.
var SPARC64NameToDwarf = func() map[string]int {
	r := make(map[string]int)
	for i := 0; i < SPARC64_NumRegs; i++ {
		r[strings.ToLower(SPARC64ToName(uint64(i)))] = i
	}
	r["sp"] = SPARC64_SP
	r["fp"] = SPARC64_FP
	return r
}()
