package regnum

import (
	"fmt"
	"strings"
)

// The mapping between hardware registers and DWARF registers is specified
// in the System V ABI AMD64 Architecture Processor Supplement v. 1.0 page 61,
// figure 3.36
// https://gitlab.com/x86-psABIs/x86-64-ABI/-/tree/master

const (
	AMD64_Rax    = 0
	AMD64_Rdx    = 1
	AMD64_Rcx    = 2
	AMD64_Rbx    = 3
	AMD64_Rsi    = 4
	AMD64_Rdi    = 5
	AMD64_Rbp    = 6
	AMD64_Rsp    = 7
	AMD64_R8     = 8 // R9 through R15 follow
	AMD64_Rip    = 16
	AMD64_XMM0   = 17 // XMM1 through XMM15 follow
	AMD64_ST0    = 33 // ST(1) through ST(7) follow
	AMD64_Rflags = 49

	// AMD64_NumRegs covers the integer, vector, x87 and flags registers,
	// which is everything call frame information refers to in practice.
	AMD64_NumRegs = AMD64_Rflags + 1
)

var amd64GPNames = [...]string{"Rax", "Rdx", "Rcx", "Rbx", "Rsi", "Rdi", "Rbp", "Rsp"}

// AMD64ToName returns the name of DWARF register num.
func AMD64ToName(num uint64) string {
	switch {
	case num < AMD64_R8:
		return amd64GPNames[num]
	case num < AMD64_Rip:
		return fmt.Sprintf("R%d", num)
	case num == AMD64_Rip:
		return "Rip"
	case num >= AMD64_XMM0 && num < AMD64_ST0:
		return fmt.Sprintf("XMM%d", num-AMD64_XMM0)
	case num >= AMD64_ST0 && num < AMD64_ST0+8:
		return fmt.Sprintf("ST(%d)", num-AMD64_ST0)
	case num == AMD64_Rflags:
		return "Rflags"
	}
	return fmt.Sprintf("unknown%d", num)
}

// AMD64NameToDwarf maps lower case register names to DWARF register numbers.
var AMD64NameToDwarf = func() map[string]int {
	r := make(map[string]int)
	for i := 0; i < AMD64_NumRegs; i++ {
		name := AMD64ToName(uint64(i))
		if strings.HasPrefix(name, "unknown") {
			continue
		}
		r[strings.ToLower(name)] = i
	}
	r["eflags"] = AMD64_Rflags
	for i := 0; i < 8; i++ {
		r[fmt.Sprintf("st%d", i)] = AMD64_ST0 + i
	}
	return r
}()
