package unwind

// RegisterStore gives access to the registers of the stopped thread, by
// DWARF register number.
type RegisterStore interface {
	Register(regnum uint64) ([]byte, error)
	SetRegister(regnum uint64, value []byte) error
}

// MemoryReadWriter gives access to the memory of the target.
type MemoryReadWriter interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
	WriteMemory(addr uint64, data []byte) (written int, err error)
}
