package frame

import "fmt"

// MalformedError is returned when the call frame information is
// truncated or inconsistent.
type MalformedError struct {
	Offset uint64 // section offset of the record or instruction
	Err    error
}

func (err *MalformedError) Error() string {
	return fmt.Sprintf("malformed call frame information at %#x: %v", err.Offset, err.Err)
}

func (err *MalformedError) Unwrap() error {
	return err.Err
}

// UnknownOpcodeError is returned when a call frame program contains an
// instruction that is not part of the DWARF standard.
type UnknownOpcodeError struct {
	Opcode byte
	Offset int // offset inside the program
}

func (err *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown DWARF CFA opcode %#x at program offset %#x", err.Opcode, err.Offset)
}
