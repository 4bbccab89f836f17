package dwarfbuilder

import (
	"bytes"

	"github.com/go-delve/unwind/pkg/dwarf/leb128"
	"github.com/go-delve/unwind/pkg/dwarf/op"
)

// LocationBlock returns a DWARF expression corresponding to the list of
// arguments.
func LocationBlock(args ...interface{}) []byte {
	var buf bytes.Buffer
	for _, arg := range args {
		switch x := arg.(type) {
		case op.Opcode:
			buf.WriteByte(byte(x))
		case int:
			leb128.EncodeSigned(&buf, int64(x))
		case uint:
			leb128.EncodeUnsigned(&buf, uint64(x))
		case uint8:
			buf.WriteByte(x)
		case []byte:
			buf.Write(x)
		default:
			panic("unsupported value type")
		}
	}
	return buf.Bytes()
}
