package op

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-delve/unwind/pkg/dwarf/util"
)

// Opcode represent a DWARF stack program instruction.
// See ./opcodes.go for a full list.
type Opcode byte

func (opcode Opcode) String() string {
	if name, ok := opcodeName[opcode]; ok {
		return name
	}
	return fmt.Sprintf("DW_OP_%#x", byte(opcode))
}

const (
	// maxStackDepth is the size of the evaluation stack.
	maxStackDepth = 64
	// maxSteps bounds the number of instructions executed by one
	// program, branches can create loops.
	maxSteps = 1 << 16
)

// Context provides the state of the target that stack programs can
// observe.
type Context interface {
	// RegisterValue returns the value of DWARF register regnum.
	RegisterValue(regnum uint64) (uint64, error)
	ReadMemory(buf []byte, addr uint64) (int, error)
	PtrSize() int
	ByteOrder() binary.ByteOrder
	// StaticBase is added to the operand of DW_OP_addr.
	StaticBase() uint64
	// CFA returns the value pushed by DW_OP_call_frame_cfa.
	CFA() (uint64, error)
}

// MachineError is returned when a program violates the limits of the
// evaluator: stack overflow, stack underflow or too many steps.
type MachineError struct {
	Op     Opcode
	Offset int
	Reason string
}

func (err *MachineError) Error() string {
	return fmt.Sprintf("%s at %#x: %s", err.Op, err.Offset, err.Reason)
}

// DecodeError is returned when a program is malformed: truncated operands,
// unknown opcodes, division by zero, jumps outside of the program.
type DecodeError struct {
	Op     Opcode
	Offset int
	Err    error
}

func (err *DecodeError) Error() string {
	return fmt.Sprintf("%s at %#x: %v", err.Op, err.Offset, err.Err)
}

func (err *DecodeError) Unwrap() error {
	return err.Err
}

var (
	errStackOverflow  = errors.New("stack overflow")
	errStackUnderflow = errors.New("stack underflow")
	errDivideByZero   = errors.New("division by zero")
	errEmptyResult    = errors.New("empty OP stack")
)

// stackfn executes one instruction, the returned value is pushed on the
// stack if pushed is true.
type stackfn func(Opcode, *context) (val uint64, pushed bool, err error)

type context struct {
	buf     *util.Cursor
	prog    []byte
	stack   [maxStackDepth]uint64
	n       int
	ptrSize int
	machine error // set by push and pop when the stack limits are violated
	Context
}

var contextPool = sync.Pool{
	New: func() interface{} {
		return &context{buf: util.NewCursor(nil, binary.LittleEndian, 8)}
	},
}

func (ctxt *context) push(v uint64) {
	if ctxt.n >= maxStackDepth {
		ctxt.machine = errStackOverflow
		return
	}
	ctxt.stack[ctxt.n] = v
	ctxt.n++
}

func (ctxt *context) pop() uint64 {
	if ctxt.n == 0 {
		ctxt.machine = errStackUnderflow
		return 0
	}
	ctxt.n--
	return ctxt.stack[ctxt.n]
}

// peek returns a pointer to the idx-th entry from the top of the stack.
func (ctxt *context) peek(idx int) *uint64 {
	if idx >= ctxt.n {
		ctxt.machine = errStackUnderflow
		return new(uint64)
	}
	return &ctxt.stack[ctxt.n-1-idx]
}

// ExecuteStackProgram executes a DWARF expression and returns the value on
// top of the stack once the program ends. The stack is initialized with
// seed, its last element on top.
func ExecuteStackProgram(ctx Context, instructions []byte, seed ...uint64) (uint64, error) {
	ctxt := contextPool.Get().(*context)
	defer func() {
		ctxt.Context = nil
		ctxt.prog = nil
		contextPool.Put(ctxt)
	}()

	ptrSize := ctx.PtrSize()
	*ctxt.buf = *util.NewCursor(instructions, ctx.ByteOrder(), ptrSize)
	ctxt.prog = instructions
	ctxt.n = 0
	ctxt.machine = nil
	ctxt.ptrSize = ptrSize
	ctxt.Context = ctx

	for _, v := range seed {
		ctxt.push(v)
	}
	if ctxt.machine != nil {
		return 0, &MachineError{Offset: 0, Reason: ctxt.machine.Error()}
	}

	for steps := 0; !ctxt.buf.Empty(); steps++ {
		off := ctxt.buf.Offset()
		opcodeByte, _ := ctxt.buf.ReadByte()
		opcode := Opcode(opcodeByte)
		if steps >= maxSteps {
			return 0, &MachineError{Op: opcode, Offset: off, Reason: fmt.Sprintf("program did not terminate after %d steps", maxSteps)}
		}

		fn, ok := oplut[opcode]
		if !ok {
			return 0, &DecodeError{Op: opcode, Offset: off, Err: errors.New("invalid instruction")}
		}

		val, pushed, err := fn(opcode, ctxt)
		if ctxt.machine != nil {
			return 0, &MachineError{Op: opcode, Offset: off, Reason: ctxt.machine.Error()}
		}
		if err != nil {
			var berr *util.BoundsError
			if errors.As(err, &berr) || err == errDivideByZero {
				return 0, &DecodeError{Op: opcode, Offset: off, Err: err}
			}
			var derr *DecodeError
			if errors.As(err, &derr) {
				derr.Op, derr.Offset = opcode, off
				return 0, derr
			}
			return 0, fmt.Errorf("%s at %#x: %w", opcode, off, err)
		}
		if pushed {
			ctxt.push(val)
			if ctxt.machine != nil {
				return 0, &MachineError{Op: opcode, Offset: off, Reason: ctxt.machine.Error()}
			}
		}
	}

	if ctxt.n == 0 {
		return 0, &DecodeError{Offset: len(instructions), Err: errEmptyResult}
	}
	return ctxt.stack[ctxt.n-1], nil
}

var oplut map[Opcode]stackfn

func init() {
	oplut = map[Opcode]stackfn{
		DW_OP_addr:           addr,
		DW_OP_deref:          deref,
		DW_OP_deref_size:     deref,
		DW_OP_const1u:        constant,
		DW_OP_const1s:        constant,
		DW_OP_const2u:        constant,
		DW_OP_const2s:        constant,
		DW_OP_const4u:        constant,
		DW_OP_const4s:        constant,
		DW_OP_const8u:        constant,
		DW_OP_const8s:        constant,
		DW_OP_constu:         constant,
		DW_OP_consts:         constant,
		DW_OP_dup:            pick,
		DW_OP_over:           pick,
		DW_OP_pick:           pick,
		DW_OP_drop:           drop,
		DW_OP_swap:           swap,
		DW_OP_rot:            rot,
		DW_OP_abs:            unary,
		DW_OP_neg:            unary,
		DW_OP_not:            unary,
		DW_OP_plus_uconst:    plusuconst,
		DW_OP_and:            binaryop,
		DW_OP_or:             binaryop,
		DW_OP_xor:            binaryop,
		DW_OP_plus:           binaryop,
		DW_OP_minus:          binaryop,
		DW_OP_mul:            binaryop,
		DW_OP_div:            binaryop,
		DW_OP_mod:            binaryop,
		DW_OP_shl:            binaryop,
		DW_OP_shr:            binaryop,
		DW_OP_shra:           binaryop,
		DW_OP_eq:             binaryop,
		DW_OP_ne:             binaryop,
		DW_OP_lt:             binaryop,
		DW_OP_gt:             binaryop,
		DW_OP_le:             binaryop,
		DW_OP_ge:             binaryop,
		DW_OP_skip:           jump,
		DW_OP_bra:            jump,
		DW_OP_nop:            nop,
		DW_OP_regx:           register,
		DW_OP_bregx:          register,
		DW_OP_call_frame_cfa: callframecfa,
	}
	for i := Opcode(0); i <= 31; i++ {
		oplut[DW_OP_lit0+i] = literal
		oplut[DW_OP_reg0+i] = register
		oplut[DW_OP_breg0+i] = register
	}
}

func nop(Opcode, *context) (uint64, bool, error) {
	return 0, false, nil
}

func literal(opcode Opcode, ctxt *context) (uint64, bool, error) {
	return uint64(opcode - DW_OP_lit0), true, nil
}

func addr(opcode Opcode, ctxt *context) (uint64, bool, error) {
	v, err := ctxt.buf.Address()
	if err != nil {
		return 0, false, err
	}
	return v + ctxt.StaticBase(), true, nil
}

func constant(opcode Opcode, ctxt *context) (uint64, bool, error) {
	var v uint64
	var err error
	switch opcode {
	case DW_OP_const1u:
		var x uint8
		x, err = ctxt.buf.Uint8()
		v = uint64(x)
	case DW_OP_const1s:
		var x int8
		x, err = ctxt.buf.Int8()
		v = uint64(x)
	case DW_OP_const2u:
		var x uint16
		x, err = ctxt.buf.Uint16()
		v = uint64(x)
	case DW_OP_const2s:
		var x int16
		x, err = ctxt.buf.Int16()
		v = uint64(x)
	case DW_OP_const4u:
		var x uint32
		x, err = ctxt.buf.Uint32()
		v = uint64(x)
	case DW_OP_const4s:
		var x int32
		x, err = ctxt.buf.Int32()
		v = uint64(x)
	case DW_OP_const8u:
		v, err = ctxt.buf.Uint64()
	case DW_OP_const8s:
		var x int64
		x, err = ctxt.buf.Int64()
		v = uint64(x)
	case DW_OP_constu:
		v, err = ctxt.buf.ULEB128()
	case DW_OP_consts:
		var x int64
		x, err = ctxt.buf.SLEB128()
		v = uint64(x)
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func pick(opcode Opcode, ctxt *context) (uint64, bool, error) {
	idx := 0
	switch opcode {
	case DW_OP_over:
		idx = 1
	case DW_OP_pick:
		n, err := ctxt.buf.Uint8()
		if err != nil {
			return 0, false, err
		}
		idx = int(n)
	}
	return *ctxt.peek(idx), true, nil
}

func drop(opcode Opcode, ctxt *context) (uint64, bool, error) {
	ctxt.pop()
	return 0, false, nil
}

func swap(opcode Opcode, ctxt *context) (uint64, bool, error) {
	a, b := ctxt.peek(0), ctxt.peek(1)
	*a, *b = *b, *a
	return 0, false, nil
}

// rot moves the top entry to the third position, the second and third
// entries move up by one.
func rot(opcode Opcode, ctxt *context) (uint64, bool, error) {
	a, b, c := ctxt.peek(0), ctxt.peek(1), ctxt.peek(2)
	*a, *b, *c = *b, *c, *a
	return 0, false, nil
}

func deref(opcode Opcode, ctxt *context) (uint64, bool, error) {
	sz := ctxt.ptrSize
	if opcode == DW_OP_deref_size {
		n, err := ctxt.buf.Uint8()
		if err != nil {
			return 0, false, err
		}
		sz = int(n)
		if sz == 0 || sz > 8 {
			return 0, false, &DecodeError{Err: fmt.Errorf("invalid size %d", sz)}
		}
	}
	addr := ctxt.pop()
	if ctxt.machine != nil {
		return 0, false, nil
	}

	var buf [8]byte
	if _, err := ctxt.ReadMemory(buf[:sz], addr); err != nil {
		return 0, false, fmt.Errorf("could not read %d bytes at %#x: %w", sz, addr, err)
	}
	var v uint64
	order := ctxt.ByteOrder()
	switch sz {
	case 1:
		v = uint64(buf[0])
	case 2:
		v = uint64(order.Uint16(buf[:]))
	case 4:
		v = uint64(order.Uint32(buf[:]))
	case 8:
		v = order.Uint64(buf[:])
	default:
		for i := 0; i < sz; i++ {
			if order == binary.LittleEndian {
				v |= uint64(buf[i]) << (8 * uint(i))
			} else {
				v = v<<8 | uint64(buf[i])
			}
		}
	}
	return v, true, nil
}

func unary(opcode Opcode, ctxt *context) (uint64, bool, error) {
	top := ctxt.peek(0)
	switch opcode {
	case DW_OP_abs:
		if int64(*top) < 0 {
			*top = uint64(-int64(*top))
		}
	case DW_OP_neg:
		*top = uint64(-int64(*top))
	case DW_OP_not:
		*top = ^*top
	}
	return 0, false, nil
}

func plusuconst(opcode Opcode, ctxt *context) (uint64, bool, error) {
	num, err := ctxt.buf.ULEB128()
	if err != nil {
		return 0, false, err
	}
	*ctxt.peek(0) += num
	return 0, false, nil
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// binaryop pops the top two entries, b being the top one, and pushes
// a op b.
func binaryop(opcode Opcode, ctxt *context) (uint64, bool, error) {
	b := ctxt.pop()
	a := ctxt.pop()
	if ctxt.machine != nil {
		return 0, false, nil
	}

	switch opcode {
	case DW_OP_and:
		return a & b, true, nil
	case DW_OP_or:
		return a | b, true, nil
	case DW_OP_xor:
		return a ^ b, true, nil
	case DW_OP_plus:
		return a + b, true, nil
	case DW_OP_minus:
		return a - b, true, nil
	case DW_OP_mul:
		return a * b, true, nil
	case DW_OP_div:
		if b == 0 {
			return 0, false, errDivideByZero
		}
		return uint64(int64(a) / int64(b)), true, nil
	case DW_OP_mod:
		if b == 0 {
			return 0, false, errDivideByZero
		}
		return a % b, true, nil
	case DW_OP_shl:
		return a << b, true, nil
	case DW_OP_shr:
		return a >> b, true, nil
	case DW_OP_shra:
		return uint64(int64(a) >> b), true, nil
	case DW_OP_eq:
		return b2u(a == b), true, nil
	case DW_OP_ne:
		return b2u(a != b), true, nil
	case DW_OP_lt:
		return b2u(int64(a) < int64(b)), true, nil
	case DW_OP_gt:
		return b2u(int64(a) > int64(b)), true, nil
	case DW_OP_le:
		return b2u(int64(a) <= int64(b)), true, nil
	case DW_OP_ge:
		return b2u(int64(a) >= int64(b)), true, nil
	}
	return 0, false, nil
}

func jump(opcode Opcode, ctxt *context) (uint64, bool, error) {
	delta, err := ctxt.buf.Int16()
	if err != nil {
		return 0, false, err
	}
	if opcode == DW_OP_bra && ctxt.pop() == 0 {
		return 0, false, nil
	}
	if ctxt.machine != nil {
		return 0, false, nil
	}
	target := ctxt.buf.Offset() + int(delta)
	if target < 0 || target > len(ctxt.prog) {
		return 0, false, &DecodeError{Err: fmt.Errorf("branch target %#x outside of the program", target)}
	}
	ctxt.buf.Reset(ctxt.prog)
	ctxt.buf.Skip(target)
	return 0, false, nil
}

func register(opcode Opcode, ctxt *context) (uint64, bool, error) {
	var regnum uint64
	var offset int64
	var err error
	switch {
	case opcode == DW_OP_regx:
		regnum, err = ctxt.buf.ULEB128()
	case opcode == DW_OP_bregx:
		regnum, err = ctxt.buf.ULEB128()
		if err == nil {
			offset, err = ctxt.buf.SLEB128()
		}
	case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31:
		regnum = uint64(opcode - DW_OP_breg0)
		offset, err = ctxt.buf.SLEB128()
	default:
		regnum = uint64(opcode - DW_OP_reg0)
	}
	if err != nil {
		return 0, false, err
	}
	v, err := ctxt.RegisterValue(regnum)
	if err != nil {
		return 0, false, err
	}
	return v + uint64(offset), true, nil
}

func callframecfa(opcode Opcode, ctxt *context) (uint64, bool, error) {
	cfa, err := ctxt.CFA()
	if err != nil {
		return 0, false, fmt.Errorf("could not retrieve CFA for current PC: %w", err)
	}
	return cfa, true, nil
}

// PrettyPrint prints the DWARF stack program instructions to `out`.
// Addresses are assumed to be ptrSize bytes long.
func PrettyPrint(out io.Writer, instructions []byte, ptrSize int) {
	in := util.NewCursor(instructions, binary.LittleEndian, ptrSize)

	for !in.Empty() {
		opcode, _ := in.ReadByte()
		if name, hasname := opcodeName[Opcode(opcode)]; hasname {
			io.WriteString(out, name)
			out.Write([]byte{' '})
		} else {
			fmt.Fprintf(out, "%#x ", opcode)
		}
		for _, arg := range opcodeArgs[Opcode(opcode)] {
			var err error
			switch arg {
			case 's':
				var n int64
				n, err = in.SLEB128()
				fmt.Fprintf(out, "%#x ", n)
			case 'u':
				var n uint64
				n, err = in.ULEB128()
				fmt.Fprintf(out, "%#x ", n)
			case 'a':
				var x uint64
				x, err = in.Address()
				fmt.Fprintf(out, "%#x ", x)
			case '1':
				var x uint8
				x, err = in.Uint8()
				fmt.Fprintf(out, "%#x ", x)
			case '2':
				var x uint16
				x, err = in.Uint16()
				fmt.Fprintf(out, "%#x ", x)
			case '4':
				var x uint32
				x, err = in.Uint32()
				fmt.Fprintf(out, "%#x ", x)
			case '8':
				var x uint64
				x, err = in.Uint64()
				fmt.Fprintf(out, "%#x ", x)
			case 'B':
				var sz uint64
				sz, err = in.ULEB128()
				if err == nil {
					var data []byte
					data, err = in.Bytes(int(sz))
					fmt.Fprintf(out, "%d [%x] ", sz, data)
				}
			}
			if err != nil {
				io.WriteString(out, "<truncated>")
				return
			}
		}
	}
}
