// Package frame contains data structures and
// related functions for parsing and searching
// through Dwarf .debug_frame and .eh_frame data,
// and for executing the call frame programs they contain.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/go-delve/unwind/pkg/dwarf/util"
	"github.com/go-delve/unwind/pkg/logflags"
)

// Dialect selects between the two encodings of call frame information.
type Dialect uint8

const (
	// DebugFrame is the .debug_frame encoding: the CIE id is all ones and
	// FDEs point to their CIE with a section offset.
	DebugFrame Dialect = iota
	// EhFrame is the .eh_frame encoding: the CIE id is zero, FDEs point to
	// their CIE with an offset relative to the pointer itself and every
	// record may carry augmentation data.
	EhFrame
)

func (d Dialect) String() string {
	if d == EhFrame {
		return ".eh_frame"
	}
	return ".debug_frame"
}

// Builder parses one or more frame sections of the same object into a
// single sorted FDE index. FDEs from later sections that start at the
// same address as an FDE from an earlier section are dropped, since both
// describe the same function.
//
// A Builder is not safe for concurrent use.
type Builder struct {
	order      binary.ByteOrder
	ptrSize    int
	staticBase uint64
	logger     logflags.Logger

	// bases of DW_EH_PE_textrel and DW_EH_PE_datarel pointers
	bases   util.PointerBase
	hasText bool
	hasData bool

	entries FrameDescriptionEntries
}

// NewBuilder returns a Builder for an object with the given byte order
// and pointer size. staticBase is the relocation delta of the text
// section and is added to every FDE start address. If logger is nil the
// frame logger is used.
func NewBuilder(order binary.ByteOrder, ptrSize int, staticBase uint64, logger logflags.Logger) *Builder {
	if logger == nil {
		logger = logflags.FrameLogger()
	}
	return &Builder{order: order, ptrSize: ptrSize, staticBase: staticBase, logger: logger, entries: newFrameIndex()}
}

// SetTextBase sets the address DW_EH_PE_textrel pointers are relative to,
// usually the address of the .text section.
func (b *Builder) SetTextBase(addr uint64) {
	b.bases.Text = addr
	b.hasText = true
}

// SetDataBase sets the address DW_EH_PE_datarel pointers are relative to,
// usually the address of the .got section.
func (b *Builder) SetDataBase(addr uint64) {
	b.bases.Data = addr
	b.hasData = true
}

// AddSection parses data, the contents of a frame section loaded at
// sectionAddr, and adds its FDEs to the index. It returns the number of
// FDEs retained. On error no entry of the section is retained.
func (b *Builder) AddSection(data []byte, sectionAddr uint64, dialect Dialect) (int, error) {
	buf := util.NewCursor(data, b.order, b.ptrSize)
	ctx := &parseContext{
		buf:         buf,
		dialect:     dialect,
		sectionAddr: sectionAddr,
		staticBase:  b.staticBase,
		bases:       b.bases,
		hasText:     b.hasText,
		hasData:     b.hasData,
		order:       b.order,
		ptrSize:     b.ptrSize,
		logger:      b.logger.WithField("section", dialect.String()),
		existing:    b.entries,
		cies:        make(map[uint64]*CommonInformationEntry),
	}

	for fn := parselength; fn != nil && !buf.Empty(); {
		fn = fn(ctx)
	}
	if ctx.err != nil {
		return 0, ctx.err
	}
	if ctx.dups > 0 {
		ctx.logger.Debugf("dropped %d FDEs already described by a previous section", ctx.dups)
	}

	b.entries = append(b.entries, ctx.entries...)
	sort.SliceStable(b.entries, func(i, j int) bool {
		return b.entries[i].Begin() < b.entries[j].Begin()
	})
	return len(ctx.entries), nil
}

// Build returns the sorted FDE index.
func (b *Builder) Build() FrameDescriptionEntries {
	return b.entries
}

// Parse takes in data (a byte slice) and returns FrameDescriptionEntries,
// which is a slice of FrameDescriptionEntry. Each FrameDescriptionEntry
// has a pointer to CommonInformationEntry.
func Parse(data []byte, order binary.ByteOrder, staticBase uint64, ptrSize int, sectionAddr uint64, dialect Dialect) (FrameDescriptionEntries, error) {
	b := NewBuilder(order, ptrSize, staticBase, nil)
	if _, err := b.AddSection(data, sectionAddr, dialect); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

type parsefunc func(*parseContext) parsefunc

// parseContext holds the state of the parsing of one section.
type parseContext struct {
	staticBase  uint64
	sectionAddr uint64
	dialect     Dialect
	order       binary.ByteOrder
	ptrSize     int
	logger      logflags.Logger
	bases       util.PointerBase
	hasText     bool
	hasData     bool

	buf     *util.Cursor
	entries FrameDescriptionEntries
	common  *CommonInformationEntry
	cies    map[uint64]*CommonInformationEntry
	frame   *FrameDescriptionEntry

	// entries of previously parsed sections, sorted, used to drop duplicates.
	existing FrameDescriptionEntries
	dupHint  int
	dups     int

	start   uint64 // section offset of the current record
	idOff   uint64 // section offset of the CIE id / CIE pointer field
	end     int    // section offset where the current record ends
	length  uint64
	dwarf64 bool
	cieptr  uint64

	err error
}

func (ctx *parseContext) fail(off uint64, err error) parsefunc {
	var merr *MalformedError
	if !errors.As(err, &merr) {
		err = &MalformedError{Offset: off, Err: err}
	}
	ctx.logger.Errorf("%v", err)
	ctx.err = err
	return nil
}

func (ctx *parseContext) isCIE(id uint64) bool {
	if ctx.dialect == EhFrame {
		return id == 0
	}
	if ctx.dwarf64 {
		return id == ^uint64(0)
	}
	return id == 0xffffffff
}

// pointerBase returns the bases used to decode a pointer with encoding
// enc stored at fieldAddr. A warning is logged if enc is relative to an
// address that is not known, the pointer is then decoded against zero.
func (ctx *parseContext) pointerBase(enc util.PtrEnc, fieldAddr uint64) util.PointerBase {
	base := ctx.bases
	base.SectionAddr = fieldAddr
	if enc == util.PtrEncOmit {
		return base
	}
	switch enc.Application() {
	case util.PtrEncTextRel:
		if !ctx.hasText {
			ctx.logger.Warnf("record at %#x uses pointer encoding %s but the text base is unknown", ctx.start, enc)
		}
	case util.PtrEncDataRel:
		if !ctx.hasData {
			ctx.logger.Warnf("record at %#x uses pointer encoding %s but the data base is unknown", ctx.start, enc)
		}
	case util.PtrEncFuncRel:
		ctx.logger.Warnf("record at %#x uses function relative pointer encoding %s outside of a function", ctx.start, enc)
	}
	return base
}

// recordCursor returns a cursor over the rest of the current record and the
// section offset of its first byte.
func (ctx *parseContext) recordCursor() (*util.Cursor, uint64, error) {
	off := ctx.buf.Offset()
	data, err := ctx.buf.Bytes(ctx.end - off)
	if err != nil {
		return nil, 0, err
	}
	c := util.NewCursor(data, ctx.order, ctx.ptrSize)
	c.SetWarner(ctx.logger)
	return c, uint64(off), nil
}

func parselength(ctx *parseContext) parsefunc {
	ctx.start = uint64(ctx.buf.Offset())

	length32, err := ctx.buf.Uint32()
	if err != nil {
		return ctx.fail(ctx.start, err)
	}
	ctx.dwarf64 = false
	ctx.length = uint64(length32)
	if length32 == 0xffffffff {
		ctx.dwarf64 = true
		if ctx.length, err = ctx.buf.Uint64(); err != nil {
			return ctx.fail(ctx.start, err)
		}
	}

	if ctx.length == 0 {
		// ZERO terminator
		return parselength
	}
	if ctx.length > uint64(ctx.buf.Len()) {
		return ctx.fail(ctx.start, fmt.Errorf("record length %#x exceeds the %#x bytes left in the section", ctx.length, ctx.buf.Len()))
	}
	ctx.end = ctx.buf.Offset() + int(ctx.length)

	// parsing CIE_id of CIE
	// parsing CIE_pointer of FDE
	ctx.idOff = uint64(ctx.buf.Offset())
	var id uint64
	if ctx.dwarf64 {
		id, err = ctx.buf.Uint64()
	} else {
		var id32 uint32
		id32, err = ctx.buf.Uint32()
		id = uint64(id32)
	}
	if err != nil {
		return ctx.fail(ctx.start, err)
	}

	if ctx.isCIE(id) {
		ctx.common = &CommonInformationEntry{
			Length:     ctx.length,
			CIE_id:     id,
			Dwarf64:    ctx.dwarf64,
			offset:     ctx.start,
			staticBase: ctx.staticBase,
			order:      ctx.order,
			ptrSize:    ctx.ptrSize,
			ptrEncAddr: util.PtrEncAbs,
			lsdaEnc:    util.PtrEncOmit,
		}
		return parseCIE
	}

	ctx.cieptr = id
	ctx.frame = &FrameDescriptionEntry{Length: ctx.length, offset: ctx.start}
	return parseFDE
}

func parseCIE(ctx *parseContext) parsefunc {
	buf, bodyOff, err := ctx.recordCursor()
	if err != nil {
		return ctx.fail(ctx.start, err)
	}
	cie := ctx.common
	fail := func(err error) parsefunc {
		return ctx.fail(ctx.start, fmt.Errorf("CIE: %w", err))
	}

	// parse version
	if cie.Version, err = buf.Uint8(); err != nil {
		return fail(err)
	}
	switch cie.Version {
	case 1, 3, 4:
	default:
		ctx.logger.Warnf("CIE at %#x has unknown version %d", cie.offset, cie.Version)
	}

	// parse augmentation
	if cie.Augmentation, err = buf.CString(); err != nil {
		return fail(err)
	}
	if cie.Augmentation == "eh" {
		// old GCC eh_ptr, not used for unwinding
		if _, err = buf.Address(); err != nil {
			return fail(err)
		}
	}

	if cie.Version >= 4 {
		addrSize, err := buf.Uint8()
		if err != nil {
			return fail(err)
		}
		if _, err = buf.Uint8(); err != nil { // segment selector size
			return fail(err)
		}
		if addrSize != 0 && int(addrSize) != ctx.ptrSize {
			ctx.logger.Warnf("CIE at %#x declares address size %d, object uses %d", cie.offset, addrSize, ctx.ptrSize)
		}
	}

	// parse code alignment factor
	if cie.CodeAlignmentFactor, err = buf.ULEB128(); err != nil {
		return fail(err)
	}

	// parse data alignment factor
	if cie.DataAlignmentFactor, err = buf.SLEB128(); err != nil {
		return fail(err)
	}

	// parse return address register
	if cie.Version == 1 {
		var r uint8
		r, err = buf.Uint8()
		cie.ReturnAddressRegister = uint64(r)
	} else {
		cie.ReturnAddressRegister, err = buf.ULEB128()
	}
	if err != nil {
		return fail(err)
	}

	if cie.hasAugmentationData() {
		n, err := buf.ULEB128()
		if err != nil {
			return fail(err)
		}
		augAddr := ctx.sectionAddr + bodyOff + uint64(buf.Offset())
		data, err := buf.Bytes(int(n))
		if err != nil {
			return fail(err)
		}
		if err := ctx.parseAugmentationData(cie, data, augAddr); err != nil {
			return fail(err)
		}
	} else if cie.Augmentation != "" && cie.Augmentation != "eh" {
		ctx.logger.Warnf("CIE at %#x has unsupported augmentation %q, ignoring it", cie.offset, cie.Augmentation)
	}

	// parse initial instructions
	// The rest of this entry consists of the instructions
	// so we can just grab all of the data from the buffer
	// cursor to length.
	cie.InitialInstructions = buf.Rest()
	ctx.cies[cie.offset] = cie

	return parselength
}

// parseAugmentationData decodes the data described by the letters that
// follow 'z' in the augmentation string. Unknown letters stop the decoding,
// the remaining data is skipped thanks to the length prefix.
func (ctx *parseContext) parseAugmentationData(cie *CommonInformationEntry, data []byte, addr uint64) error {
	buf := util.NewCursor(data, ctx.order, ctx.ptrSize)
	buf.SetWarner(ctx.logger)

	for _, ch := range cie.Augmentation[1:] {
		switch ch {
		case 'R':
			b, err := buf.Uint8()
			if err != nil {
				return err
			}
			cie.ptrEncAddr = util.PtrEnc(b)
			if !cie.ptrEncAddr.Supported() {
				return &util.UnsupportedEncodingError{Enc: cie.ptrEncAddr}
			}
		case 'P':
			b, err := buf.Uint8()
			if err != nil {
				return err
			}
			enc := util.PtrEnc(b)
			if cie.personality, err = buf.EncodedPointer(enc, ctx.pointerBase(enc, addr)); err != nil {
				return err
			}
		case 'L':
			b, err := buf.Uint8()
			if err != nil {
				return err
			}
			cie.lsdaEnc = util.PtrEnc(b)
		case 'S':
			cie.SignalFrame = true
		case 'B', 'G':
			// AArch64 branch target and memory tagging markers, no data.
		default:
			ctx.logger.Warnf("CIE at %#x: unknown augmentation %q in %q", cie.offset, ch, cie.Augmentation)
			return nil
		}
	}
	return nil
}

// lookupCIE returns the CIE referenced by the current FDE. The most
// recently parsed CIE is checked first, since compilers emit CIEs right
// before the FDEs that use them.
func (ctx *parseContext) lookupCIE() (*CommonInformationEntry, error) {
	off := ctx.cieptr
	if ctx.dialect == EhFrame {
		off = ctx.idOff - ctx.cieptr
	}
	if ctx.common != nil && ctx.common.offset == off {
		return ctx.common, nil
	}
	if cie, ok := ctx.cies[off]; ok {
		ctx.logger.Warnf("FDE at %#x references CIE at %#x out of order", ctx.start, off)
		return cie, nil
	}
	return nil, fmt.Errorf("FDE references missing CIE at %#x", off)
}

func parseFDE(ctx *parseContext) parsefunc {
	cie, err := ctx.lookupCIE()
	if err != nil {
		return ctx.fail(ctx.start, err)
	}
	ctx.frame.CIE = cie

	buf, bodyOff, err := ctx.recordCursor()
	if err != nil {
		return ctx.fail(ctx.start, err)
	}
	fail := func(err error) parsefunc {
		return ctx.fail(ctx.start, fmt.Errorf("FDE: %w", err))
	}

	// parsing initial_location of FDE
	base := ctx.pointerBase(cie.ptrEncAddr, ctx.sectionAddr+bodyOff)
	begin, err := buf.EncodedPointer(cie.ptrEncAddr, base)
	if err != nil {
		return fail(err)
	}

	// parsing address_range of FDE
	size, err := buf.PointerValue(cie.ptrEncAddr)
	if err != nil {
		return fail(err)
	}

	if cie.hasAugmentationData() {
		n, err := buf.ULEB128()
		if err != nil {
			return fail(err)
		}
		if err := buf.Skip(int(n)); err != nil {
			return fail(err)
		}
	}

	// The rest of this entry consists of the instructions.
	ctx.frame.Instructions = buf.Rest()
	ctx.frame.begin = begin + ctx.staticBase
	ctx.frame.size = size

	if size == 0 {
		// discarded by the linker
		return parselength
	}
	if len(ctx.existing) > 0 {
		if i := ctx.existing.findBegin(ctx.frame.begin, ctx.dupHint); i >= 0 {
			ctx.dupHint = i
			ctx.dups++
			return parselength
		}
	}

	ctx.entries = append(ctx.entries, ctx.frame)
	return parselength
}
