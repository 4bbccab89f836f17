package frame

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/go-delve/unwind/pkg/dwarf/util"
)

// CommonInformationEntry represents a Common Information Entry in
// the Dwarf .debug_frame or .eh_frame section.
type CommonInformationEntry struct {
	Length                uint64
	CIE_id                uint64
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	InitialInstructions   []byte

	// Dwarf64 is set when the entry uses the 64-bit DWARF format.
	Dwarf64 bool
	// SignalFrame is set by the 'S' augmentation.
	SignalFrame bool

	// eh_frame pointer encodings
	ptrEncAddr  util.PtrEnc
	lsdaEnc     util.PtrEnc
	personality uint64

	offset     uint64
	staticBase uint64
	order      binary.ByteOrder
	ptrSize    int
}

// PointerEncoding returns the encoding used for addresses in the FDEs
// that reference this CIE.
func (cie *CommonInformationEntry) PointerEncoding() util.PtrEnc {
	return cie.ptrEncAddr
}

// LSDAEncoding returns the encoding of the language specific data area
// pointer, PtrEncOmit if there is none.
func (cie *CommonInformationEntry) LSDAEncoding() util.PtrEnc {
	return cie.lsdaEnc
}

// Personality returns the address of the personality routine, 0 if
// the 'P' augmentation is absent.
func (cie *CommonInformationEntry) Personality() uint64 {
	return cie.personality
}

// Offset returns the offset of the entry inside its section.
func (cie *CommonInformationEntry) Offset() uint64 {
	return cie.offset
}

func (cie *CommonInformationEntry) hasAugmentationData() bool {
	return len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z'
}

// FrameDescriptionEntry represents a Frame Descriptor Entry in the
// Dwarf .debug_frame or .eh_frame section.
type FrameDescriptionEntry struct {
	Length       uint64
	CIE          *CommonInformationEntry
	Instructions []byte
	begin, size  uint64
	offset       uint64
}

// Cover returns whether or not the given address is within the
// bounds of this frame.
func (fde *FrameDescriptionEntry) Cover(addr uint64) bool {
	return (addr - fde.begin) < fde.size
}

// Begin returns address of first location for this frame.
func (fde *FrameDescriptionEntry) Begin() uint64 {
	return fde.begin
}

// End returns address of last location for this frame.
func (fde *FrameDescriptionEntry) End() uint64 {
	return fde.begin + fde.size
}

// Offset returns the offset of the entry inside its section.
func (fde *FrameDescriptionEntry) Offset() uint64 {
	return fde.offset
}

// EstablishFrame executes the CIE and FDE programs up to pc and returns
// the resulting rules.
func (fde *FrameDescriptionEntry) EstablishFrame(pc uint64, cfg *Config) (*FrameState, error) {
	frame := NewFrameState(cfg)
	if err := frame.ExecuteUntilPC(fde, pc); err != nil {
		return nil, err
	}
	return frame, nil
}

// FrameDescriptionEntries is the FDE index of a loaded object, sorted by
// starting address once built. It is read only after Builder.Build
// returns and can be shared between goroutines.
type FrameDescriptionEntries []*FrameDescriptionEntry

func newFrameIndex() FrameDescriptionEntries {
	return make(FrameDescriptionEntries, 0, 1000)
}

// ErrNoFDEForPC FDE for PC not found error
type ErrNoFDEForPC struct {
	PC uint64
}

func (err *ErrNoFDEForPC) Error() string {
	return fmt.Sprintf("could not find FDE for PC %#v", err.PC)
}

// FDEForPC returns the Frame Description Entry for the given PC.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	idx := sort.Search(len(fdes), func(i int) bool {
		return fdes[i].Cover(pc) || fdes[i].Begin() >= pc
	})
	if idx == len(fdes) || !fdes[idx].Cover(pc) {
		return nil, &ErrNoFDEForPC{pc}
	}
	return fdes[idx], nil
}

// findBegin looks for an entry starting exactly at addr. The search
// resumes at hint, usually the index of the previous match, and only looks
// behind it when addr sorts before fdes[hint]. It returns the index of the
// matching entry or -1.
func (fdes FrameDescriptionEntries) findBegin(addr uint64, hint int) int {
	if len(fdes) == 0 {
		return -1
	}
	if hint < 0 || hint >= len(fdes) {
		hint = 0
	}
	lo, hi := hint, len(fdes)
	if fdes[hint].Begin() > addr {
		lo, hi = 0, hint
	}
	i := lo + sort.Search(hi-lo, func(i int) bool { return fdes[lo+i].Begin() >= addr })
	if i < hi && fdes[i].Begin() == addr {
		return i
	}
	return -1
}
