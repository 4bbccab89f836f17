// elfwriter is a package to write ELF files holding arbitrary sections.
// It is used to produce objects with call frame information.
// This package is incomplete, only features needed to write such objects
// are implemented, notably missing:
// - program headers
// - 32bit files

package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
	"os"
)

const (
	ehsize    = 64
	shentsize = 64
)

// Section describes the contents of a section.
type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint64
	Align uint64
	Data  []byte
}

// Writer writes ELF files.
type Writer struct {
	w     io.WriteSeeker
	order binary.ByteOrder
	Err   error

	seekSectionHeader int64
	seekSectionNum    int64
}

// ErrUnsupported is returned for file headers describing files this
// package can not write.
var ErrUnsupported = errors.New("unsupported ELF file header")

// New creates a new Writer and writes the file header.
func New(w io.WriteSeeker, fhdr *elf.FileHeader) (*Writer, error) {
	if seek, _ := w.Seek(0, io.SeekCurrent); seek != 0 {
		return nil, errors.New("can't write halfway through a file")
	}
	if fhdr.Class != elf.ELFCLASS64 {
		return nil, ErrUnsupported
	}

	r := &Writer{w: w}
	switch fhdr.Data {
	case elf.ELFDATA2LSB:
		r.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		r.order = binary.BigEndian
	default:
		return nil, ErrUnsupported
	}

	// e_ident
	r.Write([]byte{0x7f, 'E', 'L', 'F', byte(fhdr.Class), byte(fhdr.Data), byte(elf.EV_CURRENT), byte(fhdr.OSABI), byte(fhdr.ABIVersion), 0, 0, 0, 0, 0, 0, 0})

	r.u16(uint16(fhdr.Type))    // e_type
	r.u16(uint16(fhdr.Machine)) // e_machine
	r.u32(uint32(elf.EV_CURRENT))
	r.u64(fhdr.Entry) // e_entry
	r.u64(0)          // e_phoff
	r.seekSectionHeader = r.Here()
	r.u64(0)      // e_shoff
	r.u32(0)      // e_flags
	r.u16(ehsize) // e_ehsize
	r.u16(0)      // e_phentsize
	r.u16(0)      // e_phnum
	r.u16(shentsize)
	r.seekSectionNum = r.Here()
	r.u16(0) // e_shnum
	r.u16(0) // e_shstrndx

	if sz := r.Here(); sz != ehsize && r.Err == nil {
		r.Err = errors.New("internal error, ELF header size")
	}
	return r, r.Err
}

// WriteSections writes the contents of sections, followed by a section
// name table and the section headers, and patches the file header
// accordingly.
func (w *Writer) WriteSections(sections []Section) error {
	offsets := make([]uint64, len(sections))
	for i := range sections {
		w.Align(8)
		offsets[i] = uint64(w.Here())
		if sections[i].Type != elf.SHT_NOBITS {
			w.Write(sections[i].Data)
		}
	}

	// the name table is the last section
	names := []byte{0}
	nameOff := make([]uint32, len(sections)+1)
	for i := range sections {
		nameOff[i] = uint32(len(names))
		names = append(append(names, sections[i].Name...), 0)
	}
	nameOff[len(sections)] = uint32(len(names))
	names = append(append(names, ".shstrtab"...), 0)
	namesOff := uint64(w.Here())
	w.Write(names)

	w.Align(8)
	shoff := w.Here()
	w.sectionHeader(0, elf.SHT_NULL, 0, 0, 0, 0, 0)
	for i, sec := range sections {
		align := sec.Align
		if align == 0 {
			align = 1
		}
		w.sectionHeader(nameOff[i], sec.Type, sec.Flags, sec.Addr, offsets[i], uint64(len(sec.Data)), align)
	}
	w.sectionHeader(nameOff[len(sections)], elf.SHT_STRTAB, 0, 0, namesOff, uint64(len(names)), 1)

	// Patch File Header
	shnum := uint16(len(sections) + 2)
	w.seek(w.seekSectionHeader)
	w.u64(uint64(shoff))
	w.seek(w.seekSectionNum)
	w.u16(shnum)
	w.u16(shnum - 1)
	w.seek(-1)
	return w.Err
}

func (w *Writer) sectionHeader(name uint32, typ elf.SectionType, flags elf.SectionFlag, addr, off, size, align uint64) {
	w.u32(name)
	w.u32(uint32(typ))
	w.u64(uint64(flags))
	w.u64(addr)
	w.u64(off)
	w.u64(size)
	w.u32(0) // sh_link
	w.u32(0) // sh_info
	w.u64(align)
	w.u64(0) // sh_entsize
}

// seek moves to off, or to the end of the file if off is negative.
func (w *Writer) seek(off int64) {
	var err error
	if off < 0 {
		_, err = w.w.Seek(0, io.SeekEnd)
	} else {
		_, err = w.w.Seek(off, io.SeekStart)
	}
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

// Here returns the current seek offset from the start of the file.
func (w *Writer) Here() int64 {
	r, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil && w.Err == nil {
		w.Err = err
	}
	return r
}

// Align writes as many padding bytes as needed to make the current file
// offset a multiple of align.
func (w *Writer) Align(align int64) {
	off := w.Here()
	alignOff := (off + (align - 1)) &^ (align - 1)
	if alignOff-off > 0 {
		w.Write(make([]byte, alignOff-off))
	}
}

func (w *Writer) Write(buf []byte) {
	_, err := w.w.Write(buf)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u16(n uint16) {
	err := binary.Write(w.w, w.order, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u32(n uint32) {
	err := binary.Write(w.w, w.order, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u64(n uint64) {
	err := binary.Write(w.w, w.order, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

// WriteFile creates the file at path containing sections.
func WriteFile(path string, fhdr *elf.FileHeader, sections []Section) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := New(fh, fhdr)
	if err == nil {
		err = w.WriteSections(sections)
	}
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	return err
}
