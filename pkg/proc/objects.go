package proc

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-delve/unwind/pkg/unwind"
)

// ObjectSectionReader gives access to the sections of an object file.
type ObjectSectionReader interface {
	// Section returns the contents of the named section and the address
	// it is loaded at. It returns an error wrapping ErrNoSection if the
	// object does not have the section.
	Section(name string) ([]byte, uint64, error)
}

// ErrNoSection is returned by ObjectSectionReader when a section is
// missing.
var ErrNoSection = errors.New("section not found")

// ErrUnsupportedArch is returned when loading an object for an
// architecture the unwinder does not know about.
var ErrUnsupportedArch = errors.New("unsupported architecture")

// ELFObject reads sections of an ELF file.
type ELFObject struct {
	f      *elf.File
	closer io.Closer
}

// OpenELF opens the ELF file at path.
func OpenELF(path string) (*ELFObject, error) {
	exe, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	obj, err := NewELFObject(exe)
	if err != nil {
		exe.Close()
		return nil, err
	}
	obj.closer = exe
	return obj, nil
}

// NewELFObject reads an ELF file from r.
func NewELFObject(r io.ReaderAt) (*ELFObject, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &ELFObject{f: f}, nil
}

// Section implements ObjectSectionReader.
func (obj *ELFObject) Section(name string) ([]byte, uint64, error) {
	sec := obj.f.Section(name)
	if sec == nil || sec.Type == elf.SHT_NOBITS {
		return nil, 0, fmt.Errorf("%s: %w", name, ErrNoSection)
	}
	data, err := sec.Data()
	if err != nil {
		return nil, 0, fmt.Errorf("could not get %s section: %v", name, err)
	}
	return data, sec.Addr, nil
}

// ByteOrder returns the byte order of the object.
func (obj *ELFObject) ByteOrder() binary.ByteOrder {
	return obj.f.ByteOrder
}

// PtrSize returns the size of a pointer in the object.
func (obj *ELFObject) PtrSize() int {
	if obj.f.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// Arch returns the description of the architecture the object was built
// for.
func (obj *ELFObject) Arch() (*unwind.Arch, error) {
	var arch *unwind.Arch
	switch obj.f.Machine {
	case elf.EM_X86_64:
		arch = unwind.AMD64Arch()
	case elf.EM_AARCH64:
		arch = unwind.ARM64Arch()
	case elf.EM_SPARCV9:
		arch = unwind.SPARC64Arch()
	default:
		return nil, fmt.Errorf("%v: %w", obj.f.Machine, ErrUnsupportedArch)
	}
	if obj.PtrSize() != arch.PtrSize {
		return nil, fmt.Errorf("%v %v: %w", obj.f.Machine, obj.f.Class, ErrUnsupportedArch)
	}
	return arch, nil
}

// Close closes the underlying file, if ELFObject opened it.
func (obj *ELFObject) Close() error {
	if obj.closer == nil {
		return nil
	}
	return obj.closer.Close()
}
