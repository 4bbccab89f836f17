package proc

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/atomic"

	"github.com/go-delve/unwind/pkg/dwarf/frame"
	"github.com/go-delve/unwind/pkg/logflags"
	"github.com/go-delve/unwind/pkg/unwind"
)

// DefaultFDECacheSize is the number of pc to FDE lookups remembered by a
// BinaryInfo when no size is specified.
const DefaultFDECacheSize = 1024

// BinaryInfo holds the call frame information of one loaded object.
// Once loaded it is safe for concurrent use.
type BinaryInfo struct {
	Arch *unwind.Arch
	// StaticBase is the address the object was relocated to, it is added
	// to every address read from its tables.
	StaticBase uint64

	frameEntries frame.FrameDescriptionEntries
	// fdeCache maps a pc to the FDE covering it, or to nil if none does.
	fdeCache *lru.Cache

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64

	logger logflags.Logger

	loadErrMu sync.Mutex
	loadErr   error
}

// frameSections lists the sections holding call frame information, in the
// order they are loaded. FDEs of .eh_frame that duplicate an FDE of
// .debug_frame are dropped.
var frameSections = []struct {
	name    string
	dialect frame.Dialect
}{
	{".debug_frame", frame.DebugFrame},
	{".eh_frame", frame.EhFrame},
}

// dataBaseSections lists, by preference, the sections DW_EH_PE_datarel
// pointers can be relative to.
var dataBaseSections = []string{".got", ".data"}

// NewBinaryInfo returns an empty BinaryInfo for arch. If cacheSize is not
// positive DefaultFDECacheSize is used.
func NewBinaryInfo(arch *unwind.Arch, cacheSize int) (*BinaryInfo, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultFDECacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &BinaryInfo{
		Arch:         arch,
		frameEntries: frame.FrameDescriptionEntries{},
		fdeCache:     cache,
		logger:       logflags.ProcLogger(),
	}, nil
}

// LoadBinaryInfo opens the ELF file at path and loads its call frame
// information.
func LoadBinaryInfo(path string, staticBase uint64, cacheSize int) (*BinaryInfo, error) {
	obj, err := OpenELF(path)
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	arch, err := obj.Arch()
	if err != nil {
		return nil, err
	}
	bi, err := NewBinaryInfo(arch, cacheSize)
	if err != nil {
		return nil, err
	}
	if err := bi.LoadObject(obj, staticBase); err != nil {
		return nil, err
	}
	return bi, nil
}

// LoadObject parses the frame sections of obj, which is loaded at
// staticBase. A section that fails to parse is skipped and its error is
// recorded, see LoadError. An error is returned only if no frame section
// could be loaded.
func (bi *BinaryInfo) LoadObject(obj ObjectSectionReader, staticBase uint64) error {
	bi.StaticBase = staticBase
	b := frame.NewBuilder(bi.Arch.ByteOrder, bi.Arch.PtrSize, staticBase, logflags.FrameLogger())
	if _, addr, err := obj.Section(".text"); err == nil {
		b.SetTextBase(addr)
	}
	for _, name := range dataBaseSections {
		if _, addr, err := obj.Section(name); err == nil {
			b.SetDataBase(addr)
			break
		}
	}

	loaded := 0
	for _, sec := range frameSections {
		data, addr, err := obj.Section(sec.name)
		if err != nil {
			if errors.Is(err, ErrNoSection) {
				bi.logger.Debugf("no %s section", sec.name)
				continue
			}
			bi.setLoadError("could not read %s section: %w", sec.name, err)
			continue
		}
		n, err := b.AddSection(data, addr, sec.dialect)
		if err != nil {
			bi.setLoadError("could not parse %s section: %w", sec.name, err)
			continue
		}
		bi.logger.Debugf("loaded %d FDEs from %s", n, sec.name)
		loaded++
	}

	bi.frameEntries = b.Build()
	bi.fdeCache.Purge()
	if loaded == 0 {
		if err := bi.LoadError(); err != nil {
			return err
		}
		return errors.New("could not find .debug_frame or .eh_frame section in binary")
	}
	return nil
}

func (bi *BinaryInfo) setLoadError(fmtstr string, args ...interface{}) {
	bi.loadErrMu.Lock()
	err := fmt.Errorf(fmtstr, args...)
	bi.loadErr = err
	bi.loadErrMu.Unlock()
	bi.logger.Warn(err.Error())
}

// LoadError returns the last error encountered while loading the object.
func (bi *BinaryInfo) LoadError() error {
	bi.loadErrMu.Lock()
	defer bi.loadErrMu.Unlock()
	return bi.loadErr
}

// FDEs returns the index of all loaded FDEs, sorted by start address.
func (bi *BinaryInfo) FDEs() frame.FrameDescriptionEntries {
	return bi.frameEntries
}

// FDEForPC returns the FDE covering pc. It implements unwind.FDEFinder.
func (bi *BinaryInfo) FDEForPC(pc uint64) (*frame.FrameDescriptionEntry, error) {
	if v, ok := bi.fdeCache.Get(pc); ok {
		bi.cacheHits.Inc()
		if fde := v.(*frame.FrameDescriptionEntry); fde != nil {
			return fde, nil
		}
		return nil, &frame.ErrNoFDEForPC{PC: pc}
	}
	bi.cacheMisses.Inc()
	fde, err := bi.frameEntries.FDEForPC(pc)
	if err != nil {
		var nofde *frame.ErrNoFDEForPC
		if errors.As(err, &nofde) {
			bi.fdeCache.Add(pc, (*frame.FrameDescriptionEntry)(nil))
		}
		return nil, err
	}
	bi.fdeCache.Add(pc, fde)
	return fde, nil
}

// CacheStats returns the number of FDE lookups answered by the cache and
// the number of lookups that had to search the index.
func (bi *BinaryInfo) CacheStats() (hits, misses uint64) {
	return bi.cacheHits.Load(), bi.cacheMisses.Load()
}
