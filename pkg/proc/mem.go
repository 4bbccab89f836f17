package proc

import (
	"github.com/go-delve/unwind/pkg/unwind"
)

// stackCacheSize is the number of bytes above the stack pointer read at
// once when a stack trace starts.
const stackCacheSize = 4096

// memCache serves reads of a single memory region from a local copy.
// Writes go through to the underlying memory and update the copy.
type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       unwind.MemoryReadWriter
}

func (m *memCache) contains(addr uint64, size int) bool {
	return addr >= m.cacheAddr && size <= len(m.cache) && addr-m.cacheAddr <= uint64(len(m.cache)-size)
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}
	return m.mem.ReadMemory(data, addr)
}

func (m *memCache) WriteMemory(addr uint64, data []byte) (written int, err error) {
	written, err = m.mem.WriteMemory(addr, data)
	if err == nil && m.contains(addr, len(data)) {
		copy(m.cache[addr-m.cacheAddr:], data)
	}
	return written, err
}

// cacheMemory returns a MemoryReadWriter that serves reads of
// [addr, addr+size) from a copy of that region. If the region can not be
// read mem is returned.
func cacheMemory(mem unwind.MemoryReadWriter, addr uint64, size int) unwind.MemoryReadWriter {
	if mem == nil || size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	if n, err := mem.ReadMemory(cache, addr); err != nil || n != size {
		return mem
	}
	return &memCache{addr, cache, mem}
}
