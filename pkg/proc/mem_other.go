//go:build !linux
// +build !linux

package proc

import (
	"errors"
)

var errProcessMemoryUnsupported = errors.New("reading process memory is only supported on linux")

// ProcessMemory accesses the memory of a running process.
type ProcessMemory struct{}

// OpenProcessMemory opens the memory of process pid.
func OpenProcessMemory(pid int, writable bool) (*ProcessMemory, error) {
	return nil, errProcessMemoryUnsupported
}

// ReadMemory implements unwind.MemoryReadWriter.
func (m *ProcessMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return 0, errProcessMemoryUnsupported
}

// WriteMemory implements unwind.MemoryReadWriter.
func (m *ProcessMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	return 0, errProcessMemoryUnsupported
}

// Close releases the process memory.
func (m *ProcessMemory) Close() error {
	return nil
}
