package proc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ProcessMemory accesses the memory of a running process through
// /proc/<pid>/mem. The caller must be allowed to ptrace the process.
type ProcessMemory struct {
	pid int
	fd  int
}

// OpenProcessMemory opens the memory of process pid. If writable is false
// WriteMemory will fail.
func OpenProcessMemory(pid int, writable bool) (*ProcessMemory, error) {
	flags := unix.O_RDONLY
	if writable {
		flags = unix.O_RDWR
	}
	path := fmt.Sprintf("/proc/%d/mem", pid)
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &ProcessMemory{pid: pid, fd: fd}, nil
}

// ReadMemory implements unwind.MemoryReadWriter.
func (m *ProcessMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	n, err := unix.Pread(m.fd, buf, int64(addr))
	if err != nil {
		return n, fmt.Errorf("could not read %d bytes at %#x of process %d: %v", len(buf), addr, m.pid, err)
	}
	if n != len(buf) {
		return n, fmt.Errorf("short read at %#x of process %d: %d of %d bytes", addr, m.pid, n, len(buf))
	}
	return n, nil
}

// WriteMemory implements unwind.MemoryReadWriter.
func (m *ProcessMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	n, err := unix.Pwrite(m.fd, data, int64(addr))
	if err != nil {
		return n, fmt.Errorf("could not write %d bytes at %#x of process %d: %v", len(data), addr, m.pid, err)
	}
	return n, nil
}

// Close releases the file descriptor.
func (m *ProcessMemory) Close() error {
	return unix.Close(m.fd)
}
