//go:build linux

package pager

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// memfdMemory backs a region with an anonymous memfd. The pager writes
// through a shared read/write mapping; views map the same file read-only.
type memfdMemory struct {
	fd   int
	data []byte
	once sync.Once
	err  error
}

func newMemory(name string, size uint64) (memory, error) {
	if size == 0 {
		return &memfdMemory{fd: -1}, nil
	}
	length, err := mapLength(size)
	if err != nil {
		return nil, err
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(length)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate memfd: %w", err)
	}
	data, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap memfd: %w", err)
	}
	return &memfdMemory{fd: fd, data: data}, nil
}

func (m *memfdMemory) bytes() []byte {
	return m.data
}

func (m *memfdMemory) mapReadOnly() ([]byte, func() error, error) {
	if len(m.data) == 0 {
		return nil, func() error { return nil }, nil
	}
	data, err := unix.Mmap(m.fd, 0, len(m.data), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap memfd read-only: %w", err)
	}
	return data, func() error { return unix.Munmap(data) }, nil
}

func (m *memfdMemory) release() error {
	m.once.Do(func() {
		if m.data != nil {
			m.err = unix.Munmap(m.data)
			m.data = nil
		}
		if m.fd >= 0 {
			if err := unix.Close(m.fd); m.err == nil {
				m.err = err
			}
			m.fd = -1
		}
	})
	return m.err
}
