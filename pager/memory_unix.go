//go:build unix && !linux

package pager

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// fileMemory backs a region with an unlinked temporary file on platforms
// without memfd. The pager writes through a shared read/write mapping; views
// map the same file read-only.
type fileMemory struct {
	file *os.File
	data []byte
	once sync.Once
	err  error
}

func newMemory(_ string, size uint64) (memory, error) {
	if size == 0 {
		return &fileMemory{}, nil
	}
	length, err := mapLength(size)
	if err != nil {
		return nil, err
	}
	file, err := os.CreateTemp("", "blobfs-region-*")
	if err != nil {
		return nil, fmt.Errorf("create region file: %w", err)
	}
	if err := os.Remove(file.Name()); err != nil {
		file.Close()
		return nil, fmt.Errorf("unlink region file: %w", err)
	}
	if err := file.Truncate(int64(length)); err != nil {
		file.Close()
		return nil, fmt.Errorf("truncate region file: %w", err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap region file: %w", err)
	}
	return &fileMemory{file: file, data: data}, nil
}

func (m *fileMemory) bytes() []byte {
	return m.data
}

func (m *fileMemory) mapReadOnly() ([]byte, func() error, error) {
	if len(m.data) == 0 {
		return nil, func() error { return nil }, nil
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, len(m.data), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap region file read-only: %w", err)
	}
	return data, func() error { return unix.Munmap(data) }, nil
}

func (m *fileMemory) release() error {
	m.once.Do(func() {
		if m.data != nil {
			m.err = unix.Munmap(m.data)
			m.data = nil
		}
		if m.file != nil {
			if err := m.file.Close(); m.err == nil {
				m.err = err
			}
			m.file = nil
		}
	})
	return m.err
}
