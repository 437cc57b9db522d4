//go:build !unix

package pager

import "bytes"

// heapMemory backs a region with a heap slice on platforms without mmap.
// Read-only mappings are copies of the region.
type heapMemory struct {
	data []byte
}

func newMemory(_ string, size uint64) (memory, error) {
	length, err := mapLength(size)
	if err != nil {
		return nil, err
	}
	return &heapMemory{data: make([]byte, length)}, nil
}

func (m *heapMemory) bytes() []byte {
	return m.data
}

func (m *heapMemory) mapReadOnly() ([]byte, func() error, error) {
	return bytes.Clone(m.data), func() error { return nil }, nil
}

func (m *heapMemory) release() error {
	m.data = nil
	return nil
}
