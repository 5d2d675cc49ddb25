package memdev

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	_ io.ReaderAt = &MemDev{}
	_ io.WriterAt = &MemDev{}
)

// FaultFunc decides if the operation at offset fails. It is used to simulate broken devices.
type FaultFunc func(write bool, offset int64) error

// MemDev simulates device io operations in memory.
type MemDev struct {
	mu      sync.RWMutex
	data    []byte
	fault   FaultFunc
	latency time.Duration
	closed  bool
}

// New returns new memdev.
func New(size int64) *MemDev {
	return &MemDev{
		data: make([]byte, size),
	}
}

// SetFault installs the fault function. Nil removes it.
func (md *MemDev) SetFault(fault FaultFunc) {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.fault = fault
}

// SetLatency sets the time each read and write takes.
func (md *MemDev) SetLatency(latency time.Duration) {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.latency = latency
}

// ReadAt reads data from the memdev.
func (md *MemDev) ReadAt(p []byte, offset int64) (int, error) {
	md.mu.RLock()
	fault, latency := md.fault, md.latency
	md.mu.RUnlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	if fault != nil {
		if err := fault(false, offset); err != nil {
			return 0, err
		}
	}

	md.mu.RLock()
	defer md.mu.RUnlock()

	if err := md.check(offset); err != nil {
		return 0, err
	}
	n := copy(p, md.data[offset:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes data to the memdev.
func (md *MemDev) WriteAt(p []byte, offset int64) (int, error) {
	md.mu.RLock()
	fault, latency := md.fault, md.latency
	md.mu.RUnlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	if fault != nil {
		if err := fault(true, offset); err != nil {
			return 0, err
		}
	}

	md.mu.Lock()
	defer md.mu.Unlock()

	if err := md.check(offset); err != nil {
		return 0, err
	}
	n := copy(md.data[offset:], p)
	if n < len(p) {
		return n, errors.Errorf("write of %d bytes at offset %d exceeds device size %d", len(p), offset, len(md.data))
	}
	return n, nil
}

// Grow extends the memdev to the new size. Shrinking is not possible.
func (md *MemDev) Grow(size int64) error {
	md.mu.Lock()
	defer md.mu.Unlock()

	if size < int64(len(md.data)) {
		return errors.Errorf("memdev can't shrink from %d to %d bytes", len(md.data), size)
	}
	data := make([]byte, size)
	copy(data, md.data)
	md.data = data
	return nil
}

// Sync does nothing, data are always in sync.
func (md *MemDev) Sync() error {
	return nil
}

// Size returns the byte size of the memdev.
func (md *MemDev) Size() int64 {
	md.mu.RLock()
	defer md.mu.RUnlock()

	return int64(len(md.data))
}

// Close marks memdev as closed.
func (md *MemDev) Close() error {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.closed = true
	return nil
}

func (md *MemDev) check(offset int64) error {
	if md.closed {
		return errors.New("memdev is closed")
	}
	if offset < 0 || offset > int64(len(md.data)) {
		return errors.Errorf("invalid offset: %d", offset)
	}
	return nil
}
