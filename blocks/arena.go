package blocks

import (
	"sync"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

// Frame is the handle of the buffer stored in the arena.
type Frame int32

// NoFrame is the invalid frame.
const NoFrame Frame = -1

// Arena owns memory-aligned block buffers addressed by frames.
type Arena struct {
	blockSize int64

	mu      sync.RWMutex
	buffers [][]byte
	unused  []Frame
	live    int
}

// NewArena creates new arena of buffers of blockSize bytes.
func NewArena(blockSize int64) *Arena {
	return &Arena{
		blockSize: blockSize,
	}
}

// BlockSize returns the size of each buffer.
func (a *Arena) BlockSize() int64 {
	return a.blockSize
}

// New allocates new buffer and returns its frame.
func (a *Arena) New() Frame {
	buf := directio.AlignedBlock(int(a.blockSize))

	a.mu.Lock()
	defer a.mu.Unlock()

	a.live++
	if n := len(a.unused); n > 0 {
		f := a.unused[n-1]
		a.unused = a.unused[:n-1]
		a.buffers[f] = buf
		return f
	}
	a.buffers = append(a.buffers, buf)
	return Frame(len(a.buffers) - 1)
}

// Bytes returns the buffer of the frame.
func (a *Arena) Bytes(f Frame) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if f < 0 || int(f) >= len(a.buffers) || a.buffers[f] == nil {
		panic(errors.Errorf("frame %d does not exist", f))
	}
	return a.buffers[f]
}

// Zero clears the content of the frame.
func (a *Arena) Zero(f Frame) {
	clear(a.Bytes(f))
}

// Release frees memory of the frame. The handle may be returned by subsequent New.
func (a *Arena) Release(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if f < 0 || int(f) >= len(a.buffers) || a.buffers[f] == nil {
		panic(errors.Errorf("frame %d released twice", f))
	}
	a.buffers[f] = nil
	a.unused = append(a.unused, f)
	a.live--
}

// Len returns the number of live frames.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.live
}
