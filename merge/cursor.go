package merge

import (
	"github.com/pkg/errors"

	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/scheduler"
)

// Cursor iterates over sorted sequence.
type Cursor[T any] interface {
	// Valid returns false if sequence is exhausted.
	Valid() bool

	// Head returns current element. It may be called only if cursor is valid.
	Head() T

	// Next moves to the next element.
	Next() error
}

// NewSliceCursor returns cursor iterating over slice.
func NewSliceCursor[T any](data []T) *SliceCursor[T] {
	return &SliceCursor[T]{data: data}
}

// SliceCursor iterates over slice.
type SliceCursor[T any] struct {
	data []T
	pos  int
}

// Valid returns false if all the elements have been consumed.
func (c *SliceCursor[T]) Valid() bool {
	return c.pos < len(c.data)
}

// Head returns current element.
func (c *SliceCursor[T]) Head() T {
	return c.data[c.pos]
}

// Next moves to the next element.
func (c *SliceCursor[T]) Next() error {
	c.pos++
	return nil
}

// Remaining returns unconsumed elements.
func (c *SliceCursor[T]) Remaining() []T {
	return c.data[c.pos:]
}

// NewBlockCursor returns cursor iterating over n elements stored in swappable blocks.
// Each block except the last one must be full.
func NewBlockCursor[T any](s *scheduler.Scheduler, layout blocks.Layout, ids []scheduler.BlockID,
	n int,
) (*BlockCursor[T], error) {
	if capacity := int64(len(ids)) * layout.NElements; int64(n) > capacity {
		return nil, errors.Errorf("%d elements do not fit into %d blocks", n, len(ids))
	}

	c := &BlockCursor[T]{
		s:         s,
		layout:    layout,
		ids:       ids,
		remaining: n,
		block:     -1,
	}
	if err := c.load(0); err != nil {
		return nil, err
	}
	return c, nil
}

// BlockCursor iterates over run stored in swappable blocks. Only the block containing current element is acquired.
// The next block is hinted to the scheduler so it is loaded in background.
type BlockCursor[T any] struct {
	s         *scheduler.Scheduler
	layout    blocks.Layout
	ids       []scheduler.BlockID
	remaining int
	block     int
	elements  []T
	pos       int
}

// Valid returns false if all the elements have been consumed.
func (c *BlockCursor[T]) Valid() bool {
	return c.remaining > 0
}

// Head returns current element.
func (c *BlockCursor[T]) Head() T {
	return c.elements[c.pos]
}

// Len returns the number of unconsumed elements.
func (c *BlockCursor[T]) Len() int {
	return c.remaining
}

// Next moves to the next element. Exhausted blocks are released.
func (c *BlockCursor[T]) Next() error {
	if c.remaining == 0 {
		return nil
	}
	c.remaining--
	c.pos++
	if c.pos < len(c.elements) {
		return nil
	}
	return c.load(c.block + 1)
}

// Close releases the acquired block.
func (c *BlockCursor[T]) Close() {
	c.release()
	c.remaining = 0
}

func (c *BlockCursor[T]) load(block int) error {
	c.release()
	if c.remaining == 0 {
		return nil
	}

	b, err := scheduler.AcquireTyped[T, struct{}](c.s, c.ids[block], c.layout)
	if err != nil {
		return err
	}
	c.block = block
	c.elements = b.Elements()
	if int64(c.remaining) < c.layout.NElements {
		c.elements = c.elements[:c.remaining]
	}
	c.pos = 0

	if next := block + 1; next < len(c.ids) {
		c.s.Hint(c.ids[next])
	}
	return nil
}

func (c *BlockCursor[T]) release() {
	if c.elements == nil {
		return
	}
	c.s.Release(c.ids[c.block], false)
	c.elements = nil
}
