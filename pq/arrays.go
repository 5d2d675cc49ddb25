package pq

import (
	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/merge"
	"github.com/outofforest/extmem/scheduler"
)

// NewInternalArray creates internal array from sorted elements.
func NewInternalArray[T any](sorted []T) *InternalArray[T] {
	return &InternalArray[T]{data: sorted}
}

// InternalArray is sorted run kept in memory.
type InternalArray[T any] struct {
	data []T
	pos  int
}

// Valid returns false if all the elements have been consumed.
func (a *InternalArray[T]) Valid() bool {
	return a.pos < len(a.data)
}

// Head returns the smallest unconsumed element.
func (a *InternalArray[T]) Head() T {
	return a.data[a.pos]
}

// Next consumes the head.
func (a *InternalArray[T]) Next() error {
	a.pos++
	return nil
}

// Len returns the number of unconsumed elements.
func (a *InternalArray[T]) Len() int {
	return len(a.data) - a.pos
}

// NewExternalArrayWriter creates writer storing sorted run in swappable blocks.
func NewExternalArrayWriter[T any](s *scheduler.Scheduler, layout blocks.Layout) *ExternalArrayWriter[T] {
	return &ExternalArrayWriter[T]{
		s:      s,
		layout: layout,
	}
}

// ExternalArrayWriter appends elements to swappable blocks. Only the last block is acquired.
type ExternalArrayWriter[T any] struct {
	s        *scheduler.Scheduler
	layout   blocks.Layout
	ids      []scheduler.BlockID
	n        int
	elements []T
	pos      int
}

// Append adds element at the end of the run.
func (w *ExternalArrayWriter[T]) Append(v T) error {
	if w.elements == nil || w.pos == len(w.elements) {
		w.release()

		id := w.s.Allocate()
		b, err := scheduler.AcquireTyped[T, struct{}](w.s, id, w.layout)
		if err != nil {
			w.s.Free(id)
			return err
		}
		w.ids = append(w.ids, id)
		w.elements = b.Elements()
		w.pos = 0
	}

	w.elements[w.pos] = v
	w.pos++
	w.n++
	return nil
}

// Finish releases the last block and returns the array.
func (w *ExternalArrayWriter[T]) Finish() *ExternalArray[T] {
	w.release()
	return &ExternalArray[T]{
		s:      w.s,
		layout: w.layout,
		ids:    w.ids,
		n:      w.n,
	}
}

// Abort frees all the blocks written so far.
func (w *ExternalArrayWriter[T]) Abort() {
	w.release()
	w.Finish().Close()
}

func (w *ExternalArrayWriter[T]) release() {
	if w.elements == nil {
		return
	}
	w.s.Release(w.ids[len(w.ids)-1], true)
	w.elements = nil
}

// BuildExternalArray stores sorted elements in swappable blocks.
func BuildExternalArray[T any](s *scheduler.Scheduler, layout blocks.Layout, sorted []T) (*ExternalArray[T], error) {
	w := NewExternalArrayWriter[T](s, layout)
	for _, v := range sorted {
		if err := w.Append(v); err != nil {
			w.Abort()
			return nil, err
		}
	}
	return w.Finish(), nil
}

// ExternalArray is sorted run stored in swappable blocks.
type ExternalArray[T any] struct {
	s      *scheduler.Scheduler
	layout blocks.Layout
	ids    []scheduler.BlockID
	n      int
}

// Len returns the number of elements.
func (a *ExternalArray[T]) Len() int {
	return a.n
}

// Blocks returns the number of blocks used by the array.
func (a *ExternalArray[T]) Blocks() int {
	return len(a.ids)
}

// Cursor returns cursor iterating over elements of the array.
func (a *ExternalArray[T]) Cursor() (*merge.BlockCursor[T], error) {
	return merge.NewBlockCursor[T](a.s, a.layout, a.ids, a.n)
}

// Close drops the content of the array and frees its blocks. Cursors must be closed before.
func (a *ExternalArray[T]) Close() {
	for _, id := range a.ids {
		a.s.Deinitialize(id)
		a.s.Free(id)
	}
	a.ids = nil
	a.n = 0
}
