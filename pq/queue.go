package pq

import (
	"container/heap"

	"github.com/pkg/errors"

	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/merge"
	"github.com/outofforest/extmem/scheduler"
)

// ErrEmpty is returned when element is taken from empty queue.
var ErrEmpty = errors.New("queue is empty")

// Config is the configuration of the queue.
type Config struct {
	// InsertLimit is the capacity of the insertion heap.
	InsertLimit int

	// InternalLimit is the number of internal arrays kept before they are merged into external one.
	InternalLimit int

	// ExternalLimit is the number of external arrays kept before they are merged together.
	// Each external array keeps one block acquired, so the scheduler budget must exceed ExternalLimit + 1.
	ExternalLimit int
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		InsertLimit:   1024,
		InternalLimit: 8,
		ExternalLimit: 8,
	}
}

type externalRun[T any] struct {
	array  *ExternalArray[T]
	cursor *merge.BlockCursor[T]
}

func (r externalRun[T]) close() {
	r.cursor.Close()
	r.array.Close()
}

// Queue is priority queue keeping elements beyond the insertion heap in sorted internal and external arrays.
// T must be fixed-size type without pointers.
type Queue[T any] struct {
	s        *scheduler.Scheduler
	layout   blocks.Layout
	less     func(a, b T) bool
	config   Config
	insert   *insertHeap[T]
	internal []*InternalArray[T]
	external []*externalRun[T]
	tree     *WinnerTree
	n        int
}

// New creates new queue storing external arrays in blocks managed by the scheduler.
func New[T any](s *scheduler.Scheduler, less func(a, b T) bool, config Config) (*Queue[T], error) {
	if config.InsertLimit <= 0 || config.InternalLimit <= 0 || config.ExternalLimit < 2 {
		return nil, errors.Errorf("invalid queue configuration: %+v", config)
	}
	layout, err := blocks.LayoutFor[T, struct{}](s.BlockSize(), 0)
	if err != nil {
		return nil, err
	}

	q := &Queue[T]{
		s:      s,
		layout: layout,
		less:   less,
		config: config,
		insert: &insertHeap[T]{
			data: make([]T, 0, config.InsertLimit),
			less: less,
		},
		internal: make([]*InternalArray[T], config.InternalLimit),
		external: make([]*externalRun[T], config.ExternalLimit),
	}
	q.tree = NewWinnerTree(config.InternalLimit+config.ExternalLimit, q.lessPlayers)
	return q, nil
}

// Len returns the number of elements in the queue.
func (q *Queue[T]) Len() int {
	return q.n
}

// Push adds element to the queue.
func (q *Queue[T]) Push(v T) error {
	heap.Push(q.insert, v)
	q.n++
	if q.insert.Len() < q.config.InsertLimit {
		return nil
	}
	return q.flushInsert()
}

// Top returns the smallest element without removing it.
func (q *Queue[T]) Top() (T, bool) {
	if q.n == 0 {
		var zero T
		return zero, false
	}
	if q.fromHeap() {
		return q.insert.data[0], true
	}
	i, _ := q.tree.Top()
	return q.head(i), true
}

// Pop removes and returns the smallest element.
func (q *Queue[T]) Pop() (T, error) {
	var zero T
	if q.n == 0 {
		return zero, errors.WithStack(ErrEmpty)
	}

	if q.fromHeap() {
		q.n--
		return heap.Pop(q.insert).(T), nil
	}

	i, _ := q.tree.Top()
	v := q.head(i)
	if err := q.advance(i); err != nil {
		return zero, err
	}
	q.n--
	return v, nil
}

// Close frees all the external arrays.
func (q *Queue[T]) Close() {
	for i, r := range q.external {
		if r != nil {
			r.close()
			q.external[i] = nil
		}
	}
	clear(q.internal)
	q.insert.data = q.insert.data[:0]
	q.tree = NewWinnerTree(q.config.InternalLimit+q.config.ExternalLimit, q.lessPlayers)
	q.n = 0
}

func (q *Queue[T]) fromHeap() bool {
	if q.insert.Len() == 0 {
		return false
	}
	i, ok := q.tree.Top()
	return !ok || !q.less(q.head(i), q.insert.data[0])
}

func (q *Queue[T]) lessPlayers(i, j int) bool {
	return q.less(q.head(i), q.head(j))
}

func (q *Queue[T]) head(player int) T {
	if player < len(q.internal) {
		return q.internal[player].Head()
	}
	return q.external[player-len(q.internal)].cursor.Head()
}

func (q *Queue[T]) advance(player int) error {
	if player < len(q.internal) {
		a := q.internal[player]
		_ = a.Next()
		if !a.Valid() {
			q.internal[player] = nil
			q.tree.Deactivate(player)
			return nil
		}
		q.tree.Replay(player)
		return nil
	}

	slot := player - len(q.internal)
	r := q.external[slot]
	if err := r.cursor.Next(); err != nil {
		return err
	}
	if !r.cursor.Valid() {
		r.close()
		q.external[slot] = nil
		q.tree.Deactivate(player)
		return nil
	}
	q.tree.Replay(player)
	return nil
}

// flushInsert moves content of the insertion heap to new internal array.
func (q *Queue[T]) flushInsert() error {
	slot := freeSlot(q.internal)
	if slot < 0 {
		if err := q.mergeInternal(); err != nil {
			return err
		}
		slot = 0
	}

	data := make([]T, len(q.insert.data))
	copy(data, q.insert.data)
	merge.Sort(data, 0, q.less)
	q.insert.data = q.insert.data[:0]

	q.internal[slot] = NewInternalArray(data)
	q.tree.Activate(slot)
	return nil
}

// mergeInternal merges all the internal arrays into new external one.
func (q *Queue[T]) mergeInternal() error {
	cursors := make([]merge.Cursor[T], 0, len(q.internal))
	for _, a := range q.internal {
		if a != nil {
			cursors = append(cursors, a)
		}
	}

	w := NewExternalArrayWriter[T](q.s, q.layout)
	if err := merge.MergeCursors(cursors, q.less, w.Append); err != nil {
		w.Abort()
		return err
	}
	clear(q.internal)
	q.tree.DeactivateRange(0, len(q.internal))
	return q.addExternal(w.Finish())
}

func (q *Queue[T]) addExternal(array *ExternalArray[T]) error {
	slot := freeSlot(q.external)
	if slot < 0 {
		if err := q.mergeExternal(); err != nil {
			array.Close()
			return err
		}
		slot = 1
	}
	return q.activateExternal(slot, array)
}

// mergeExternal merges all the external arrays into one stored in the first slot.
func (q *Queue[T]) mergeExternal() error {
	cursors := make([]merge.Cursor[T], 0, len(q.external))
	for _, r := range q.external {
		cursors = append(cursors, r.cursor)
	}

	w := NewExternalArrayWriter[T](q.s, q.layout)
	if err := merge.MergeCursors(cursors, q.less, w.Append); err != nil {
		w.Abort()
		return err
	}
	merged := w.Finish()

	for i, r := range q.external {
		r.close()
		q.external[i] = nil
	}
	q.tree.DeactivateRange(len(q.internal), len(q.internal)+len(q.external))
	return q.activateExternal(0, merged)
}

func (q *Queue[T]) activateExternal(slot int, array *ExternalArray[T]) error {
	if array.Len() == 0 {
		array.Close()
		return nil
	}
	c, err := array.Cursor()
	if err != nil {
		array.Close()
		return err
	}
	q.external[slot] = &externalRun[T]{array: array, cursor: c}
	q.tree.Activate(len(q.internal) + slot)
	return nil
}

func freeSlot[T any](slots []*T) int {
	for i, s := range slots {
		if s == nil {
			return i
		}
	}
	return -1
}

type insertHeap[T any] struct {
	data []T
	less func(a, b T) bool
}

func (h *insertHeap[T]) Len() int           { return len(h.data) }
func (h *insertHeap[T]) Less(i, j int) bool { return h.less(h.data[i], h.data[j]) }
func (h *insertHeap[T]) Swap(i, j int)      { h.data[i], h.data[j] = h.data[j], h.data[i] }

func (h *insertHeap[T]) Push(v any) {
	h.data = append(h.data, v.(T))
}

func (h *insertHeap[T]) Pop() any {
	n := len(h.data) - 1
	v := h.data[n]
	h.data = h.data[:n]
	return v
}
