package merge

import (
	"slices"
)

// Merge appends merged sorted sequences to dst and returns the extended slice.
// Merge is stable: equal elements are emitted in the order of sequences.
func Merge[T any](dst []T, seqs [][]T, less func(a, b T) bool) []T {
	cursors := make([]Cursor[T], 0, len(seqs))
	n := len(dst)
	for _, s := range seqs {
		n += len(s)
		cursors = append(cursors, NewSliceCursor(s))
	}
	dst = slices.Grow(dst, n-len(dst))

	// Slice cursors never fail.
	_ = MergeCursors(cursors, less, func(v T) error {
		dst = append(dst, v)
		return nil
	})
	return dst
}

// MergeCursors merges sorted sequences and passes elements to emit in sorted order.
// Depending on the number of sequences direct, linear scan or loser tree merging is used.
func MergeCursors[T any](cursors []Cursor[T], less func(a, b T) bool, emit func(v T) error) error {
	switch k := len(cursors); {
	case k == 0:
		return nil
	case k == 1:
		return drain(cursors[0], emit)
	case k == 2:
		return mergeTwo(cursors[0], cursors[1], less, emit)
	case k <= 4:
		return mergeScan(cursors, less, emit)
	default:
		return mergeTree(cursors, less, emit)
	}
}

// Sort sorts data by forming sorted runs of runLength elements and merging them.
// Sort is stable.
func Sort[T any](data []T, runLength int, less func(a, b T) bool) {
	if runLength <= 0 {
		runLength = len(data)
	}
	if len(data) <= runLength {
		slices.SortStableFunc(data, compare(less))
		return
	}

	runs := make([][]T, 0, (len(data)+runLength-1)/runLength)
	for start := 0; start < len(data); start += runLength {
		run := data[start:min(start+runLength, len(data))]
		slices.SortStableFunc(run, compare(less))
		runs = append(runs, run)
	}
	copy(data, Merge(make([]T, 0, len(data)), runs, less))
}

func compare[T any](less func(a, b T) bool) func(a, b T) int {
	return func(a, b T) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		default:
			return 0
		}
	}
}

func emitNext[T any](c Cursor[T], emit func(v T) error) error {
	if err := emit(c.Head()); err != nil {
		return err
	}
	return c.Next()
}

func drain[T any](c Cursor[T], emit func(v T) error) error {
	for c.Valid() {
		if err := emitNext(c, emit); err != nil {
			return err
		}
	}
	return nil
}

func mergeTwo[T any](a, b Cursor[T], less func(a, b T) bool, emit func(v T) error) error {
	for a.Valid() && b.Valid() {
		c := a
		if less(b.Head(), a.Head()) {
			c = b
		}
		if err := emitNext(c, emit); err != nil {
			return err
		}
	}
	if err := drain(a, emit); err != nil {
		return err
	}
	return drain(b, emit)
}

func mergeScan[T any](cursors []Cursor[T], less func(a, b T) bool, emit func(v T) error) error {
	for {
		best := -1
		for i, c := range cursors {
			if !c.Valid() {
				continue
			}
			if best < 0 || less(c.Head(), cursors[best].Head()) {
				best = i
			}
		}
		if best < 0 {
			return nil
		}
		if err := emitNext(cursors[best], emit); err != nil {
			return err
		}
	}
}

func mergeTree[T any](cursors []Cursor[T], less func(a, b T) bool, emit func(v T) error) error {
	t := NewLoserTree[T](len(cursors), less)
	for i, c := range cursors {
		if c.Valid() {
			t.Set(i, c.Head())
		}
	}
	t.Build()

	for {
		i, ok := t.Winner()
		if !ok {
			return nil
		}
		c := cursors[i]
		if err := emitNext(c, emit); err != nil {
			return err
		}
		if c.Valid() {
			t.Replace(c.Head())
		} else {
			t.Exhaust()
		}
	}
}
