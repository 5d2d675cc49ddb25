package merge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/extmem/blockmgr"
	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/pkg/memdev"
	"github.com/outofforest/extmem/scheduler"
	"github.com/outofforest/extmem/storage"
)

const blockSize = 4096

func newScheduler(t *testing.T, budget, prefetchBlocks int) *scheduler.Scheduler {
	disk := storage.NewDisk(1, memdev.New(64*blockSize), false, 2, nil, nil)
	t.Cleanup(func() { _ = disk.Close() })

	m, err := blockmgr.New([]*storage.Disk{disk}, blockSize, blockmgr.Config{})
	require.NoError(t, err)

	s, err := scheduler.New(scheduler.Config{
		Manager:        m,
		Budget:         budget,
		PrefetchBlocks: prefetchBlocks,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storeRun(t *testing.T, s *scheduler.Scheduler, layout blocks.Layout, data []uint64) []scheduler.BlockID {
	var ids []scheduler.BlockID
	for len(data) > 0 {
		id := s.Allocate()
		b, err := scheduler.AcquireTyped[uint64, struct{}](s, id, layout)
		require.NoError(t, err)
		n := copy(b.Elements(), data)
		data = data[n:]
		s.Release(id, true)
		ids = append(ids, id)
	}
	return ids
}

func sequence(start, step uint64, n int) []uint64 {
	data := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		data = append(data, start+uint64(i)*step)
	}
	return data
}

func TestBlockCursor(t *testing.T) {
	requireT := require.New(t)

	s := newScheduler(t, 2, 1)
	layout, err := blocks.LayoutFor[uint64, struct{}](blockSize, 0)
	requireT.NoError(err)

	data := sequence(0, 1, int(2*layout.NElements+10))
	ids := storeRun(t, s, layout, data)
	requireT.Len(ids, 3)
	requireT.NoError(s.Flush())

	c, err := NewBlockCursor[uint64](s, layout, ids, len(data))
	requireT.NoError(err)
	requireT.True(s.PrefetchPool().BusySize() <= 1)

	var result []uint64
	requireT.NoError(drain[uint64](c, func(v uint64) error {
		result = append(result, v)
		return nil
	}))
	requireT.Equal(data, result)
	requireT.False(c.Valid())
	requireT.Equal(0, c.Len())

	// All the blocks have been released.
	for _, id := range ids {
		requireT.NotEqual(scheduler.InMemoryDirty, s.State(id))
	}
	requireT.NoError(s.Resize(1))
}

func TestBlockCursorTooManyElements(t *testing.T) {
	requireT := require.New(t)

	s := newScheduler(t, 2, 0)
	layout, err := blocks.LayoutFor[uint64, struct{}](blockSize, 0)
	requireT.NoError(err)

	ids := storeRun(t, s, layout, sequence(0, 1, 10))
	_, err = NewBlockCursor[uint64](s, layout, ids, int(layout.NElements)+1)
	requireT.Error(err)
}

func TestMergeBlockCursors(t *testing.T) {
	requireT := require.New(t)

	s := newScheduler(t, 4, 2)
	layout, err := blocks.LayoutFor[uint64, struct{}](blockSize, 0)
	requireT.NoError(err)

	n := int(layout.NElements) + 100
	evens := sequence(0, 2, n)
	odds := sequence(1, 2, n)
	evenIDs := storeRun(t, s, layout, evens)
	oddIDs := storeRun(t, s, layout, odds)
	requireT.NoError(s.Flush())

	c1, err := NewBlockCursor[uint64](s, layout, evenIDs, n)
	requireT.NoError(err)
	c2, err := NewBlockCursor[uint64](s, layout, oddIDs, n)
	requireT.NoError(err)

	var result []uint64
	requireT.NoError(MergeCursors([]Cursor[uint64]{c1, c2}, func(a, b uint64) bool { return a < b },
		func(v uint64) error {
			result = append(result, v)
			return nil
		}))
	requireT.Equal(sequence(0, 1, 2*n), result)
}

func TestBlockCursorClose(t *testing.T) {
	requireT := require.New(t)

	s := newScheduler(t, 1, 0)
	layout, err := blocks.LayoutFor[uint64, struct{}](blockSize, 0)
	requireT.NoError(err)

	ids := storeRun(t, s, layout, sequence(0, 1, 10))
	c, err := NewBlockCursor[uint64](s, layout, ids, 10)
	requireT.NoError(err)
	requireT.NoError(c.Next())
	requireT.Equal(uint64(1), c.Head())

	c.Close()
	requireT.False(c.Valid())

	// Block is released so another one may use the only buffer.
	_, err = s.Acquire(s.Allocate())
	requireT.NoError(err)
}
