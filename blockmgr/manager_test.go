package blockmgr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/pkg/memdev"
	"github.com/outofforest/extmem/storage"
)

const blockSize = 4096

func newDisks(t *testing.T, sizes ...int64) []*storage.Disk {
	disks := make([]*storage.Disk, 0, len(sizes))
	for i, size := range sizes {
		d := storage.NewDisk(blocks.DiskID(i+1), memdev.New(size), size == 0, 1, nil, nil)
		t.Cleanup(func() { _ = d.Close() })
		disks = append(disks, d)
	}
	return disks
}

func TestAllocateStriping(t *testing.T) {
	requireT := require.New(t)

	m, err := New(newDisks(t, 4*blockSize, 4*blockSize), blockSize, Config{})
	requireT.NoError(err)

	bids, err := m.Allocate(4, NewStriping(2))
	requireT.NoError(err)
	requireT.Equal([]blocks.BID{
		{Disk: 1, Offset: 0, Size: blockSize},
		{Disk: 2, Offset: 0, Size: blockSize},
		{Disk: 1, Offset: blockSize, Size: blockSize},
		{Disk: 2, Offset: blockSize, Size: blockSize},
	}, bids)

	// Global counter continues the pattern.
	bid, err := m.AllocateOne(NewStriping(2))
	requireT.NoError(err)
	requireT.Equal(blocks.BID{Disk: 1, Offset: 2 * blockSize, Size: blockSize}, bid)

	for _, b := range append(bids, bid) {
		requireT.True(m.IsAllocated(b))
	}

	requireT.Equal(Stats{
		TotalAllocated: 5 * blockSize,
		Current:        5 * blockSize,
		Peak:           5 * blockSize,
	}, m.Stats())
}

func TestNoSpace(t *testing.T) {
	requireT := require.New(t)

	m, err := New(newDisks(t, 2*blockSize, blockSize), blockSize, Config{})
	requireT.NoError(err)

	// Disk 2 is full after first block so allocation falls back to disk 1.
	bids, err := m.Allocate(3, SingleDisk(1))
	requireT.NoError(err)
	requireT.Equal(blocks.DiskID(2), bids[0].Disk)
	requireT.Equal(blocks.DiskID(1), bids[1].Disk)
	requireT.Equal(blocks.DiskID(1), bids[2].Disk)

	m.Deallocate(bids[1])

	// Partial allocation is rolled back.
	_, err = m.Allocate(2, nil)
	requireT.ErrorIs(err, ErrNoSpace)
	requireT.False(m.IsAllocated(bids[1]))
	requireT.EqualValues(2*blockSize, m.Stats().Current)

	bid, err := m.AllocateOne(nil)
	requireT.NoError(err)
	requireT.Equal(bids[1], bid)
}

func TestIdempotentDeallocation(t *testing.T) {
	requireT := require.New(t)

	m, err := New(newDisks(t, 8*blockSize), blockSize, Config{})
	requireT.NoError(err)

	bids, err := m.Allocate(5, nil)
	requireT.NoError(err)

	m.Deallocate(bids[2])
	m.Deallocate(bids[2])
	m.Deallocate(blocks.BID{})
	m.Deallocate(blocks.BID{Disk: 7, Size: blockSize})
	m.Deallocate(blocks.BID{Disk: 1, Offset: 7 * blockSize, Size: blockSize})

	requireT.Equal(Stats{
		TotalAllocated: 5 * blockSize,
		TotalFreed:     blockSize,
		Current:        4 * blockSize,
		Peak:           5 * blockSize,
	}, m.Stats())

	more, err := m.Allocate(2, nil)
	requireT.NoError(err)

	live := map[blocks.BID]struct{}{}
	for i, b := range append(bids, more...) {
		if i == 2 {
			continue
		}
		_, exists := live[b]
		requireT.False(exists, "%s allocated twice", b)
		live[b] = struct{}{}
	}
	requireT.Equal(bids[2], more[0])
}

func TestAutogrow(t *testing.T) {
	requireT := require.New(t)

	disks := newDisks(t, 0)
	m, err := New(disks, blockSize, Config{GrowBlocks: 2})
	requireT.NoError(err)

	bids, err := m.Allocate(3, nil)
	requireT.NoError(err)
	requireT.Len(bids, 3)
	requireT.EqualValues(4*blockSize, disks[0].Size())

	requireT.NoError(disks[0].AWrite(make([]byte, blockSize), bids[2]).Wait())
}

func TestConcurrentAllocation(t *testing.T) {
	requireT := require.New(t)

	const (
		workers   = 8
		perWorker = 64
	)

	m, err := New(newDisks(t, 0, 0, 0), blockSize, Config{})
	requireT.NoError(err)

	var mu sync.Mutex
	seen := map[blocks.BID]struct{}{}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()

			strategy := NewStriping(3)
			for j := 0; j < perWorker; j++ {
				bid, err := m.AllocateOne(strategy)
				if err != nil {
					panic(err)
				}
				if j%2 == 0 {
					m.Deallocate(bid)
					m.Deallocate(bid)
					continue
				}
				mu.Lock()
				_, exists := seen[bid]
				seen[bid] = struct{}{}
				mu.Unlock()
				if exists {
					panic("overlap")
				}
			}
		}()
	}
	wg.Wait()

	requireT.Len(seen, workers*perWorker/2)
	requireT.EqualValues(len(seen)*blockSize, m.Stats().Current)
}

func TestInvalidManager(t *testing.T) {
	requireT := require.New(t)

	_, err := New(nil, blockSize, Config{})
	requireT.Error(err)

	disks := newDisks(t, blockSize)
	_, err = New(disks, 0, Config{})
	requireT.Error(err)

	_, err = New([]*storage.Disk{disks[0], disks[0]}, blockSize, Config{})
	requireT.Error(err)

	m, err := New(disks, blockSize, Config{})
	requireT.NoError(err)
	_, err = m.AllocateOne(SingleDisk(3))
	requireT.Error(err)

	d, exists := m.Disk(1)
	requireT.True(exists)
	requireT.Equal(disks[0], d)
	_, exists = m.Disk(2)
	requireT.False(exists)
}
