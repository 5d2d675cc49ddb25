package merge

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/extmem/blockmgr"
	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/pkg/memdev"
	"github.com/outofforest/extmem/scheduler"
	"github.com/outofforest/extmem/stats"
	"github.com/outofforest/extmem/storage"
)

// go test -bench=. -run=^$ -cpuprofile profile.out
// go tool pprof -http="localhost:8000" pprofbin ./profile.out

const benchK = 64

func lessUint64(a, b uint64) bool {
	return a < b
}

func benchRuns(k, n int) [][]uint64 {
	rnd := rand.New(rand.NewPCG(1, 2))
	runs := make([][]uint64, 0, k)
	for range k {
		run := make([]uint64, 0, n)
		for range n {
			run = append(run, rnd.Uint64())
		}
		slices.Sort(run)
		runs = append(runs, run)
	}
	return runs
}

func BenchmarkMergeCursors(b *testing.B) {
	runs := benchRuns(benchK, 1024)
	cursors := make([]Cursor[uint64], benchK)

	b.ResetTimer()
	for bi := 0; bi < b.N; bi++ {
		for i, run := range runs {
			cursors[i] = NewSliceCursor(run)
		}
		if err := MergeCursors(cursors, lessUint64, func(uint64) error { return nil }); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMergeBlockCursors(b *testing.B) {
	requireT := require.New(b)

	layout, err := blocks.LayoutFor[uint64, struct{}](blockSize, 0)
	requireT.NoError(err)
	n := int(2 * layout.NElements)
	runs := benchRuns(benchK, n)

	st := stats.New()
	disk := storage.NewDisk(1, memdev.New(2*benchK*blockSize), false, 2, st, nil)
	b.Cleanup(func() { _ = disk.Close() })
	m, err := blockmgr.New([]*storage.Disk{disk}, blockSize, blockmgr.Config{})
	requireT.NoError(err)
	s, err := scheduler.New(scheduler.Config{
		Manager:        m,
		Budget:         benchK + 8,
		PrefetchBlocks: 8,
		WriteBlocks:    8,
	})
	requireT.NoError(err)
	b.Cleanup(func() { _ = s.Close() })

	ids := make([][]scheduler.BlockID, 0, benchK)
	for _, run := range runs {
		var runIDs []scheduler.BlockID
		for data := run; len(data) > 0; {
			id := s.Allocate()
			blk, err := scheduler.AcquireTyped[uint64, struct{}](s, id, layout)
			requireT.NoError(err)
			data = data[copy(blk.Elements(), data):]
			s.Release(id, true)
			runIDs = append(runIDs, id)
		}
		ids = append(ids, runIDs)
	}
	requireT.NoError(s.Flush())

	cursors := make([]Cursor[uint64], benchK)
	blockCursors := make([]*BlockCursor[uint64], benchK)
	start := st.Snapshot()

	b.ResetTimer()
	for bi := 0; bi < b.N; bi++ {
		for i := range ids {
			c, err := NewBlockCursor[uint64](s, layout, ids[i], n)
			if err != nil {
				b.Fatal(err)
			}
			cursors[i] = c
			blockCursors[i] = c
		}
		if err := MergeCursors(cursors, lessUint64, func(uint64) error { return nil }); err != nil {
			b.Fatal(err)
		}
		for _, c := range blockCursors {
			c.Close()
		}
	}
	b.StopTimer()

	delta := st.Snapshot().Sub(start)
	b.ReportMetric(float64(delta.Reads)/float64(b.N), "reads/op")
	b.ReportMetric(float64(delta.BytesRead)/float64(b.N), "bytes-read/op")
	b.ReportMetric(float64(delta.WaitTime.Nanoseconds())/float64(b.N), "wait-ns/op")
}
