package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/extmem/blockmgr"
	"github.com/outofforest/extmem/pkg/memdev"
	"github.com/outofforest/extmem/stats"
	"github.com/outofforest/extmem/storage"
)

// go test -bench=. -run=^$ -cpuprofile profile.out
// go tool pprof -http="localhost:8000" pprofbin ./profile.out

func benchScheduler(b *testing.B, budget, nBlocks int) (*Scheduler, []BlockID, *stats.Stats) {
	requireT := require.New(b)

	st := stats.New()
	disk := storage.NewDisk(1, memdev.New(int64(nBlocks)*blockSize), false, 2, st, nil)
	b.Cleanup(func() { _ = disk.Close() })

	m, err := blockmgr.New([]*storage.Disk{disk}, blockSize, blockmgr.Config{})
	requireT.NoError(err)

	s, err := New(Config{
		Manager:        m,
		Budget:         budget,
		PrefetchBlocks: 2,
		WriteBlocks:    2,
	})
	requireT.NoError(err)
	b.Cleanup(func() { _ = s.Close() })

	ids := make([]BlockID, 0, nBlocks)
	for i := 0; i < nBlocks; i++ {
		bid, err := m.AllocateOne(nil)
		requireT.NoError(err)
		requireT.NoError(disk.AWrite(pattern(byte(i)), bid).Wait())
		id := s.Allocate()
		s.Initialize(id, bid)
		ids = append(ids, id)
	}
	return s, ids, st
}

func reportIO(b *testing.B, st *stats.Stats, start stats.Snapshot) {
	delta := st.Snapshot().Sub(start)
	b.ReportMetric(float64(delta.Reads)/float64(b.N), "reads/op")
	b.ReportMetric(float64(delta.Writes)/float64(b.N), "writes/op")
	b.ReportMetric(float64(delta.WaitTime.Nanoseconds())/float64(b.N), "wait-ns/op")
}

func BenchmarkAcquireHit(b *testing.B) {
	requireT := require.New(b)

	s, ids, st := benchScheduler(b, 4, 1)
	_, err := s.Acquire(ids[0])
	requireT.NoError(err)
	s.Release(ids[0], false)

	start := st.Snapshot()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Acquire(ids[0]); err != nil {
			b.Fatal(err)
		}
		s.Release(ids[0], false)
	}
	b.StopTimer()
	reportIO(b, st, start)
}

func BenchmarkAcquireMiss(b *testing.B) {
	s, ids, st := benchScheduler(b, 2, 8)

	start := st.Snapshot()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := ids[i%len(ids)]
		if _, err := s.Acquire(id); err != nil {
			b.Fatal(err)
		}
		s.Release(id, false)
	}
	b.StopTimer()
	reportIO(b, st, start)
}

func BenchmarkAcquireMissDirty(b *testing.B) {
	s, ids, st := benchScheduler(b, 2, 8)

	start := st.Snapshot()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := ids[i%len(ids)]
		buf, err := s.Acquire(id)
		if err != nil {
			b.Fatal(err)
		}
		buf[0]++
		s.Release(id, true)
	}
	b.StopTimer()
	reportIO(b, st, start)
}
