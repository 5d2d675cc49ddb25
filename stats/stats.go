package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Stats collects cumulative I/O counters. It is safe for concurrent use.
type Stats struct {
	reads        atomic.Uint64
	writes       atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	readTime     atomic.Int64
	writeTime    atomic.Int64
	waitTime     atomic.Int64

	mu           sync.Mutex
	inFlight     int
	busySince    time.Time
	parallelTime time.Duration
}

// New returns new stats.
func New() *Stats {
	return &Stats{}
}

// IOStarted is called when the device starts processing the request.
func (s *Stats) IOStarted() time.Time {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight == 0 {
		s.busySince = now
	}
	s.inFlight++
	return now
}

// ReadDone is called when the read of n bytes started at started is finished.
func (s *Stats) ReadDone(n int, started time.Time) {
	s.reads.Add(1)
	s.bytesRead.Add(uint64(n))
	s.readTime.Add(int64(s.ioFinished(started)))
}

// WriteDone is called when the write of n bytes started at started is finished.
func (s *Stats) WriteDone(n int, started time.Time) {
	s.writes.Add(1)
	s.bytesWritten.Add(uint64(n))
	s.writeTime.Add(int64(s.ioFinished(started)))
}

// Waited accounts time the caller was blocked waiting for I/O.
func (s *Stats) Waited(d time.Duration) {
	s.waitTime.Add(int64(d))
}

// Snapshot returns current values of counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	parallel := s.parallelTime
	if s.inFlight > 0 {
		parallel += time.Since(s.busySince)
	}
	s.mu.Unlock()

	return Snapshot{
		Reads:          s.reads.Load(),
		Writes:         s.writes.Load(),
		BytesRead:      s.bytesRead.Load(),
		BytesWritten:   s.bytesWritten.Load(),
		ReadTime:       time.Duration(s.readTime.Load()),
		WriteTime:      time.Duration(s.writeTime.Load()),
		WaitTime:       time.Duration(s.waitTime.Load()),
		ParallelIOTime: parallel,
	}
}

func (s *Stats) ioFinished(started time.Time) time.Duration {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight--
	if s.inFlight == 0 {
		s.parallelTime += now.Sub(s.busySince)
	}
	return now.Sub(started)
}

// Snapshot is the copy of counters taken at some point in time.
type Snapshot struct {
	Reads          uint64
	Writes         uint64
	BytesRead      uint64
	BytesWritten   uint64
	ReadTime       time.Duration
	WriteTime      time.Duration
	WaitTime       time.Duration
	ParallelIOTime time.Duration
}

type snapshotJSON struct {
	Reads          uint64 `json:"reads"`
	Writes         uint64 `json:"writes"`
	BytesRead      uint64 `json:"bytes_read"`
	BytesWritten   uint64 `json:"bytes_written"`
	ReadTime       string `json:"read_time"`
	WriteTime      string `json:"write_time"`
	WaitTime       string `json:"wait_time"`
	ParallelIOTime string `json:"parallel_io_time"`
}

// Sub returns the difference between two snapshots.
func (s Snapshot) Sub(prev Snapshot) Snapshot {
	return Snapshot{
		Reads:          s.Reads - prev.Reads,
		Writes:         s.Writes - prev.Writes,
		BytesRead:      s.BytesRead - prev.BytesRead,
		BytesWritten:   s.BytesWritten - prev.BytesWritten,
		ReadTime:       s.ReadTime - prev.ReadTime,
		WriteTime:      s.WriteTime - prev.WriteTime,
		WaitTime:       s.WaitTime - prev.WaitTime,
		ParallelIOTime: s.ParallelIOTime - prev.ParallelIOTime,
	}
}

// MarshalJSON encodes snapshot with durations formatted like "1.5s".
func (s Snapshot) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(snapshotJSON{
		Reads:          s.Reads,
		Writes:         s.Writes,
		BytesRead:      s.BytesRead,
		BytesWritten:   s.BytesWritten,
		ReadTime:       s.ReadTime.String(),
		WriteTime:      s.WriteTime.String(),
		WaitTime:       s.WaitTime.String(),
		ParallelIOTime: s.ParallelIOTime.String(),
	})
	return b, errors.WithStack(err)
}

// UnmarshalJSON decodes snapshot encoded by MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var v snapshotJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.WithStack(err)
	}

	durations := make([]time.Duration, 0, 4)
	for _, d := range []string{v.ReadTime, v.WriteTime, v.WaitTime, v.ParallelIOTime} {
		if d == "" {
			durations = append(durations, 0)
			continue
		}
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", d)
		}
		durations = append(durations, parsed)
	}

	*s = Snapshot{
		Reads:          v.Reads,
		Writes:         v.Writes,
		BytesRead:      v.BytesRead,
		BytesWritten:   v.BytesWritten,
		ReadTime:       durations[0],
		WriteTime:      durations[1],
		WaitTime:       durations[2],
		ParallelIOTime: durations[3],
	}
	return nil
}

func (s Snapshot) String() string {
	return fmt.Sprintf("read %s in %d requests (%s), written %s in %d requests (%s), waited %s, parallel I/O %s",
		humanize.IBytes(s.BytesRead), s.Reads, s.ReadTime,
		humanize.IBytes(s.BytesWritten), s.Writes, s.WriteTime,
		s.WaitTime, s.ParallelIOTime)
}
