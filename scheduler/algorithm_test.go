package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func runTrace(t *testing.T, s *Scheduler, trace []BlockID, patterns map[BlockID]byte) {
	for _, id := range trace {
		buf, err := s.Acquire(id)
		require.NoError(t, err)
		if !s.IsSimulating() {
			require.Equal(t, pattern(patterns[id]), buf)
		}
		s.Release(id, false)
		s.ExplicitTimestep()
	}
}

func beladyEnv(t *testing.T, prefetchBlocks int) (*env, []BlockID, map[BlockID]byte) {
	e := newEnv(t, 2, prefetchBlocks, 0)

	patterns := map[BlockID]byte{}
	ids := make([]BlockID, 0, 4)
	for i := 0; i < 4; i++ {
		id := e.onDisk(t, byte(0x10+i))
		patterns[id] = byte(0x10 + i)
		ids = append(ids, id)
	}
	a, b, c, d := ids[0], ids[1], ids[2], ids[3]
	return e, []BlockID{a, b, c, a, b, d, a, b, c, d}, patterns
}

func record(t *testing.T, s *Scheduler, trace []BlockID) PredictionSequence {
	s.SwitchAlgorithm(NewSimulation())
	require.True(t, s.IsSimulating())
	runTrace(t, s, trace, nil)
	seq := s.PredictionSequence()
	require.Len(t, seq, 2*len(trace))
	return seq
}

func TestOnlineLRUTrace(t *testing.T) {
	requireT := require.New(t)

	e, trace, patterns := beladyEnv(t, 0)
	requireT.Equal(OnlineLRUName, e.s.Algorithm().Name())

	runTrace(t, e.s, trace, patterns)
	requireT.EqualValues(10, e.s.Stats().Loads)
}

func TestOfflineLFDTrace(t *testing.T) {
	requireT := require.New(t)

	e, trace, patterns := beladyEnv(t, 0)
	seq := record(t, e.s, trace)

	// Simulation executes no I/O.
	requireT.EqualValues(0, e.s.Stats().Loads)
	for _, id := range trace {
		requireT.Equal(OnDisk, e.s.State(id))
	}

	lfd := NewOfflineLFD(seq)
	old := e.s.SwitchAlgorithm(lfd)
	requireT.Equal(SimulationName, old.Name())
	requireT.False(e.s.IsSimulating())

	runTrace(t, e.s, trace, patterns)
	requireT.EqualValues(7, e.s.Stats().Loads)
	requireT.False(lfd.Diverged())
}

func TestOfflineLFDDivergence(t *testing.T) {
	requireT := require.New(t)

	e, trace, patterns := beladyEnv(t, 0)
	seq := record(t, e.s, trace)

	lfd := NewOfflineLFD(seq)
	e.s.SwitchAlgorithm(lfd)

	reversed := make([]BlockID, 0, len(trace))
	for i := len(trace) - 1; i >= 0; i-- {
		reversed = append(reversed, trace[i])
	}
	runTrace(t, e.s, reversed, patterns)
	requireT.True(lfd.Diverged())
}

func TestOfflineLRUPrefetchTrace(t *testing.T) {
	requireT := require.New(t)

	e, trace, patterns := beladyEnv(t, 2)
	seq := record(t, e.s, trace)

	e.s.SwitchAlgorithm(NewOfflineLRUPrefetch(seq, 0))

	bidOf := func(id BlockID) bool {
		e.s.mu.Lock()
		defer e.s.mu.Unlock()
		return e.s.PrefetchPool().InPrefetching(e.s.blocks[id].bid)
	}

	// First blocks of the sequence are prefetched as soon as algorithm is attached.
	requireT.True(bidOf(trace[0]))
	requireT.True(bidOf(trace[1]))

	_, err := e.s.Acquire(trace[0])
	requireT.NoError(err)
	requireT.True(bidOf(trace[2]))
	e.s.Release(trace[0], false)
	e.s.ExplicitTimestep()

	runTrace(t, e.s, trace[1:], patterns)
	requireT.EqualValues(10, e.s.Stats().Loads)
}

func TestSimulation(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t, 1, 0, 0)
	a := e.onDisk(t, 0x01)
	b := e.s.Allocate()

	sim := NewSimulation()
	e.s.SwitchAlgorithm(sim)
	requireT.ErrorIs(e.s.Resize(2), ErrSimulating)
	requireT.ErrorIs(e.s.Flush(), ErrSimulating)

	// Budget does not limit simulated acquisitions.
	_, err := e.s.Acquire(a)
	requireT.NoError(err)
	_, err = e.s.Acquire(b)
	requireT.NoError(err)
	e.s.ExplicitTimestep()
	e.s.Release(a, false)
	e.s.Release(b, true)
	requireT.Panics(func() { e.s.Release(b, false) })

	requireT.True(e.s.IsInitialized(b))
	e.s.Deinitialize(b)
	requireT.False(e.s.IsInitialized(b))
	bid, err := e.s.Extract(a)
	requireT.NoError(err)
	requireT.False(bid.Valid())
	requireT.False(e.s.IsInitialized(a))

	requireT.Equal(PredictionSequence{
		{Op: AcquireOp, ID: a, Time: 0},
		{Op: AcquireOp, ID: b, Time: 0},
		{Op: ReleaseOp, ID: a, Time: 1},
		{Op: ReleaseDirtyOp, ID: b, Time: 1},
		{Op: ReleaseOp, ID: b, Time: 1},
		{Op: DeinitializeOp, ID: b, Time: 1},
		{Op: ExtractOp, ID: a, Time: 1},
	}, e.s.PredictionSequence())
	requireT.EqualValues(1, sim.Timesteps())

	// Real state is untouched.
	e.s.SwitchAlgorithm(NewOnlineLRU())
	requireT.Nil(e.s.PredictionSequence())
	requireT.Equal(OnDisk, e.s.State(a))
	requireT.Equal(Uninitialized, e.s.State(b))
	requireT.EqualValues(0, e.s.Stats().Loads)
	requireT.NoError(e.s.Resize(2))
}

type steppingLRU struct {
	*OnlineLRU

	host  Host
	times []uint64
}

func (a *steppingLRU) Attach(h Host) {
	a.host = h
}

func (a *steppingLRU) ExplicitTimestep() {
	a.times = append(a.times, a.host.Time())
}

func TestExplicitTimestep(t *testing.T) {
	requireT := require.New(t)

	e := newEnv(t, 2, 0, 0)
	a := &steppingLRU{OnlineLRU: NewOnlineLRU()}
	e.s.SwitchAlgorithm(a)

	id := e.onDisk(t, 0x01)
	_, err := e.s.Acquire(id)
	requireT.NoError(err)
	e.s.Release(id, false)
	requireT.Empty(a.times)

	e.s.ExplicitTimestep()
	e.s.ExplicitTimestep()
	requireT.Equal([]uint64{1, 2}, a.times)
}

func TestSimulationTimesteps(t *testing.T) {
	requireT := require.New(t)

	e, trace, _ := beladyEnv(t, 0)
	sim := NewSimulation()
	e.s.SwitchAlgorithm(sim)
	runTrace(t, e.s, trace, nil)
	requireT.EqualValues(len(trace), sim.Timesteps())

	e.s.SwitchAlgorithm(NewOnlineLRU())
	e.s.ExplicitTimestep()
	requireT.EqualValues(len(trace), sim.Timesteps())
}

func TestNewAlgorithm(t *testing.T) {
	requireT := require.New(t)

	for _, name := range []string{OnlineLRUName, SimulationName, OfflineLFDName, OfflineLRUPrefetchName} {
		a, err := NewAlgorithm(name, nil)
		requireT.NoError(err)
		requireT.Equal(name, a.Name())
	}
	_, err := NewAlgorithm("unknown", nil)
	requireT.Error(err)
}

func TestLFDVictim(t *testing.T) {
	requireT := require.New(t)

	seq := PredictionSequence{
		{Op: AcquireOp, ID: 1},
		{Op: AcquireOp, ID: 2},
		{Op: AcquireOp, ID: 3},
		{Op: AcquireOp, ID: 2},
		{Op: AcquireOp, ID: 1},
	}
	a := NewOfflineLFD(seq)
	for _, e := range seq[:3] {
		a.Timestep(e.Op, e.ID)
	}
	a.Released(1, false)
	a.Released(2, false)
	a.Released(3, false)

	// Block 3 is never used again.
	id, ok := a.Victim()
	requireT.True(ok)
	requireT.Equal(BlockID(3), id)

	id, ok = a.Victim()
	requireT.True(ok)
	requireT.Equal(BlockID(1), id)

	a.Removed(2)
	_, ok = a.Victim()
	requireT.False(ok)
}
