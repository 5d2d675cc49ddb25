package scheduler

import "math"

const never = math.MaxInt

// OfflineLFD evicts the block whose next acquisition in the prediction sequence is the furthest.
// If execution diverges from the sequence, blocks are evicted in LRU order.
type OfflineLFD struct {
	host      Host
	replay    replay
	nextUse   []int
	next      map[BlockID]int
	evictable *lruSet
}

// NewOfflineLFD creates LFD algorithm replaying the sequence.
func NewOfflineLFD(seq PredictionSequence) *OfflineLFD {
	nextUse := make([]int, len(seq))
	next := map[BlockID]int{}
	for i := len(seq) - 1; i >= 0; i-- {
		e := seq[i]
		if e.Op != AcquireOp {
			continue
		}
		if n, exists := next[e.ID]; exists {
			nextUse[i] = n
		} else {
			nextUse[i] = never
		}
		next[e.ID] = i
	}

	return &OfflineLFD{
		replay:    replay{seq: seq},
		nextUse:   nextUse,
		next:      next,
		evictable: newLRUSet(),
	}
}

// Name returns the name of the algorithm.
func (a *OfflineLFD) Name() string {
	return OfflineLFDName
}

// Simulating returns false.
func (a *OfflineLFD) Simulating() bool {
	return false
}

// Attach stores the host.
func (a *OfflineLFD) Attach(h Host) {
	a.host = h
}

// Detach forgets the host and evictable blocks.
func (a *OfflineLFD) Detach() {
	a.host = nil
	a.evictable = newLRUSet()
}

// Timestep advances the position in the prediction sequence.
func (a *OfflineLFD) Timestep(op Op, id BlockID) {
	if a.replay.diverged {
		return
	}
	pos := a.replay.pos
	if !a.replay.step(op, id) {
		if a.host != nil {
			a.replay.logDivergence(a.host.Logger(), a.Name(), op, id)
		}
		return
	}
	if op == AcquireOp {
		a.next[id] = a.nextUse[pos]
	}
}

// ExplicitTimestep does nothing, victims depend on the position in the sequence only.
func (a *OfflineLFD) ExplicitTimestep() {}

// Acquired removes block from the evictable set.
func (a *OfflineLFD) Acquired(id BlockID) {
	a.evictable.remove(id)
}

// Released adds block to the evictable set.
func (a *OfflineLFD) Released(id BlockID, _ bool) {
	a.evictable.push(id)
}

// Removed removes block from the evictable set.
func (a *OfflineLFD) Removed(id BlockID) {
	a.evictable.remove(id)
}

// Victim returns evictable block used again the latest. Ties are broken by LRU order.
func (a *OfflineLFD) Victim() (BlockID, bool) {
	if a.replay.diverged {
		return a.evictable.pop()
	}

	victim, distance := NoBlock, -1
	a.evictable.each(func(id BlockID) {
		if d := a.distance(id); d > distance {
			victim, distance = id, d
		}
	})
	if victim == NoBlock {
		return NoBlock, false
	}
	a.evictable.remove(victim)
	return victim, true
}

// Diverged returns true if execution diverged from the prediction sequence.
func (a *OfflineLFD) Diverged() bool {
	return a.replay.diverged
}

func (a *OfflineLFD) distance(id BlockID) int {
	n, exists := a.next[id]
	if !exists || n < a.replay.pos {
		return never
	}
	return n
}
