package scheduler

// OfflineLRUPrefetch evicts blocks in LRU order and uses prediction sequence to prefetch blocks
// before they are acquired. Prefetching stops once execution diverges from the sequence.
type OfflineLRUPrefetch struct {
	host      Host
	replay    replay
	depth     int
	evictable *lruSet
}

// NewOfflineLRUPrefetch creates algorithm prefetching up to depth blocks ahead.
// Zero depth means the size of the prefetch pool.
func NewOfflineLRUPrefetch(seq PredictionSequence, depth int) *OfflineLRUPrefetch {
	return &OfflineLRUPrefetch{
		replay:    replay{seq: seq},
		depth:     depth,
		evictable: newLRUSet(),
	}
}

// Name returns the name of the algorithm.
func (a *OfflineLRUPrefetch) Name() string {
	return OfflineLRUPrefetchName
}

// Simulating returns false.
func (a *OfflineLRUPrefetch) Simulating() bool {
	return false
}

// Attach stores the host and prefetches the beginning of the sequence.
func (a *OfflineLRUPrefetch) Attach(h Host) {
	a.host = h
	a.prefetch(NoBlock)
}

// Detach forgets the host and evictable blocks.
func (a *OfflineLRUPrefetch) Detach() {
	a.host = nil
	a.evictable = newLRUSet()
}

// Timestep advances the position in the prediction sequence.
func (a *OfflineLRUPrefetch) Timestep(op Op, id BlockID) {
	if a.replay.diverged {
		return
	}
	if !a.replay.step(op, id) && a.host != nil {
		a.replay.logDivergence(a.host.Logger(), a.Name(), op, id)
	}
}

// ExplicitTimestep refills the prefetch window, buffers might have been consumed since the last acquisition.
func (a *OfflineLRUPrefetch) ExplicitTimestep() {
	a.prefetch(NoBlock)
}

// Acquired removes block from the eviction order and prefetches blocks acquired next.
func (a *OfflineLRUPrefetch) Acquired(id BlockID) {
	a.evictable.remove(id)
	a.prefetch(id)
}

// Released puts block at the end of the eviction order.
func (a *OfflineLRUPrefetch) Released(id BlockID, _ bool) {
	a.evictable.push(id)
}

// Removed removes block from the eviction order.
func (a *OfflineLRUPrefetch) Removed(id BlockID) {
	a.evictable.remove(id)
}

// Victim returns the least recently released block.
func (a *OfflineLRUPrefetch) Victim() (BlockID, bool) {
	return a.evictable.pop()
}

func (a *OfflineLRUPrefetch) prefetch(current BlockID) {
	if a.host == nil || a.replay.diverged {
		return
	}

	depth := a.depth
	if depth <= 0 {
		depth = a.host.PrefetchDepth()
	}

	seen := map[BlockID]struct{}{current: {}}
	for i := a.replay.pos; i < len(a.replay.seq) && len(seen) <= depth; i++ {
		e := a.replay.seq[i]
		if e.Op != AcquireOp {
			continue
		}
		if _, exists := seen[e.ID]; exists {
			continue
		}
		seen[e.ID] = struct{}{}
		a.host.Prefetch(e.ID)
	}
}
