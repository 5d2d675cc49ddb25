package scheduler

// OnlineLRU evicts the least recently released block.
type OnlineLRU struct {
	evictable *lruSet
}

// NewOnlineLRU creates online LRU algorithm.
func NewOnlineLRU() *OnlineLRU {
	return &OnlineLRU{
		evictable: newLRUSet(),
	}
}

// Name returns the name of the algorithm.
func (a *OnlineLRU) Name() string {
	return OnlineLRUName
}

// Simulating returns false.
func (a *OnlineLRU) Simulating() bool {
	return false
}

// Attach does nothing.
func (a *OnlineLRU) Attach(Host) {}

// Detach forgets all the blocks.
func (a *OnlineLRU) Detach() {
	a.evictable = newLRUSet()
}

// Timestep does nothing.
func (a *OnlineLRU) Timestep(Op, BlockID) {}

// ExplicitTimestep does nothing.
func (a *OnlineLRU) ExplicitTimestep() {}

// Acquired removes block from the eviction order.
func (a *OnlineLRU) Acquired(id BlockID) {
	a.evictable.remove(id)
}

// Released puts block at the end of the eviction order.
func (a *OnlineLRU) Released(id BlockID, _ bool) {
	a.evictable.push(id)
}

// Removed removes block from the eviction order.
func (a *OnlineLRU) Removed(id BlockID) {
	a.evictable.remove(id)
}

// Victim returns the least recently released block.
func (a *OnlineLRU) Victim() (BlockID, bool) {
	return a.evictable.pop()
}
