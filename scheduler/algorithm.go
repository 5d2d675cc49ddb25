package scheduler

import (
	"container/list"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Algorithm names.
const (
	OnlineLRUName          = "online_lru"
	SimulationName         = "simulation"
	OfflineLFDName         = "offline_lfd"
	OfflineLRUPrefetchName = "offline_lru_prefetch"
)

// Host is the view of the scheduler given to the attached algorithm.
// Its methods are called with the scheduler lock held.
type Host interface {
	// Time returns the current logical time.
	Time() uint64

	// Prefetch hints the block to be loaded in background. It never blocks.
	Prefetch(id BlockID) bool

	// PrefetchDepth returns the number of buffers available for prefetching.
	PrefetchDepth() int

	// Logger returns the logger of the scheduler.
	Logger() *zap.Logger
}

// Algorithm decides which resident block is evicted.
// Scheduler calls all the methods with its lock held.
type Algorithm interface {
	// Name returns the name of the algorithm.
	Name() string

	// Simulating returns true if scheduler executes no I/O while algorithm is active.
	Simulating() bool

	// Attach is called when algorithm becomes active.
	Attach(h Host)

	// Detach is called when algorithm is replaced.
	Detach()

	// Timestep is called before every operation executed on the block.
	Timestep(op Op, id BlockID)

	// ExplicitTimestep is called when the user marks the boundary of a logical step.
	// Host time is already advanced.
	ExplicitTimestep()

	// Acquired is called when resident block becomes acquired.
	Acquired(id BlockID)

	// Released is called when resident block is not acquired anymore, so it may be evicted.
	Released(id BlockID, dirty bool)

	// Removed is called when evictable block stops being resident without being chosen as a victim.
	Removed(id BlockID)

	// Victim chooses evictable block and forgets it.
	Victim() (BlockID, bool)
}

// NewAlgorithm creates algorithm by its name. Offline algorithms require prediction sequence.
func NewAlgorithm(name string, seq PredictionSequence) (Algorithm, error) {
	switch name {
	case "", OnlineLRUName:
		return NewOnlineLRU(), nil
	case SimulationName:
		return NewSimulation(), nil
	case OfflineLFDName:
		return NewOfflineLFD(seq), nil
	case OfflineLRUPrefetchName:
		return NewOfflineLRUPrefetch(seq, 0), nil
	default:
		return nil, errors.Errorf("unknown scheduling algorithm %q", name)
	}
}

// lruSet keeps evictable blocks ordered by the time of release, least recent first.
type lruSet struct {
	order    *list.List
	elements map[BlockID]*list.Element
}

func newLRUSet() *lruSet {
	return &lruSet{
		order:    list.New(),
		elements: map[BlockID]*list.Element{},
	}
}

func (s *lruSet) push(id BlockID) {
	s.remove(id)
	s.elements[id] = s.order.PushBack(id)
}

func (s *lruSet) remove(id BlockID) bool {
	e, exists := s.elements[id]
	if !exists {
		return false
	}
	s.order.Remove(e)
	delete(s.elements, id)
	return true
}

func (s *lruSet) pop() (BlockID, bool) {
	e := s.order.Front()
	if e == nil {
		return NoBlock, false
	}
	id := e.Value.(BlockID)
	s.remove(id)
	return id, true
}

func (s *lruSet) len() int {
	return len(s.elements)
}

func (s *lruSet) each(fn func(id BlockID)) {
	for e := s.order.Front(); e != nil; e = e.Next() {
		fn(e.Value.(BlockID))
	}
}

// replay follows the prediction sequence and detects divergence from it.
type replay struct {
	seq      PredictionSequence
	pos      int
	diverged bool
}

// step consumes the operation. It returns false if operation does not match the sequence.
func (r *replay) step(op Op, id BlockID) bool {
	if r.diverged {
		return false
	}
	if r.pos >= len(r.seq) || r.seq[r.pos].Op != op || r.seq[r.pos].ID != id {
		r.diverged = true
		return false
	}
	r.pos++
	return true
}

func (r *replay) logDivergence(log *zap.Logger, algorithm string, op Op, id BlockID) {
	fields := []zap.Field{
		zap.String("algorithm", algorithm),
		zap.Stringer("op", op),
		zap.Int("block", int(id)),
		zap.Int("position", r.pos),
	}
	if r.pos < len(r.seq) {
		fields = append(fields, zap.Stringer("expectedOp", r.seq[r.pos].Op), zap.Int("expectedBlock", int(r.seq[r.pos].ID)))
	}
	log.Warn("Execution diverged from prediction sequence", fields...)
}
