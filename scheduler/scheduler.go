package scheduler

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/extmem/blockmgr"
	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/pool"
	"github.com/outofforest/extmem/storage"
)

// Config is the configuration of the scheduler.
type Config struct {
	// Manager allocates blocks for write-backs of blocks which have never been stored.
	Manager *blockmgr.Manager

	// Strategy places allocated blocks on disks. Striping is used if nil.
	Strategy blockmgr.Strategy

	// Budget is the maximum number of resident blocks.
	Budget int

	// PrefetchBlocks is the number of buffers in the prefetch pool.
	PrefetchBlocks int

	// WriteBlocks is the number of buffers in the write pool.
	WriteBlocks int

	// Algorithm is the initial scheduling algorithm. Online LRU is used if nil.
	Algorithm Algorithm

	Log *zap.Logger
}

type swappable struct {
	bid   blocks.BID
	frame blocks.Frame
	refs  int
	dirty bool
	freed bool

	// busy is closed when I/O executed on the block completes.
	busy chan struct{}

	// pending is the last write-back of the block.
	pending *storage.Request
}

func (b *swappable) state() State {
	switch {
	case b.frame != blocks.NoFrame && b.dirty:
		return InMemoryDirty
	case b.frame != blocks.NoFrame:
		return InMemoryClean
	case b.bid.Valid():
		return OnDisk
	default:
		return Uninitialized
	}
}

type shadow struct {
	refs        int
	initialized bool
	freed       bool
}

// Scheduler decides which swappable blocks reside in memory and moves them between memory and disks.
type Scheduler struct {
	manager  *blockmgr.Manager
	strategy blockmgr.Strategy
	arena    *blocks.Arena
	write    *pool.WritePool
	prefetch *pool.PrefetchPool
	log      *zap.Logger

	mu        sync.Mutex
	vacated   *sync.Cond
	blocks    []*swappable
	freeIDs   []BlockID
	freeSlots []blocks.Frame
	frames    int
	budget    int
	time      uint64
	algorithm Algorithm
	stats     Stats

	// shadows keep simulated state of blocks while simulation is active.
	shadows map[BlockID]*shadow
	scratch blocks.Frame
}

// New creates new scheduler.
func New(config Config) (*Scheduler, error) {
	if config.Manager == nil {
		return nil, errors.New("block manager is required")
	}
	if config.Budget <= 0 {
		return nil, errors.Errorf("invalid memory budget %d", config.Budget)
	}
	if config.PrefetchBlocks < 0 || config.WriteBlocks < 0 {
		return nil, errors.New("pool sizes must not be negative")
	}
	if config.Strategy == nil {
		config.Strategy = blockmgr.NewStriping(config.Manager.NDisks())
	}
	if config.Algorithm == nil {
		config.Algorithm = NewOnlineLRU()
	}
	if config.Log == nil {
		config.Log = zap.NewNop()
	}

	arena := blocks.NewArena(config.Manager.BlockSize())
	write := pool.NewWritePool(arena, config.Manager, config.WriteBlocks, config.Log)
	s := &Scheduler{
		manager:  config.Manager,
		strategy: config.Strategy,
		arena:    arena,
		write:    write,
		prefetch: pool.NewPrefetchPool(arena, config.Manager, write, config.PrefetchBlocks, config.Log),
		log:      config.Log,
		budget:   config.Budget,
		scratch:  blocks.NoFrame,
	}
	s.vacated = sync.NewCond(&s.mu)
	s.setAlgorithm(config.Algorithm)
	return s, nil
}

// BlockSize returns the size of swappable blocks.
func (s *Scheduler) BlockSize() int64 {
	return s.arena.BlockSize()
}

// PrefetchPool returns the prefetch pool used by the scheduler.
func (s *Scheduler) PrefetchPool() *pool.PrefetchPool {
	return s.prefetch
}

// WritePool returns the write pool used by the scheduler.
func (s *Scheduler) WritePool() *pool.WritePool {
	return s.write
}

// Allocate creates new uninitialized swappable block.
func (s *Scheduler) Allocate() BlockID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.freeIDs); n > 0 {
		id := s.freeIDs[n-1]
		s.freeIDs = s.freeIDs[:n-1]
		s.blocks[id] = &swappable{frame: blocks.NoFrame}
		return id
	}
	s.blocks = append(s.blocks, &swappable{frame: blocks.NoFrame})
	return BlockID(len(s.blocks) - 1)
}

// Free retires the block. Its external space is deallocated.
func (s *Scheduler) Free(id BlockID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sh := s.shadow(id); sh != nil {
		if sh.refs > 0 {
			panic(errors.Errorf("block %d is freed while acquired", id))
		}
		sh.freed = true
		return
	}

	b := s.wait(id)
	if b.refs > 0 {
		panic(errors.Errorf("block %d is freed while acquired", id))
	}
	s.drop(id, b)
	b.freed = true
	s.freeIDs = append(s.freeIDs, id)
}

// Initialize assigns external block to uninitialized swappable block.
func (s *Scheduler) Initialize(id BlockID, bid blocks.BID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !bid.Valid() {
		panic(errors.Errorf("block %d initialized with invalid BID", id))
	}

	s.timestep(InitializeOp, id)
	if sh := s.shadow(id); sh != nil {
		if sh.initialized {
			panic(errors.Errorf("block %d is already initialized", id))
		}
		sh.initialized = true
		return
	}

	b := s.wait(id)
	if b.state() != Uninitialized {
		panic(errors.Errorf("block %d is already initialized", id))
	}
	b.bid = bid
}

// Acquire returns the buffer of the block, loading it if needed.
// If all the resident blocks are acquired, it waits until one of them is released.
// Buffer is valid until matching Release.
func (s *Scheduler) Acquire(id BlockID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timestep(AcquireOp, id)
	s.stats.Acquires++

	if sh := s.shadow(id); sh != nil {
		sh.refs++
		sh.initialized = true
		if s.scratch == blocks.NoFrame {
			s.scratch = s.arena.New()
		}
		return s.arena.Bytes(s.scratch), nil
	}

	for {
		b := s.wait(id)
		if b.frame != blocks.NoFrame {
			b.refs++
			if b.refs == 1 {
				s.algorithm.Acquired(id)
			}
			s.stats.Hits++
			return s.arena.Bytes(b.frame), nil
		}

		if b.pending != nil && b.pending.Poll() {
			if err := b.pending.Err(); err != nil {
				return nil, errors.Wrapf(err, "block %d has not been written", id)
			}
			b.pending = nil
		}

		frame, err := s.obtainFrame()
		if err != nil {
			return nil, err
		}

		// Lock might have been released while waiting for a frame.
		if b2 := s.block(id); b2 != b || b.busy != nil || b.frame != blocks.NoFrame {
			s.releaseFrame(frame)
			continue
		}

		if !b.bid.Valid() {
			s.arena.Zero(frame)
			s.resident(id, b, frame)
			return s.arena.Bytes(frame), nil
		}

		if err := s.load(b, frame); err != nil {
			return nil, err
		}
		s.stats.Loads++
		s.resident(id, b, b.frame)
		return s.arena.Bytes(b.frame), nil
	}
}

// Release decreases the reference count of the block. If dirty is true the block is marked as modified.
func (s *Scheduler) Release(id BlockID, dirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := ReleaseOp
	if dirty {
		op = ReleaseDirtyOp
	}
	s.timestep(op, id)

	if sh := s.shadow(id); sh != nil {
		if sh.refs == 0 {
			panic(errors.Errorf("block %d released more times than acquired", id))
		}
		sh.refs--
		return
	}

	b := s.block(id)
	if b.refs == 0 {
		panic(errors.Errorf("block %d released more times than acquired", id))
	}
	b.refs--
	if dirty {
		b.dirty = true
	}
	if b.refs == 0 {
		s.algorithm.Released(id, b.dirty)
		s.vacated.Broadcast()
	}
}

// Deinitialize drops the content of the block and deallocates its external space.
func (s *Scheduler) Deinitialize(id BlockID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timestep(DeinitializeOp, id)
	if sh := s.shadow(id); sh != nil {
		if sh.refs > 0 {
			panic(errors.Errorf("block %d is deinitialized while acquired", id))
		}
		sh.initialized = false
		return
	}

	b := s.wait(id)
	if b.refs > 0 {
		panic(errors.Errorf("block %d is deinitialized while acquired", id))
	}
	s.drop(id, b)
}

// Extract persists the block and transfers the ownership of its external space to the caller.
// Block becomes uninitialized.
func (s *Scheduler) Extract(id BlockID) (blocks.BID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timestep(ExtractOp, id)
	if sh := s.shadow(id); sh != nil {
		if sh.refs > 0 {
			panic(errors.Errorf("block %d is extracted while acquired", id))
		}
		if !sh.initialized {
			panic(errors.Errorf("uninitialized block %d is extracted", id))
		}
		sh.initialized = false
		return blocks.BID{}, nil
	}

	b := s.wait(id)
	if b.refs > 0 {
		panic(errors.Errorf("block %d is extracted while acquired", id))
	}
	if b.state() == Uninitialized {
		panic(errors.Errorf("uninitialized block %d is extracted", id))
	}

	if b.frame != blocks.NoFrame {
		s.algorithm.Removed(id)
		if b.dirty || !b.bid.Valid() {
			if err := s.writeBack(b); err != nil {
				if b.frame != blocks.NoFrame {
					s.algorithm.Released(id, b.dirty)
				}
				return blocks.BID{}, err
			}
		} else {
			s.releaseFrame(b.frame)
			b.frame = blocks.NoFrame
		}
	}

	if err := s.settle(b); err != nil {
		return blocks.BID{}, err
	}

	bid := b.bid
	b.bid = blocks.BID{}
	return bid, nil
}

// Hint asks for the block to be prefetched. It never blocks.
// False is returned if block is resident, busy or there is no free prefetch buffer.
func (s *Scheduler) Hint(id BlockID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.algorithm.Simulating() {
		return false
	}
	return host{s: s}.Prefetch(id)
}

// State returns the state of the block.
func (s *Scheduler) State(id BlockID) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.block(id).state()
}

// IsInitialized returns true if block has content.
func (s *Scheduler) IsInitialized(id BlockID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sh := s.shadow(id); sh != nil {
		return sh.initialized
	}
	return s.block(id).state() != Uninitialized
}

// IsSimulating returns true if simulation algorithm is active.
func (s *Scheduler) IsSimulating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.algorithm.Simulating()
}

// ExplicitTimestep advances the logical time recorded in prediction sequence and notifies the algorithm.
func (s *Scheduler) ExplicitTimestep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.time++
	s.algorithm.ExplicitTimestep()
}

// Algorithm returns the active algorithm.
func (s *Scheduler) Algorithm() Algorithm {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.algorithm
}

// SwitchAlgorithm replaces the active algorithm and returns the previous one.
func (s *Scheduler) SwitchAlgorithm(algorithm Algorithm) Algorithm {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.algorithm
	old.Detach()
	s.setAlgorithm(algorithm)

	s.log.Info("Scheduling algorithm switched",
		zap.String("from", old.Name()),
		zap.String("to", algorithm.Name()))
	return old
}

// PredictionSequence returns the sequence recorded by the active simulation.
func (s *Scheduler) PredictionSequence() PredictionSequence {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sim, ok := s.algorithm.(*Simulation); ok {
		return sim.PredictionSequence()
	}
	return nil
}

// Resize changes the maximum number of resident blocks.
func (s *Scheduler) Resize(budget int) error {
	if budget <= 0 {
		return errors.Errorf("invalid memory budget %d", budget)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.algorithm.Simulating() {
		return errors.WithStack(ErrSimulating)
	}

	s.budget = budget
	s.vacated.Broadcast()
	for s.frames > s.budget {
		if n := len(s.freeSlots); n > 0 {
			s.arena.Release(s.freeSlots[n-1])
			s.freeSlots = s.freeSlots[:n-1]
			s.frames--
			continue
		}

		frame, ok, err := s.evict()
		if err != nil {
			return err
		}
		if !ok {
			// Remaining frames are released when blocks are evicted.
			break
		}
		s.releaseFrame(frame)
	}
	return nil
}

// Flush evicts all the blocks which are not acquired. Modified blocks are written back.
func (s *Scheduler) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.algorithm.Simulating() {
		return errors.WithStack(ErrSimulating)
	}

	var errs error
	for {
		frame, ok, err := s.evict()
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if !ok {
			break
		}
		s.releaseFrame(frame)
	}

	s.mu.Unlock()
	err := s.write.Flush()
	s.mu.Lock()
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Resident = s.frames - len(s.freeSlots)
	return st
}

// Close waits for I/O, deallocates external space of all the blocks and releases memory.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs error
	for id, b := range s.blocks {
		if b.freed {
			continue
		}
		for b.busy != nil {
			ch := b.busy
			s.mu.Unlock()
			<-ch
			s.mu.Lock()
		}
		if b.frame != blocks.NoFrame {
			s.algorithm.Removed(BlockID(id))
			s.arena.Release(b.frame)
			b.frame = blocks.NoFrame
		}
		if b.pending != nil {
			s.mu.Unlock()
			_ = b.pending.Wait()
			s.mu.Lock()
			b.pending = nil
		}
		s.manager.Deallocate(b.bid)
		b.bid = blocks.BID{}
		b.freed = true
	}
	for _, f := range s.freeSlots {
		s.arena.Release(f)
	}
	s.freeSlots = nil
	s.frames = 0
	if s.scratch != blocks.NoFrame {
		s.arena.Release(s.scratch)
		s.scratch = blocks.NoFrame
	}

	s.mu.Unlock()
	if err := s.prefetch.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.write.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	s.mu.Lock()
	return errs
}

func (s *Scheduler) setAlgorithm(algorithm Algorithm) {
	s.algorithm = algorithm

	if algorithm.Simulating() {
		if s.shadows == nil {
			s.shadows = make(map[BlockID]*shadow, len(s.blocks))
			for id, b := range s.blocks {
				s.shadows[BlockID(id)] = &shadow{
					refs:        b.refs,
					initialized: b.state() != Uninitialized,
					freed:       b.freed,
				}
			}
		}
	} else {
		s.shadows = nil
	}

	algorithm.Attach(host{s: s})
	if algorithm.Simulating() {
		return
	}
	for id, b := range s.blocks {
		if !b.freed && b.frame != blocks.NoFrame && b.busy == nil && b.refs == 0 {
			algorithm.Released(BlockID(id), b.dirty)
		}
	}
}

func (s *Scheduler) timestep(op Op, id BlockID) {
	s.algorithm.Timestep(op, id)
}

// block returns the block. Unknown or freed block is a protocol violation.
func (s *Scheduler) block(id BlockID) *swappable {
	if id < 0 || int(id) >= len(s.blocks) || s.blocks[id].freed {
		panic(errors.Errorf("block %d does not exist", id))
	}
	return s.blocks[id]
}

// wait returns the block once I/O executed on it completes.
func (s *Scheduler) wait(id BlockID) *swappable {
	for {
		b := s.block(id)
		if b.busy == nil {
			return b
		}
		ch := b.busy
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
}

func (s *Scheduler) shadow(id BlockID) *shadow {
	if s.shadows == nil {
		return nil
	}
	sh, exists := s.shadows[id]
	if !exists {
		// Block allocated during simulation.
		s.block(id)
		sh = &shadow{}
		s.shadows[id] = sh
	}
	if sh.freed {
		panic(errors.Errorf("block %d does not exist", id))
	}
	return sh
}

func (s *Scheduler) resident(id BlockID, b *swappable, frame blocks.Frame) {
	b.frame = frame
	b.refs = 1
	s.algorithm.Acquired(id)
}

// load reads the block into memory. Lock is released while waiting.
func (s *Scheduler) load(b *swappable, frame blocks.Frame) error {
	b.busy = make(chan struct{})
	bid := b.bid
	s.mu.Unlock()

	frame, req := s.prefetch.Read(frame, bid)
	err := req.Wait()

	s.mu.Lock()
	close(b.busy)
	b.busy = nil
	s.vacated.Broadcast()

	if err != nil {
		s.releaseFrame(frame)
		return errors.Wrapf(err, "loading %s failed", bid)
	}
	b.frame = frame
	b.pending = nil
	return nil
}

// obtainFrame returns free frame, evicting a block if needed.
// If there is no victim, it waits until acquired block is released or I/O of a busy block completes.
// ErrPinned is returned only if nothing could ever give a frame back.
func (s *Scheduler) obtainFrame() (blocks.Frame, error) {
	for {
		if n := len(s.freeSlots); n > 0 {
			f := s.freeSlots[n-1]
			s.freeSlots = s.freeSlots[:n-1]
			return f, nil
		}
		if s.frames < s.budget {
			s.frames++
			return s.arena.New(), nil
		}

		frame, ok, err := s.evict()
		if err != nil {
			return blocks.NoFrame, err
		}
		if !ok {
			if !s.frameMayReturn() {
				return blocks.NoFrame, errors.WithStack(ErrPinned)
			}
			s.stats.Waits++
			s.vacated.Wait()
			continue
		}
		if s.frames > s.budget {
			s.releaseFrame(frame)
			continue
		}
		return frame, nil
	}
}

// frameMayReturn returns true if some resident block is acquired or has I/O in progress.
func (s *Scheduler) frameMayReturn() bool {
	for _, b := range s.blocks {
		if !b.freed && (b.refs > 0 || b.busy != nil) {
			return true
		}
	}
	return false
}

// evict removes the victim chosen by the algorithm from memory and returns its frame.
func (s *Scheduler) evict() (blocks.Frame, bool, error) {
	id, ok := s.algorithm.Victim()
	if !ok {
		return blocks.NoFrame, false, nil
	}
	b := s.block(id)
	if b.refs > 0 || b.frame == blocks.NoFrame || b.busy != nil {
		panic(errors.Errorf("algorithm %s chose block %d which can't be evicted", s.algorithm.Name(), id))
	}

	s.stats.Evictions++
	if !b.dirty {
		frame := b.frame
		b.frame = blocks.NoFrame
		return frame, true, nil
	}

	frame, err := s.writeBackAndSteal(b)
	if err != nil {
		if b.frame != blocks.NoFrame {
			s.algorithm.Released(id, b.dirty)
		}
		return blocks.NoFrame, false, err
	}
	return frame, true, nil
}

// writeBack hands the frame of the modified block to the write pool and takes a free frame back.
func (s *Scheduler) writeBack(b *swappable) error {
	frame, err := s.writeBackAndSteal(b)
	if err != nil {
		return err
	}
	s.releaseFrame(frame)
	return nil
}

func (s *Scheduler) writeBackAndSteal(b *swappable) (blocks.Frame, error) {
	if !b.bid.Valid() {
		bid, err := s.manager.AllocateOne(s.strategy)
		if err != nil {
			return blocks.NoFrame, err
		}
		b.bid = bid
	}

	frame := b.frame
	b.frame = blocks.NoFrame
	b.dirty = false
	b.busy = make(chan struct{})
	s.mu.Unlock()

	req := s.write.Write(frame, b.bid)
	newFrame, err := s.write.Steal()

	s.mu.Lock()
	close(b.busy)
	b.busy = nil
	s.vacated.Broadcast()
	b.pending = req
	s.stats.WriteBacks++

	if err != nil {
		// Frame is lost only if the write pool has been closed.
		s.frames--
		return blocks.NoFrame, err
	}
	return newFrame, nil
}

// settle drops prefetched copy of the block and waits for its last write-back.
func (s *Scheduler) settle(b *swappable) error {
	req := b.pending
	b.busy = make(chan struct{})
	s.mu.Unlock()

	s.prefetch.Invalidate(b.bid)
	var err error
	if req != nil {
		err = req.Wait()
	}

	s.mu.Lock()
	close(b.busy)
	b.busy = nil
	s.vacated.Broadcast()
	b.pending = nil
	return err
}

// drop makes block uninitialized and deallocates its external space.
func (s *Scheduler) drop(id BlockID, b *swappable) {
	if b.frame != blocks.NoFrame {
		s.algorithm.Removed(id)
		s.releaseFrame(b.frame)
		b.frame = blocks.NoFrame
	}
	b.dirty = false

	if !b.bid.Valid() {
		return
	}

	// Write-back must finish before the space is reused.
	_ = s.settle(b)
	s.manager.Deallocate(b.bid)
	b.bid = blocks.BID{}
}

func (s *Scheduler) releaseFrame(frame blocks.Frame) {
	defer s.vacated.Broadcast()

	if s.frames > s.budget {
		s.arena.Release(frame)
		s.frames--
		return
	}
	s.freeSlots = append(s.freeSlots, frame)
}

type host struct {
	s *Scheduler
}

func (h host) Time() uint64 {
	return h.s.time
}

func (h host) Prefetch(id BlockID) bool {
	if id < 0 || int(id) >= len(h.s.blocks) {
		return false
	}
	b := h.s.blocks[id]
	if b.freed || b.busy != nil || b.frame != blocks.NoFrame || !b.bid.Valid() {
		return false
	}
	return h.s.prefetch.Hint(b.bid)
}

func (h host) PrefetchDepth() int {
	return h.s.prefetch.Size()
}

func (h host) Logger() *zap.Logger {
	return h.s.log
}
