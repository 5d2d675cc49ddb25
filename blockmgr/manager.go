package blockmgr

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/storage"
)

// ErrNoSpace is returned if none of the disks has enough free space.
var ErrNoSpace = errors.New("no space left on disks")

// DefaultGrowBlocks is the number of blocks autogrowing disk is extended by at least.
const DefaultGrowBlocks = 64

// Config is the configuration of the block manager.
type Config struct {
	// GrowBlocks is the minimal number of blocks autogrowing disk is extended by.
	GrowBlocks int64

	Log *zap.Logger
}

// Stats contains allocation statistics in bytes.
type Stats struct {
	TotalAllocated int64
	TotalFreed     int64
	Current        int64
	Peak           int64
}

// Manager allocates blocks on disks.
type Manager struct {
	blockSize  int64
	growBlocks int64
	log        *zap.Logger

	mu      sync.Mutex
	disks   []*space
	byID    map[blocks.DiskID]*space
	counter uint64
	stats   Stats
}

// space tracks slots of the disk. Slot i occupies bytes [i*blockSize, (i+1)*blockSize).
type space struct {
	disk      *storage.Disk
	highWater uint32
	allocated *roaring.Bitmap
	// free contains released slots below the high water mark
	free *roaring.Bitmap
}

// New creates block manager allocating blocks of blockSize bytes on disks.
func New(disks []*storage.Disk, blockSize int64, config Config) (*Manager, error) {
	if len(disks) == 0 {
		return nil, errors.New("there are no disks")
	}
	if blockSize <= 0 {
		return nil, errors.Errorf("invalid block size: %d", blockSize)
	}
	if config.GrowBlocks <= 0 {
		config.GrowBlocks = DefaultGrowBlocks
	}
	if config.Log == nil {
		config.Log = zap.NewNop()
	}

	m := &Manager{
		blockSize:  blockSize,
		growBlocks: config.GrowBlocks,
		log:        config.Log,
		byID:       make(map[blocks.DiskID]*space, len(disks)),
	}
	for _, d := range disks {
		if d.ID() == blocks.NoDisk {
			return nil, errors.Errorf("disk ID %d is reserved", blocks.NoDisk)
		}
		if _, exists := m.byID[d.ID()]; exists {
			return nil, errors.Errorf("disk %d is registered twice", d.ID())
		}
		s := &space{
			disk:      d,
			allocated: roaring.New(),
			free:      roaring.New(),
		}
		m.disks = append(m.disks, s)
		m.byID[d.ID()] = s
	}
	return m, nil
}

// BlockSize returns the size of allocated blocks.
func (m *Manager) BlockSize() int64 {
	return m.blockSize
}

// NDisks returns the number of disks.
func (m *Manager) NDisks() int {
	return len(m.disks)
}

// Disk returns disk by its ID.
func (m *Manager) Disk(id blocks.DiskID) (*storage.Disk, bool) {
	s, exists := m.byID[id]
	if !exists {
		return nil, false
	}
	return s.disk, true
}

// Disks returns all the disks.
func (m *Manager) Disks() []*storage.Disk {
	disks := make([]*storage.Disk, 0, len(m.disks))
	for _, s := range m.disks {
		disks = append(disks, s.disk)
	}
	return disks
}

// AllocateOne allocates one block.
func (m *Manager) AllocateOne(strategy Strategy) (blocks.BID, error) {
	bids, err := m.Allocate(1, strategy)
	if err != nil {
		return blocks.BID{}, err
	}
	return bids[0], nil
}

// Allocate allocates n blocks placing them according to the strategy.
// Either all the blocks are allocated or none.
func (m *Manager) Allocate(n int, strategy Strategy) ([]blocks.BID, error) {
	if strategy == nil {
		strategy = NewStriping(len(m.disks))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bids := make([]blocks.BID, 0, n)
	for i := 0; i < n; i++ {
		bid, err := m.allocate(strategy.Disk(m.counter))
		if err != nil {
			for _, b := range bids {
				m.deallocate(b)
			}
			m.log.Warn("Block allocation failed", zap.Int("blocks", n), zap.Error(err))
			return nil, err
		}
		m.counter++
		bids = append(bids, bid)
	}
	return bids, nil
}

// Deallocate releases the block. Deallocating invalid or already free block does nothing.
func (m *Manager) Deallocate(bid blocks.BID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deallocate(bid)
}

// IsAllocated returns true if block is currently allocated.
func (m *Manager) IsAllocated(bid blocks.BID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, slot, ok := m.slot(bid)
	return ok && s.allocated.Contains(slot)
}

// Stats returns allocation statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stats
}

func (m *Manager) allocate(preferred int) (blocks.BID, error) {
	if preferred < 0 || preferred >= len(m.disks) {
		return blocks.BID{}, errors.Errorf("strategy returned invalid disk index %d", preferred)
	}

	// If preferred disk is full the next ones are tried.
	for i := 0; i < len(m.disks); i++ {
		s := m.disks[(preferred+i)%len(m.disks)]
		slot, ok, err := m.takeSlot(s)
		if err != nil {
			return blocks.BID{}, err
		}
		if !ok {
			continue
		}

		m.stats.TotalAllocated += m.blockSize
		m.stats.Current += m.blockSize
		if m.stats.Current > m.stats.Peak {
			m.stats.Peak = m.stats.Current
		}

		return blocks.BID{
			Disk:   s.disk.ID(),
			Offset: int64(slot) * m.blockSize,
			Size:   m.blockSize,
		}, nil
	}
	return blocks.BID{}, errors.WithStack(ErrNoSpace)
}

func (m *Manager) takeSlot(s *space) (uint32, bool, error) {
	if !s.free.IsEmpty() {
		slot := s.free.Minimum()
		s.free.Remove(slot)
		s.allocated.Add(slot)
		return slot, true, nil
	}

	end := (int64(s.highWater) + 1) * m.blockSize
	if end > s.disk.Size() {
		if !s.disk.Autogrow() {
			return 0, false, nil
		}
		size := end + (m.growBlocks-1)*m.blockSize
		if err := s.disk.Grow(size); err != nil {
			return 0, false, err
		}
		m.log.Debug("Disk grown", zap.Uint32("disk", uint32(s.disk.ID())), zap.Int64("size", size))
	}

	slot := s.highWater
	s.highWater++
	s.allocated.Add(slot)
	return slot, true, nil
}

func (m *Manager) deallocate(bid blocks.BID) {
	s, slot, ok := m.slot(bid)
	if !ok || !s.allocated.CheckedRemove(slot) {
		return
	}
	s.free.Add(slot)

	m.stats.TotalFreed += m.blockSize
	m.stats.Current -= m.blockSize
}

func (m *Manager) slot(bid blocks.BID) (*space, uint32, bool) {
	if !bid.Valid() || bid.Size != m.blockSize || bid.Offset < 0 || bid.Offset%m.blockSize != 0 {
		return nil, 0, false
	}
	s, exists := m.byID[bid.Disk]
	if !exists {
		return nil, 0, false
	}
	slot := bid.Offset / m.blockSize
	if slot >= int64(s.highWater) {
		return nil, 0, false
	}
	return s, uint32(slot), true
}
