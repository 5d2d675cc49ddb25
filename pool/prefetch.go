package pool

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/storage"
)

// PrefetchPool reads blocks ahead of their consumption.
type PrefetchPool struct {
	arena    *blocks.Arena
	disks    Disks
	write    *WritePool
	registry *Registry
	log      *zap.Logger

	mu   sync.Mutex
	free []blocks.Frame
	busy map[blocks.BID]*entry
}

// NewPrefetchPool creates prefetch pool with n free buffers cooperating with the write pool.
func NewPrefetchPool(arena *blocks.Arena, disks Disks, write *WritePool, n int, log *zap.Logger) *PrefetchPool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &PrefetchPool{
		arena:    arena,
		disks:    disks,
		write:    write,
		registry: write.Registry(),
		log:      log,
		free:     make([]blocks.Frame, 0, n),
		busy:     map[blocks.BID]*entry{},
	}
	for i := 0; i < n; i++ {
		p.free = append(p.free, arena.New())
	}

	write.mu.Lock()
	write.prefetch = p
	write.mu.Unlock()

	return p
}

// Hint starts reading the block if there is a free buffer. It never blocks.
// If the block is being written, the write is taken over instead of reading.
func (p *PrefetchPool) Hint(bid blocks.BID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.busy[bid]; exists {
		return true
	}
	n := len(p.free)
	if n == 0 {
		return false
	}

	if frame, req, ok := p.write.StealRequest(bid); ok {
		p.registry.Transfer(bid, WriteOwner, PrefetchOwner)
		p.write.Add(p.free[n-1])
		p.free = p.free[:n-1]
		p.busy[bid] = &entry{frame: frame, bid: bid, req: req}
		return true
	}

	disk, exists := p.disks.Disk(bid.Disk)
	if !exists || !p.registry.Claim(bid, PrefetchOwner) {
		return false
	}

	frame := p.free[n-1]
	p.free = p.free[:n-1]
	e := &entry{
		frame: frame,
		bid:   bid,
		req:   disk.ARead(p.arena.Bytes(frame), bid),
	}
	p.registry.Attach(bid, PrefetchOwner, e.req)
	p.busy[bid] = e
	return true
}

// Read returns the frame containing the block and the request to wait for.
// If block has been prefetched or is being written, its buffer is handed over and frame passed by the caller
// is given to the pool which provided the buffer. Otherwise, block is read into the frame passed by the caller.
func (p *PrefetchPool) Read(frame blocks.Frame, bid blocks.BID) (blocks.Frame, *storage.Request) {
	for {
		p.mu.Lock()
		if e, exists := p.busy[bid]; exists {
			delete(p.busy, bid)
			p.registry.Release(bid, PrefetchOwner)
			p.free = append(p.free, frame)
			p.mu.Unlock()
			return e.frame, e.req
		}

		if f, req, ok := p.write.StealRequest(bid); ok {
			p.registry.Release(bid, WriteOwner)
			p.mu.Unlock()
			p.write.Add(frame)
			return f, req
		}

		if p.registry.Owner(bid) != NoOwner {
			p.mu.Unlock()
			p.registry.await(bid)
			continue
		}
		p.mu.Unlock()

		disk, exists := p.disks.Disk(bid.Disk)
		if !exists {
			return frame, storage.Completed(storage.ReadOp, bid, errors.Errorf("disk of %s does not exist", bid))
		}
		return frame, disk.ARead(p.arena.Bytes(frame), bid)
	}
}

// Invalidate drops prefetched block. If read is still in progress, it is canceled or awaited.
// Write taken over from the write pool is never canceled, it is awaited.
func (p *PrefetchPool) Invalidate(bid blocks.BID) bool {
	p.mu.Lock()
	e, exists := p.busy[bid]
	if !exists {
		p.mu.Unlock()
		return false
	}
	delete(p.busy, bid)
	p.mu.Unlock()

	if e.req.Op() == storage.WriteOp || !e.req.Cancel() {
		_ = e.req.Wait()
	}
	p.registry.Release(bid, PrefetchOwner)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = append(p.free, e.frame)
	return true
}

// InPrefetching returns true if block is being prefetched or has been prefetched but not consumed yet.
func (p *PrefetchPool) InPrefetching(bid blocks.BID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, exists := p.busy[bid]
	return exists
}

// Resize changes the number of buffers. Shrinking releases free buffers first and waits for busy ones if needed.
func (p *PrefetchPool) Resize(n int) error {
	if n < 0 {
		return errors.Errorf("invalid pool size %d", n)
	}

	p.mu.Lock()
	for size := len(p.free) + len(p.busy); size < n; size++ {
		p.free = append(p.free, p.arena.New())
	}
	for len(p.free) > 0 && len(p.free)+len(p.busy) > n {
		k := len(p.free)
		p.arena.Release(p.free[k-1])
		p.free = p.free[:k-1]
	}
	var victims []*entry
	for bid, e := range p.busy {
		if len(p.busy) <= n-len(p.free) {
			break
		}
		delete(p.busy, bid)
		victims = append(victims, e)
	}
	p.mu.Unlock()

	for _, e := range victims {
		_ = e.req.Wait()
		p.registry.Release(e.bid, PrefetchOwner)
		p.arena.Release(e.frame)
	}

	p.log.Debug("Prefetch pool resized", zap.Int("size", n))
	return nil
}

// Size returns the number of buffers in the pool.
func (p *PrefetchPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.free) + len(p.busy)
}

// FreeSize returns the number of free buffers.
func (p *PrefetchPool) FreeSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.free)
}

// BusySize returns the number of buffers holding prefetched blocks.
func (p *PrefetchPool) BusySize() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.busy)
}

// Close waits for outstanding reads and releases all the buffers.
func (p *PrefetchPool) Close() error {
	p.mu.Lock()
	busy := p.busy
	p.busy = map[blocks.BID]*entry{}
	free := p.free
	p.free = nil
	p.mu.Unlock()

	var errs error
	for bid, e := range busy {
		if err := e.req.Wait(); err != nil && !errors.Is(err, storage.ErrCanceled) {
			errs = multierror.Append(errs, err)
		}
		p.registry.Release(bid, PrefetchOwner)
		p.arena.Release(e.frame)
	}
	for _, f := range free {
		p.arena.Release(f)
	}
	return errs
}
