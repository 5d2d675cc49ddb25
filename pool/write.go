package pool

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/storage"
)

// ErrEmpty is returned by Steal if pool contains no buffers at all.
var ErrEmpty = errors.New("pool is empty")

// Disks resolves the disk of the block.
type Disks interface {
	Disk(id blocks.DiskID) (*storage.Disk, bool)
}

type entry struct {
	frame blocks.Frame
	bid   blocks.BID
	req   *storage.Request
}

// WritePool keeps buffers of blocks being written until writes complete.
type WritePool struct {
	arena    *blocks.Arena
	disks    Disks
	registry *Registry
	log      *zap.Logger

	mu       sync.Mutex
	prefetch *PrefetchPool
	free     []blocks.Frame
	busy     map[blocks.BID]*entry
	// order keeps busy entries sorted by submission time.
	order []*entry
	errs  error
}

// NewWritePool creates write pool with n free buffers.
func NewWritePool(arena *blocks.Arena, disks Disks, n int, log *zap.Logger) *WritePool {
	if log == nil {
		log = zap.NewNop()
	}
	w := &WritePool{
		arena:    arena,
		disks:    disks,
		registry: NewRegistry(),
		log:      log,
		free:     make([]blocks.Frame, 0, n),
		busy:     map[blocks.BID]*entry{},
	}
	for i := 0; i < n; i++ {
		w.free = append(w.free, arena.New())
	}
	return w
}

// Registry returns the in-flight registry used by the pool.
func (w *WritePool) Registry() *Registry {
	return w.registry
}

// Write schedules writing the frame into the block. Pool takes the ownership of the frame.
// Outstanding write to the same block is canceled or awaited first, so the last write wins.
// Outstanding prefetch of the block is invalidated.
func (w *WritePool) Write(frame blocks.Frame, bid blocks.BID) *storage.Request {
	disk, exists := w.disks.Disk(bid.Disk)
	if !exists {
		w.Add(frame)
		return storage.Completed(storage.WriteOp, bid, errors.Errorf("disk of %s does not exist", bid))
	}

	var claimed bool
	for {
		if p := w.prefetchPool(); p != nil && !claimed {
			p.Invalidate(bid)
		}

		w.mu.Lock()
		if old, exists := w.busy[bid]; exists {
			w.remove(old)
			claimed = true
			if !old.req.Cancel() {
				w.mu.Unlock()
				_ = old.req.Wait()
				w.mu.Lock()
			}
			w.free = append(w.free, old.frame)
			w.mu.Unlock()
			continue
		}

		if !claimed && !w.registry.Claim(bid, WriteOwner) {
			w.mu.Unlock()
			w.registry.await(bid)
			continue
		}

		e := &entry{
			frame: frame,
			bid:   bid,
			req:   disk.AWrite(w.arena.Bytes(frame), bid),
		}
		w.registry.Attach(bid, WriteOwner, e.req)
		w.busy[bid] = e
		w.order = append(w.order, e)
		w.mu.Unlock()

		return e.req
	}
}

// Steal returns free buffer. If there is none, it waits for the oldest write to complete.
func (w *WritePool) Steal() (blocks.Frame, error) {
	w.mu.Lock()
	w.reap()
	if n := len(w.free); n > 0 {
		f := w.free[n-1]
		w.free = w.free[:n-1]
		w.mu.Unlock()
		return f, nil
	}
	if len(w.order) == 0 {
		w.mu.Unlock()
		return blocks.NoFrame, errors.WithStack(ErrEmpty)
	}
	e := w.order[0]
	w.remove(e)
	w.mu.Unlock()

	if err := e.req.Wait(); err != nil {
		w.recordError(err)
	}
	w.registry.Release(e.bid, WriteOwner)
	return e.frame, nil
}

// StealRequest takes over the outstanding write of the block together with its buffer.
// Buffer must not be modified before the request finishes.
// Block stays registered to the write owner, caller is responsible for releasing or transferring it.
func (w *WritePool) StealRequest(bid blocks.BID) (blocks.Frame, *storage.Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, exists := w.busy[bid]
	if !exists {
		return blocks.NoFrame, nil, false
	}
	w.remove(e)
	return e.frame, e.req, true
}

// HasRequest returns true if there is an outstanding write of the block.
func (w *WritePool) HasRequest(bid blocks.BID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, exists := w.busy[bid]
	return exists
}

// Cancel cancels the write of the block if it hasn't been started yet.
func (w *WritePool) Cancel(bid blocks.BID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, exists := w.busy[bid]
	if !exists || !e.req.Cancel() {
		return false
	}
	w.remove(e)
	w.registry.Release(bid, WriteOwner)
	w.free = append(w.free, e.frame)
	return true
}

// Add adds free buffer to the pool.
func (w *WritePool) Add(frame blocks.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.free = append(w.free, frame)
}

// Resize changes the number of buffers in the pool. Shrinking waits for busy buffers if needed.
func (w *WritePool) Resize(n int) error {
	if n < 0 {
		return errors.Errorf("invalid pool size %d", n)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.reap()
	for size := len(w.free) + len(w.order); size < n; size++ {
		w.free = append(w.free, w.arena.New())
	}
	for len(w.free)+len(w.order) > n {
		if k := len(w.free); k > 0 {
			w.arena.Release(w.free[k-1])
			w.free = w.free[:k-1]
			continue
		}

		e := w.order[0]
		w.remove(e)
		w.mu.Unlock()
		err := e.req.Wait()
		w.registry.Release(e.bid, WriteOwner)
		w.mu.Lock()
		if err != nil {
			w.errs = multierror.Append(w.errs, err)
		}
		w.arena.Release(e.frame)
	}

	w.log.Debug("Write pool resized", zap.Int("size", n))
	return nil
}

// Flush waits for all outstanding writes and returns errors collected since the last flush.
func (w *WritePool) Flush() error {
	w.mu.Lock()
	reqs := make([]*storage.Request, 0, len(w.order))
	for _, e := range w.order {
		reqs = append(reqs, e.req)
	}
	w.mu.Unlock()

	for _, r := range reqs {
		_ = r.Wait()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.reap()
	err := w.errs
	w.errs = nil
	return err
}

// Size returns the number of buffers in the pool.
func (w *WritePool) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.free) + len(w.order)
}

// FreeSize returns the number of free buffers.
func (w *WritePool) FreeSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.reap()
	return len(w.free)
}

// BusySize returns the number of buffers of outstanding writes.
func (w *WritePool) BusySize() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.reap()
	return len(w.order)
}

// Close waits for outstanding writes and releases all the buffers.
func (w *WritePool) Close() error {
	err := w.Flush()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, f := range w.free {
		w.arena.Release(f)
	}
	w.free = nil
	return err
}

func (w *WritePool) prefetchPool() *PrefetchPool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.prefetch
}

func (w *WritePool) recordError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.errs = multierror.Append(w.errs, err)
}

// reap moves buffers of finished writes to the free list.
func (w *WritePool) reap() {
	var i int
	for _, e := range w.order {
		if !e.req.Poll() {
			w.order[i] = e
			i++
			continue
		}
		if err := e.req.Err(); err != nil && !errors.Is(err, storage.ErrCanceled) {
			w.errs = multierror.Append(w.errs, err)
		}
		delete(w.busy, e.bid)
		w.registry.Release(e.bid, WriteOwner)
		w.free = append(w.free, e.frame)
	}
	clear(w.order[i:])
	w.order = w.order[:i]
}

func (w *WritePool) remove(e *entry) {
	delete(w.busy, e.bid)
	for i, oe := range w.order {
		if oe == e {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}
