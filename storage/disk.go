package storage

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/stats"
)

// Dev is the interface required from the device.
type Dev interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Size() int64
	Close() error
}

// Grower is implemented by devices which may be extended.
type Grower interface {
	Grow(size int64) error
}

// Disk executes asynchronous requests on the device using pool of workers.
// Requests submitted to the disk are not ordered.
type Disk struct {
	id       blocks.DiskID
	dev      Dev
	autogrow bool
	stats    *stats.Stats
	log      *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Request
	closed bool
	wg     sync.WaitGroup

	growMu sync.Mutex
}

// NewDisk creates new disk. If autogrow is true, the device is extended on demand.
func NewDisk(id blocks.DiskID, dev Dev, autogrow bool, workers int, st *stats.Stats, log *zap.Logger) *Disk {
	if workers <= 0 {
		workers = 1
	}
	if st == nil {
		st = stats.New()
	}
	if log == nil {
		log = zap.NewNop()
	}

	d := &Disk{
		id:       id,
		dev:      dev,
		autogrow: autogrow,
		stats:    st,
		log:      log.With(zap.Uint32("disk", uint32(id))),
	}
	d.cond = sync.NewCond(&d.mu)

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// ID returns the ID of the disk.
func (d *Disk) ID() blocks.DiskID {
	return d.id
}

// Size returns current size of the device.
func (d *Disk) Size() int64 {
	return d.dev.Size()
}

// Autogrow returns true if disk is extended on demand.
func (d *Disk) Autogrow() bool {
	return d.autogrow
}

// Grow extends the device to the size.
func (d *Disk) Grow(size int64) error {
	d.growMu.Lock()
	defer d.growMu.Unlock()

	if size <= d.dev.Size() {
		return nil
	}
	g, ok := d.dev.(Grower)
	if !ok {
		return errors.Errorf("device of disk %d can't grow", d.id)
	}
	if err := g.Grow(size); err != nil {
		return err
	}
	d.log.Debug("Disk extended", zap.Int64("size", size))
	return nil
}

// ARead schedules reading the block into buf.
func (d *Disk) ARead(buf []byte, bid blocks.BID) *Request {
	return d.submit(ReadOp, buf, bid)
}

// AWrite schedules writing buf into the block.
func (d *Disk) AWrite(buf []byte, bid blocks.BID) *Request {
	return d.submit(WriteOp, buf, bid)
}

// Sync flushes the device.
func (d *Disk) Sync() error {
	return d.dev.Sync()
}

// Close waits for queued requests, stops workers and closes the device.
func (d *Disk) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	d.wg.Wait()

	if err := d.dev.Sync(); err != nil {
		return err
	}
	if err := d.dev.Close(); err != nil {
		return err
	}
	d.log.Debug("Disk closed")
	return nil
}

func (d *Disk) submit(op Op, buf []byte, bid blocks.BID) *Request {
	r := &Request{
		disk: d,
		op:   op,
		bid:  bid,
		buf:  buf,
		done: make(chan struct{}),
	}

	if bid.Disk != d.id {
		r.state = doneRequestState
		r.finish(errors.Errorf("%s does not belong to disk %d", bid, d.id))
		return r
	}
	if int64(len(buf)) != bid.Size {
		r.state = doneRequestState
		r.finish(errors.Errorf("buffer of %d bytes does not match %s", len(buf), bid))
		return r
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		r.state = doneRequestState
		r.finish(errors.WithStack(ErrClosed))
		return r
	}

	d.queue = append(d.queue, r)
	d.cond.Signal()
	return r
}

func (d *Disk) cancel(r *Request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r.state != queuedRequestState {
		return false
	}
	for i, qr := range d.queue {
		if qr == r {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
	r.state = doneRequestState
	r.finish(errors.WithStack(ErrCanceled))
	return true
}

func (d *Disk) worker() {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		r := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		r.state = runningRequestState
		d.mu.Unlock()

		err := d.execute(r)

		d.mu.Lock()
		r.state = doneRequestState
		d.mu.Unlock()

		r.finish(err)
	}
}

func (d *Disk) execute(r *Request) error {
	started := d.stats.IOStarted()

	var n int
	var err error
	switch r.op {
	case ReadOp:
		n, err = d.dev.ReadAt(r.buf, r.bid.Offset)
		if err == io.EOF && n == len(r.buf) {
			err = nil
		}
		d.stats.ReadDone(n, started)
	case WriteOp:
		n, err = d.dev.WriteAt(r.buf, r.bid.Offset)
		d.stats.WriteDone(n, started)
	}

	if err == nil && n != len(r.buf) {
		err = errors.Errorf("short %s: %d of %d bytes", r.op, n, len(r.buf))
	}
	if err != nil {
		d.log.Error("I/O request failed", zap.Stringer("op", r.op), zap.Stringer("bid", r.bid), zap.Error(err))
		return errors.WithStack(&IOError{Op: r.op, BID: r.bid, Err: err})
	}
	return nil
}
