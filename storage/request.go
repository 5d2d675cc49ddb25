package storage

import (
	"time"

	"github.com/outofforest/extmem/blocks"
)

// Op is the type of the I/O operation.
type Op byte

// Operations
const (
	ReadOp Op = iota
	WriteOp
)

func (o Op) String() string {
	if o == WriteOp {
		return "write"
	}
	return "read"
}

type requestState byte

const (
	queuedRequestState requestState = iota
	runningRequestState
	doneRequestState
)

// Request represents asynchronous I/O operation.
type Request struct {
	disk *Disk
	op   Op
	bid  blocks.BID
	buf  []byte

	// state is protected by the mutex of the disk.
	state requestState
	done  chan struct{}
	err   error
}

// Completed returns request which is already finished with err.
func Completed(op Op, bid blocks.BID, err error) *Request {
	r := &Request{
		op:    op,
		bid:   bid,
		state: doneRequestState,
		done:  make(chan struct{}),
		err:   err,
	}
	close(r.done)
	return r
}

// Op returns the operation type.
func (r *Request) Op() Op {
	return r.op
}

// BID returns the block the request operates on.
func (r *Request) BID() blocks.BID {
	return r.bid
}

// Wait blocks until request is finished and returns its result.
func (r *Request) Wait() error {
	select {
	case <-r.done:
		return r.err
	default:
	}

	started := time.Now()
	<-r.done
	if r.disk != nil {
		r.disk.stats.Waited(time.Since(started))
	}
	return r.err
}

// Poll returns true if request is finished.
func (r *Request) Poll() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Done returns channel closed when request is finished.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err returns the result of finished request, nil if request is still in progress.
func (r *Request) Err() error {
	if !r.Poll() {
		return nil
	}
	return r.err
}

// Cancel removes request from the queue if it hasn't been started yet.
// Request which is already running can't be canceled, caller must wait for it then.
func (r *Request) Cancel() bool {
	if r.disk == nil {
		return false
	}
	return r.disk.cancel(r)
}

func (r *Request) finish(err error) {
	r.err = err
	close(r.done)
}
