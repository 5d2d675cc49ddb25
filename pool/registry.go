package pool

import (
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/outofforest/photon"

	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/storage"
)

const nShards = 16

// Owner identifies the pool holding outstanding request for the block.
type Owner byte

// Owners
const (
	NoOwner Owner = iota
	PrefetchOwner
	WriteOwner
)

func (o Owner) String() string {
	switch o {
	case PrefetchOwner:
		return "prefetch"
	case WriteOwner:
		return "write"
	default:
		return "none"
	}
}

type inFlight struct {
	owner Owner
	req   *storage.Request
}

type shard struct {
	mu      sync.Mutex
	entries map[blocks.BID]inFlight
}

// Registry is the table of in-flight blocks shared by prefetch and write pools.
// Block is owned by at most one pool at a time.
type Registry struct {
	shards [nShards]shard
}

// NewRegistry creates new registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].entries = map[blocks.BID]inFlight{}
	}
	return r
}

// Claim assigns the block to the owner. It fails if block is already owned.
func (r *Registry) Claim(bid blocks.BID, owner Owner) bool {
	s := r.shard(bid)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[bid]; exists {
		return false
	}
	s.entries[bid] = inFlight{owner: owner}
	return true
}

// Attach stores the request executed by the owner.
func (r *Registry) Attach(bid blocks.BID, owner Owner, req *storage.Request) {
	s := r.shard(bid)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[bid]; exists && e.owner == owner {
		s.entries[bid] = inFlight{owner: owner, req: req}
	}
}

// Transfer moves the ownership of the block from one pool to another.
func (r *Registry) Transfer(bid blocks.BID, from, to Owner) bool {
	s := r.shard(bid)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[bid]
	if !exists || e.owner != from {
		return false
	}
	e.owner = to
	s.entries[bid] = e
	return true
}

// Release drops the ownership of the block if it belongs to the owner.
func (r *Registry) Release(bid blocks.BID, owner Owner) {
	s := r.shard(bid)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[bid]; exists && e.owner == owner {
		delete(s.entries, bid)
	}
}

// Owner returns the current owner of the block.
func (r *Registry) Owner(bid blocks.BID) Owner {
	owner, _ := r.lookup(bid)
	return owner
}

// Len returns the number of in-flight blocks.
func (r *Registry) Len() int {
	var n int
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// await blocks until the request currently registered for the block finishes.
func (r *Registry) await(bid blocks.BID) {
	if _, req := r.lookup(bid); req != nil && !req.Poll() {
		_ = req.Wait()
		return
	}
	runtime.Gosched()
}

func (r *Registry) lookup(bid blocks.BID) (Owner, *storage.Request) {
	s := r.shard(bid)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[bid]
	if !exists {
		return NoOwner, nil
	}
	return e.owner, e.req
}

func (r *Registry) shard(bid blocks.BID) *shard {
	rec := blocks.RecordOf(bid)
	return &r.shards[xxhash.Sum64(photon.NewFromValue(&rec).B)%nShards]
}
