package blockmgr

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Strategy decides on which disk i-th allocated block is placed.
// i is the global sequence number of the allocated block, so consecutive allocations continue the pattern.
// Strategies are called under the lock of the manager.
type Strategy interface {
	Disk(i uint64) int
}

// Strategy names.
const (
	StripingStrategy     = "striping"
	SimpleRandomStrategy = "simple_random"
	FullyRandomStrategy  = "fully_random"
	RandomCyclicStrategy = "random_cyclic"
	SingleDiskStrategy   = "single_disk"
)

// Striping places blocks round-robin on disks [Begin, Begin+Diff).
type Striping struct {
	Begin int
	Diff  int
}

// NewStriping returns striping over nDisks disks.
func NewStriping(nDisks int) Striping {
	return Striping{Diff: nDisks}
}

// Disk returns the disk of i-th block.
func (s Striping) Disk(i uint64) int {
	return s.Begin + int(i%uint64(s.Diff))
}

// SimpleRandom is striping starting from the random disk.
type SimpleRandom struct {
	Striping
	offset int
}

// NewSimpleRandom returns simple random strategy.
func NewSimpleRandom(nDisks int, seed uint64) *SimpleRandom {
	return &SimpleRandom{
		Striping: NewStriping(nDisks),
		offset:   newRand(seed).IntN(nDisks),
	}
}

// Disk returns the disk of i-th block.
func (s *SimpleRandom) Disk(i uint64) int {
	return s.Striping.Disk(i + uint64(s.offset))
}

// FullyRandom places each block on the randomly chosen disk.
type FullyRandom struct {
	nDisks int
	rnd    *rand.Rand
}

// NewFullyRandom returns fully random strategy.
func NewFullyRandom(nDisks int, seed uint64) *FullyRandom {
	return &FullyRandom{
		nDisks: nDisks,
		rnd:    newRand(seed),
	}
}

// Disk returns the disk of i-th block.
func (s *FullyRandom) Disk(uint64) int {
	return s.rnd.IntN(s.nDisks)
}

// RandomCyclic places blocks cyclically following random permutation of disks.
type RandomCyclic struct {
	perm []int
}

// NewRandomCyclic returns random cyclic strategy.
func NewRandomCyclic(nDisks int, seed uint64) *RandomCyclic {
	return &RandomCyclic{
		perm: newRand(seed).Perm(nDisks),
	}
}

// Disk returns the disk of i-th block.
func (s *RandomCyclic) Disk(i uint64) int {
	return s.perm[i%uint64(len(s.perm))]
}

// SingleDisk places all the blocks on one disk.
type SingleDisk int

// Disk returns the disk of i-th block.
func (s SingleDisk) Disk(uint64) int {
	return int(s)
}

// StrategyByName returns strategy identified by name.
func StrategyByName(name string, nDisks int, seed uint64) (Strategy, error) {
	if nDisks <= 0 {
		return nil, errors.New("there are no disks")
	}

	switch name {
	case "", StripingStrategy:
		return NewStriping(nDisks), nil
	case SimpleRandomStrategy:
		return NewSimpleRandom(nDisks, seed), nil
	case FullyRandomStrategy:
		return NewFullyRandom(nDisks, seed), nil
	case RandomCyclicStrategy:
		return NewRandomCyclic(nDisks, seed), nil
	case SingleDiskStrategy:
		return SingleDisk(0), nil
	default:
		return nil, errors.Errorf("unknown placement strategy %q", name)
	}
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
