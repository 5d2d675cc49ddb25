package scheduler

import (
	"fmt"

	"github.com/pkg/errors"
)

// BlockID identifies swappable block managed by the scheduler.
type BlockID int

// NoBlock is the invalid block ID.
const NoBlock BlockID = -1

// State is the caching state of the swappable block.
type State byte

// States
const (
	Uninitialized State = iota
	OnDisk
	InMemoryClean
	InMemoryDirty
)

func (s State) String() string {
	switch s {
	case OnDisk:
		return "on-disk"
	case InMemoryClean:
		return "in-memory-clean"
	case InMemoryDirty:
		return "in-memory-dirty"
	default:
		return "uninitialized"
	}
}

// Op is the operation executed on swappable block.
type Op byte

// Operations
const (
	AcquireOp Op = iota
	ReleaseOp
	ReleaseDirtyOp
	InitializeOp
	DeinitializeOp
	ExtractOp
)

func (o Op) String() string {
	switch o {
	case AcquireOp:
		return "acquire"
	case ReleaseOp:
		return "release"
	case ReleaseDirtyOp:
		return "release-dirty"
	case InitializeOp:
		return "initialize"
	case DeinitializeOp:
		return "deinitialize"
	case ExtractOp:
		return "extract"
	default:
		return fmt.Sprintf("op(%d)", o)
	}
}

// Event is the recorded operation.
type Event struct {
	Op   Op      `json:"op"`
	ID   BlockID `json:"id"`
	Time uint64  `json:"time"`
}

// PredictionSequence is the log of operations recorded during simulation.
type PredictionSequence []Event

// Stats contains scheduler counters.
type Stats struct {
	Acquires   uint64 `json:"acquires"`
	Hits       uint64 `json:"hits"`
	Loads      uint64 `json:"loads"`
	Evictions  uint64 `json:"evictions"`
	WriteBacks uint64 `json:"writeBacks"`
	Waits      uint64 `json:"waits"`
	Resident   int    `json:"resident"`
}

var (
	// ErrPinned is returned if frame is needed, there is no victim and no block could give its frame back.
	ErrPinned = errors.New("no frame can be obtained within the budget")

	// ErrSimulating is returned by operations which can't be executed during simulation.
	ErrSimulating = errors.New("operation is not supported during simulation")
)
