package scheduler

import (
	"github.com/outofforest/extmem/blocks"
)

// AcquireTyped acquires the block and returns its typed view.
func AcquireTyped[E any, M comparable](s *Scheduler, id BlockID, layout blocks.Layout) (blocks.TypedBlock[E, M], error) {
	buf, err := s.Acquire(id)
	if err != nil {
		return blocks.TypedBlock[E, M]{}, err
	}
	return blocks.NewTypedBlock[E, M](layout, buf), nil
}
