package blocks

import (
	"unsafe"

	"github.com/outofforest/photon"
	"github.com/pkg/errors"
)

// TypedBlock gives typed access to the raw block buffer.
// E and M must be fixed-size types without pointers.
type TypedBlock[E any, M comparable] struct {
	layout Layout
	buf    []byte
}

// NewTypedBlock returns typed view of the buffer.
func NewTypedBlock[E any, M comparable](layout Layout, buf []byte) TypedBlock[E, M] {
	if int64(len(buf)) != layout.RawSize {
		panic(errors.Errorf("buffer size %d does not match raw block size %d", len(buf), layout.RawSize))
	}
	return TypedBlock[E, M]{
		layout: layout,
		buf:    buf,
	}
}

// Layout returns the layout of the block.
func (b TypedBlock[E, M]) Layout() Layout {
	return b.layout
}

// Bytes returns the raw buffer.
func (b TypedBlock[E, M]) Bytes() []byte {
	return b.buf
}

// Elements returns the element array stored in the block.
func (b TypedBlock[E, M]) Elements() []E {
	return unsafe.Slice((*E)(unsafe.Pointer(&b.buf[0])), b.layout.NElements)
}

// Ref returns i-th embedded BID.
func (b TypedBlock[E, M]) Ref(i int) BID {
	return b.record(i).V.BID(b.layout.RawSize)
}

// SetRef stores i-th embedded BID.
func (b TypedBlock[E, M]) SetRef(i int, bid BID) {
	*b.record(i).V = RecordOf(bid)
}

// Info returns metadata stored in the block, nil if the layout has no metadata.
func (b TypedBlock[E, M]) Info() *M {
	if b.layout.InfoSize == 0 {
		return nil
	}
	return photon.NewFromBytes[M](b.buf[b.layout.InfoOffset:]).V
}

func (b TypedBlock[E, M]) record(i int) photon.Union[*BIDRecord] {
	if i < 0 || int64(i) >= b.layout.NBIDs {
		panic(errors.Errorf("reference index %d out of range [0, %d)", i, b.layout.NBIDs))
	}
	offset := b.layout.BIDsOffset + int64(i)*BIDRecordSize
	return photon.NewFromBytes[BIDRecord](b.buf[offset:])
}
