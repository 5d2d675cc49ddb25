package blocks

import (
	"unsafe"

	"github.com/pkg/errors"
)

// alignment specifies the alignment of the BID and metadata sections inside the block.
const alignment = 8

// Layout describes how typed content is placed inside the raw block:
// [elements][BID records][metadata][padding].
type Layout struct {
	RawSize     int64
	ElementSize int64
	NElements   int64
	NBIDs       int64
	InfoSize    int64
	BIDsOffset  int64
	InfoOffset  int64
}

// NewLayout computes the layout of the block.
func NewLayout(rawSize, elementSize, nBIDs, infoSize int64) (Layout, error) {
	if rawSize <= 0 {
		return Layout{}, errors.Errorf("invalid raw block size: %d", rawSize)
	}
	if elementSize <= 0 {
		return Layout{}, errors.Errorf("invalid element size: %d", elementSize)
	}
	if nBIDs < 0 || infoSize < 0 {
		return Layout{}, errors.Errorf("invalid layout, nBIDs: %d, infoSize: %d", nBIDs, infoSize)
	}

	fixed := nBIDs*BIDRecordSize + align(infoSize)
	if fixed >= rawSize {
		return Layout{}, errors.Errorf("references and metadata (%d bytes) do not fit into the block of %d bytes",
			fixed, rawSize)
	}

	nElements := (rawSize - fixed) / elementSize
	for nElements > 0 && align(nElements*elementSize)+fixed > rawSize {
		nElements--
	}
	if nElements == 0 {
		return Layout{}, errors.Errorf("element of %d bytes does not fit into the block of %d bytes", elementSize, rawSize)
	}

	bidsOffset := align(nElements * elementSize)
	return Layout{
		RawSize:     rawSize,
		ElementSize: elementSize,
		NElements:   nElements,
		NBIDs:       nBIDs,
		InfoSize:    infoSize,
		BIDsOffset:  bidsOffset,
		InfoOffset:  bidsOffset + nBIDs*BIDRecordSize,
	}, nil
}

// LayoutFor computes the layout for element type E and metadata type M.
func LayoutFor[E any, M comparable](rawSize, nBIDs int64) (Layout, error) {
	var e E
	var m M
	return NewLayout(rawSize, int64(unsafe.Sizeof(e)), nBIDs, int64(unsafe.Sizeof(m)))
}

// Padding returns the number of unused bytes at the end of the block.
func (l Layout) Padding() int64 {
	return l.RawSize - l.InfoOffset - l.InfoSize
}

func align(v int64) int64 {
	return (v + alignment - 1) / alignment * alignment
}
