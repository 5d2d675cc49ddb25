package blocks

import (
	"fmt"
	"unsafe"
)

// DefaultBlockSize is the default raw size of the block.
const DefaultBlockSize int64 = 2 * 1024 * 1024 // 2 MiB

// DiskID identifies the disk the block is stored on.
type DiskID uint32

// NoDisk is the sentinel disk reference carried by invalid BIDs.
const NoDisk DiskID = 0

// BID is the identifier of the block in external storage.
type BID struct {
	Disk   DiskID
	Offset int64
	Size   int64
}

// Valid returns true if BID refers to reserved space.
func (b BID) Valid() bool {
	return b.Disk != NoDisk
}

func (b BID) String() string {
	if !b.Valid() {
		return "BID(invalid)"
	}
	return fmt.Sprintf("BID(disk=%d, offset=%d, size=%d)", b.Disk, b.Offset, b.Size)
}

// BIDRecord is the persisted form of the BID embedded in typed blocks.
// Size of the referenced block is a configuration constant, so it is not stored.
type BIDRecord struct {
	Offset int64
	Disk   DiskID
	_      uint32
}

// BIDRecordSize is the byte size of the persisted BID.
const BIDRecordSize = int64(unsafe.Sizeof(BIDRecord{}))

// RecordOf converts BID to its persisted form.
func RecordOf(bid BID) BIDRecord {
	return BIDRecord{
		Offset: bid.Offset,
		Disk:   bid.Disk,
	}
}

// BID converts persisted record back to BID of the given size.
func (r BIDRecord) BID(size int64) BID {
	if r.Disk == NoDisk {
		return BID{}
	}
	return BID{
		Disk:   r.Disk,
		Offset: r.Offset,
		Size:   size,
	}
}
