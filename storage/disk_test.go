package storage

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/pkg/memdev"
	"github.com/outofforest/extmem/stats"
)

const blockSize = 4096

func TestReadWrite(t *testing.T) {
	requireT := require.New(t)

	st := stats.New()
	disk := NewDisk(1, memdev.New(16*blockSize), false, 4, st, nil)
	t.Cleanup(func() { requireT.NoError(disk.Close()) })

	bid := blocks.BID{Disk: 1, Offset: 3 * blockSize, Size: blockSize}
	buf := bytes.Repeat([]byte{0x0a}, blockSize)
	requireT.NoError(disk.AWrite(buf, bid).Wait())

	buf2 := make([]byte, blockSize)
	r := disk.ARead(buf2, bid)
	requireT.NoError(r.Wait())
	requireT.True(r.Poll())
	requireT.Equal(ReadOp, r.Op())
	requireT.Equal(bid, r.BID())
	requireT.Equal(buf, buf2)

	snap := st.Snapshot()
	requireT.EqualValues(1, snap.Reads)
	requireT.EqualValues(1, snap.Writes)
	requireT.EqualValues(blockSize, snap.BytesRead)
	requireT.EqualValues(blockSize, snap.BytesWritten)
}

func TestManyRequests(t *testing.T) {
	requireT := require.New(t)

	const n = 64

	disk := NewDisk(1, memdev.New(n*blockSize), false, 4, nil, nil)
	t.Cleanup(func() { requireT.NoError(disk.Close()) })

	requests := make([]*Request, 0, n)
	for i := 0; i < n; i++ {
		requests = append(requests, disk.AWrite(bytes.Repeat([]byte{byte(i)}, blockSize),
			blocks.BID{Disk: 1, Offset: int64(i) * blockSize, Size: blockSize}))
	}
	for _, r := range requests {
		requireT.NoError(r.Wait())
	}

	bufs := make([][]byte, n)
	requests = requests[:0]
	for i := 0; i < n; i++ {
		bufs[i] = make([]byte, blockSize)
		requests = append(requests, disk.ARead(bufs[i], blocks.BID{Disk: 1, Offset: int64(i) * blockSize, Size: blockSize}))
	}
	for i, r := range requests {
		requireT.NoError(r.Wait())
		requireT.Equal(bytes.Repeat([]byte{byte(i)}, blockSize), bufs[i])
	}
}

func TestIOError(t *testing.T) {
	requireT := require.New(t)

	dev := memdev.New(4 * blockSize)
	errFault := errors.New("broken sector")
	dev.SetFault(func(write bool, offset int64) error {
		if offset == blockSize {
			return errFault
		}
		return nil
	})

	disk := NewDisk(1, dev, false, 1, nil, nil)
	t.Cleanup(func() { requireT.NoError(disk.Close()) })

	bid := blocks.BID{Disk: 1, Offset: blockSize, Size: blockSize}
	err := disk.ARead(make([]byte, blockSize), bid).Wait()
	requireT.ErrorIs(err, ErrIO)
	requireT.ErrorIs(err, errFault)

	var ioErr *IOError
	requireT.True(errors.As(err, &ioErr))
	requireT.Equal(bid, ioErr.BID)
	requireT.Equal(ReadOp, ioErr.Op)

	// Reading past the end of the device.

	err = disk.ARead(make([]byte, blockSize), blocks.BID{Disk: 1, Offset: 4 * blockSize, Size: blockSize}).Wait()
	requireT.ErrorIs(err, ErrIO)
}

func TestInvalidRequests(t *testing.T) {
	requireT := require.New(t)

	disk := NewDisk(1, memdev.New(4*blockSize), false, 1, nil, nil)

	requireT.Error(disk.ARead(make([]byte, 10), blocks.BID{Disk: 1, Size: blockSize}).Wait())
	requireT.Error(disk.ARead(make([]byte, blockSize), blocks.BID{Disk: 2, Size: blockSize}).Wait())

	requireT.NoError(disk.Close())
	requireT.NoError(disk.Close())
	requireT.ErrorIs(disk.ARead(make([]byte, blockSize), blocks.BID{Disk: 1, Size: blockSize}).Wait(), ErrClosed)
}

func TestCancel(t *testing.T) {
	requireT := require.New(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	dev := memdev.New(4 * blockSize)
	dev.SetFault(func(write bool, offset int64) error {
		if offset == 0 {
			started <- struct{}{}
			<-release
		}
		return nil
	})

	disk := NewDisk(1, dev, false, 1, nil, nil)
	t.Cleanup(func() { requireT.NoError(disk.Close()) })

	buf := bytes.Repeat([]byte{0x01}, blockSize)
	r1 := disk.AWrite(buf, blocks.BID{Disk: 1, Offset: 0, Size: blockSize})
	<-started

	r2 := disk.AWrite(buf, blocks.BID{Disk: 1, Offset: blockSize, Size: blockSize})

	// Running request can't be canceled.
	requireT.False(r1.Cancel())

	requireT.True(r2.Cancel())
	requireT.False(r2.Cancel())
	requireT.ErrorIs(r2.Wait(), ErrCanceled)
	requireT.False(r1.Poll())
	requireT.NoError(r1.Err())

	close(release)
	requireT.NoError(r1.Wait())

	// Canceled write never reached the device.

	buf2 := make([]byte, blockSize)
	requireT.NoError(disk.ARead(buf2, blocks.BID{Disk: 1, Offset: blockSize, Size: blockSize}).Wait())
	requireT.Equal(make([]byte, blockSize), buf2)
}

func TestGrow(t *testing.T) {
	requireT := require.New(t)

	disk := NewDisk(1, memdev.New(0), true, 1, nil, nil)
	t.Cleanup(func() { requireT.NoError(disk.Close()) })

	requireT.True(disk.Autogrow())
	requireT.EqualValues(0, disk.Size())
	requireT.NoError(disk.Grow(2 * blockSize))
	requireT.EqualValues(2*blockSize, disk.Size())
	requireT.NoError(disk.Grow(blockSize))
	requireT.EqualValues(2*blockSize, disk.Size())

	requireT.NoError(disk.AWrite(make([]byte, blockSize), blocks.BID{Disk: 1, Offset: blockSize, Size: blockSize}).Wait())
}

func TestOpenMemory(t *testing.T) {
	requireT := require.New(t)

	disk, err := Open(3, DiskConfig{Memory: true, Size: 4 * blockSize}, 2, nil, nil)
	requireT.NoError(err)
	requireT.Equal(blocks.DiskID(3), disk.ID())
	requireT.False(disk.Autogrow())
	requireT.EqualValues(4*blockSize, disk.Size())
	requireT.NoError(disk.Close())
}

func TestOpenScratch(t *testing.T) {
	requireT := require.New(t)

	disk, err := Open(1, DiskConfig{Path: t.TempDir()}, 2, nil, nil)
	requireT.NoError(err)
	requireT.True(disk.Autogrow())
	requireT.NoError(disk.Grow(blockSize))

	bid := blocks.BID{Disk: 1, Offset: 0, Size: blockSize}
	buf := bytes.Repeat([]byte{0x0f}, blockSize)
	requireT.NoError(disk.AWrite(buf, bid).Wait())
	buf2 := make([]byte, blockSize)
	requireT.NoError(disk.ARead(buf2, bid).Wait())
	requireT.Equal(buf, buf2)
	requireT.NoError(disk.Close())
}
