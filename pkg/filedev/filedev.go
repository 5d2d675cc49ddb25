package filedev

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/ncw/directio"
	"github.com/pkg/errors"
)

var (
	_ io.ReaderAt = &FileDev{}
	_ io.WriterAt = &FileDev{}
)

// FileDev uses file handle as a device.
type FileDev struct {
	file          *os.File
	size          int64
	deleteOnClose bool
}

// New returns new filedev.
func New(file *os.File) *FileDev {
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		panic(errors.WithStack(err))
	}
	return &FileDev{
		file: file,
		size: size,
	}
}

// Open opens or creates the file and preallocates size bytes.
// If direct is true, the page cache of the OS is bypassed, so buffers must be aligned.
func Open(path string, size int64, direct bool) (*FileDev, error) {
	file, err := openFile(path, direct)
	if err != nil {
		return nil, err
	}

	fd := New(file)
	if size > fd.size {
		if err := fd.Grow(size); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return fd, nil
}

// OpenScratch creates new uniquely named file in dir which is deleted on close.
func OpenScratch(dir string, direct bool) (*FileDev, error) {
	path := filepath.Join(dir, "extmem-"+uuid.NewString()+".tmp")
	fd, err := Open(path, 0, direct)
	if err != nil {
		return nil, err
	}
	fd.deleteOnClose = true
	return fd, nil
}

// ReadAt reads data from the file.
func (fd *FileDev) ReadAt(p []byte, offset int64) (int, error) {
	n, err := fd.file.ReadAt(p, offset)
	if err != nil {
		return n, errors.WithStack(err)
	}
	return n, nil
}

// WriteAt writes data to the file.
func (fd *FileDev) WriteAt(p []byte, offset int64) (int, error) {
	n, err := fd.file.WriteAt(p, offset)
	if err != nil {
		return n, errors.WithStack(err)
	}
	return n, nil
}

// Grow extends the file to the new size.
func (fd *FileDev) Grow(size int64) error {
	if size <= fd.size {
		return nil
	}
	if err := preallocate(fd.file, fd.size, size); err != nil {
		return err
	}
	fd.size = size
	return nil
}

// Sync syncs data to the file.
func (fd *FileDev) Sync() error {
	if err := fd.file.Sync(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Size returns the byte size of the file.
func (fd *FileDev) Size() int64 {
	return fd.size
}

// Path returns the path of the file.
func (fd *FileDev) Path() string {
	return fd.file.Name()
}

// Close closes the file and removes it if it is a scratch file.
func (fd *FileDev) Close() error {
	if err := fd.file.Close(); err != nil {
		return errors.WithStack(err)
	}
	if fd.deleteOnClose {
		if err := os.Remove(fd.file.Name()); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func openFile(path string, direct bool) (*os.File, error) {
	const flags = os.O_RDWR | os.O_CREATE

	if direct {
		file, err := directio.OpenFile(path, flags, 0o600)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s for direct I/O failed", path)
		}
		return file, nil
	}

	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return file, nil
}
