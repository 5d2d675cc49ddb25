//go:build linux

package filedev

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func preallocate(file *os.File, from, to int64) error {
	err := unix.Fallocate(int(file.Fd()), 0, from, to-from)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENOSYS):
		// tmpfs and some other file systems can't fallocate
		return errors.WithStack(file.Truncate(to))
	default:
		return errors.Wrapf(err, "preallocating %d bytes in %s failed", to-from, file.Name())
	}
}
