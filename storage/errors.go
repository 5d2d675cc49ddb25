package storage

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/extmem/blocks"
)

var (
	// ErrIO is the kind of all errors reported by devices.
	ErrIO = errors.New("I/O error")

	// ErrCanceled is returned by Wait if request was canceled before it was executed.
	ErrCanceled = errors.New("request canceled")

	// ErrClosed is returned if request is submitted to the closed disk.
	ErrClosed = errors.New("disk closed")
)

// IOError is returned when device fails to execute the request.
type IOError struct {
	Op  Op
	BID blocks.BID
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s of %s failed: %s", e.Op, e.BID, e.Err)
}

// Unwrap returns the cause reported by the device.
func (e *IOError) Unwrap() error {
	return e.Err
}

// Is reports IOError as ErrIO.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}
