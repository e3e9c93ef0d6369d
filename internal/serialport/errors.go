package serialport

import "errors"

var (
	// ErrDeviceNotFound is returned by Open when no device node matches the
	// configured pattern. The host cannot make progress without one.
	ErrDeviceNotFound = errors.New("serial device not found")

	// ErrTimeout is returned by ReadLine when no complete line arrived within
	// the requested timeout.
	ErrTimeout = errors.New("serial read timed out")

	// ErrClosed is returned by I/O on a transport that is not open.
	ErrClosed = errors.New("serial transport is closed")
)
