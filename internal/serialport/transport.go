// Package serialport abstracts the byte-oriented, half-duplex connection to
// the irrigation microcontroller. A DeviceTransport talks to real hardware via
// go.bug.st/serial; a SimulatedTransport answers the same protocol from memory
// so the rest of the stack can run and be tested without a board attached.
package serialport

import (
	"io"
	"time"
)

// Transport is a line-oriented connection to the device. Implementations are
// not safe for concurrent use; the link layer serialises all access.
type Transport interface {
	// Open acquires the device. It returns ErrDeviceNotFound when no device
	// is present.
	Open() error
	// Close releases the device. Closing a closed transport is a no-op.
	Close() error
	// Write sends raw bytes to the device.
	Write(p []byte) error
	// ReadLine returns the next newline-terminated line with surrounding
	// whitespace removed, or ErrTimeout if none arrives within timeout.
	ReadLine(timeout time.Duration) (string, error)
	// Device names the currently open device, or "" when closed.
	Device() string
}

// Port is the subset of go.bug.st/serial.Port used by DeviceTransport. It is
// an interface so tests can substitute an in-memory port.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(timeout time.Duration) error
	ResetInputBuffer() error
}

// PortOpener opens the serial device at path.
type PortOpener func(path string, opts PortOptions) (Port, error)

// PortLister returns the serial device paths currently present.
type PortLister func() ([]string, error)
