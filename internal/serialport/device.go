package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/zone-irrigation/internal/monitoring"
)

// DeviceConfig selects and configures the hardware device.
type DeviceConfig struct {
	// Path opens a fixed device node and skips discovery when set.
	Path string
	// Glob is matched against enumerated ports when Path is empty.
	Glob    string
	Options PortOptions
}

// DeviceTransport is a Transport backed by a real serial port.
type DeviceTransport struct {
	mu      sync.Mutex
	cfg     DeviceConfig
	list    PortLister
	opener  PortOpener
	port    Port
	device  string
	pending []byte
	buf     []byte
}

// NewDeviceTransport returns a closed transport for the configured device.
func NewDeviceTransport(cfg DeviceConfig) *DeviceTransport {
	return &DeviceTransport{
		cfg:    cfg,
		list:   SystemPorts,
		opener: OpenPort,
		buf:    make([]byte, 256),
	}
}

// WithPorts overrides port discovery and opening, for tests and tools.
func (t *DeviceTransport) WithPorts(list PortLister, opener PortOpener) *DeviceTransport {
	if list != nil {
		t.list = list
	}
	if opener != nil {
		t.opener = opener
	}
	return t
}

// OpenPort opens path with go.bug.st/serial.
func OpenPort(path string, opts PortOptions) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}

// Open discovers the device and opens it.
func (t *DeviceTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		return nil
	}

	path := t.cfg.Path
	if path == "" {
		selected, err := Select(t.cfg.Glob, t.list)
		if err != nil {
			return err
		}
		path = selected
	}

	port, err := t.opener(path, t.cfg.Options)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PortNotFound {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, path)
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		monitoring.Logf("serial: could not flush input buffer on %s: %v", path, err)
	}

	t.port = port
	t.device = path
	t.pending = t.pending[:0]
	monitoring.Logf("serial: opened %s", path)
	return nil
}

// Close releases the port.
func (t *DeviceTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.device = ""
	t.pending = t.pending[:0]
	return err
}

// Write sends p in full.
func (t *DeviceTransport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return ErrClosed
	}
	n, err := t.port.Write(p)
	if err != nil {
		return fmt.Errorf("write %s: %w", t.device, err)
	}
	if n != len(p) {
		return fmt.Errorf("write %s: short write %d of %d bytes", t.device, n, len(p))
	}
	return nil
}

// ReadLine reads until a newline or until timeout has elapsed. Bytes after the
// newline are kept for the next call.
func (t *DeviceTransport) ReadLine(timeout time.Duration) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return "", ErrClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		if i := bytes.IndexByte(t.pending, '\n'); i >= 0 {
			line := string(t.pending[:i])
			t.pending = append(t.pending[:0], t.pending[i+1:]...)
			return strings.TrimSpace(line), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrTimeout
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			return "", fmt.Errorf("set read timeout on %s: %w", t.device, err)
		}
		n, err := t.port.Read(t.buf)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", t.device, err)
		}
		if n == 0 {
			// go.bug.st/serial reports an expired read timeout as (0, nil).
			return "", ErrTimeout
		}
		t.pending = append(t.pending, t.buf[:n]...)
	}
}

// Device returns the open device path.
func (t *DeviceTransport) Device() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.device
}
