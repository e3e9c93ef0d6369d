// Package link implements the command/response protocol spoken by the
// irrigation controller board over a half-duplex serial line.
//
// Every command is a short token written in one piece; the board answers each
// with exactly one line. Lines starting with the debug prefix are diagnostics
// the firmware emits at any time; they are logged and never returned as a
// response. The line carries one exchange at a time, so all device access
// goes through a single mutex shared by the control tick and any HTTP handler
// that needs device state.
//
// When an exchange times out or the transport fails, the link recovers the
// device: it closes the handle, asks the host to reset the USB device, waits
// for re-enumeration, reopens and repeats the reset handshake. The failed
// command still returns an error so callers can degrade; the next command
// runs on the fresh session.
package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/banshee-data/zone-irrigation/internal/monitoring"
	"github.com/banshee-data/zone-irrigation/internal/serialport"
	"github.com/banshee-data/zone-irrigation/internal/timeutil"
)

// Protocol command tokens.
const (
	CmdReset        = "I"
	CmdOpenValves   = "V"
	CmdCounter      = "W"
	CmdStartButton  = "S"
	CmdEnterProgram = "P"
	CmdLeaveProgram = "p"
)

// DefaultDebugPrefix marks diagnostic lines emitted by the firmware.
const DefaultDebugPrefix = "D"

// maxLinesPerRead bounds how many debug or stale lines a single drain or
// response read will consume before giving up.
const maxLinesPerRead = 100

// USBResetter performs the host-level reset of the USB device behind the
// serial port.
type USBResetter interface {
	ResetUSB(ctx context.Context, device string) error
}

// Options tunes a Link. Zero values select the defaults noted per field.
type Options struct {
	// ReadTimeout bounds each response line. Default 1s.
	ReadTimeout time.Duration
	// DrainTimeout bounds each read while discarding stale lines before a
	// command. Default 50ms.
	DrainTimeout time.Duration
	// DebugPrefix marks lines to filter. Default "D".
	DebugPrefix string
	// ResetPause is how long to wait for the device to re-enumerate after a
	// USB reset. Default 2s.
	ResetPause time.Duration
	// HandshakeAttempts bounds reset handshake tries. Default 5.
	HandshakeAttempts int
	// HandshakeBackOff spaces handshake retries. Default exponential from
	// 100ms.
	HandshakeBackOff func() backoff.BackOff

	Clock    timeutil.Clock
	Resetter USBResetter
	// OnDeviceLost is called when no serial device can be found at all.
	OnDeviceLost func(error)
	Metrics      *monitoring.Metrics
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = serialport.DefaultReadTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 50 * time.Millisecond
	}
	if o.DebugPrefix == "" {
		o.DebugPrefix = DefaultDebugPrefix
	}
	if o.ResetPause <= 0 {
		o.ResetPause = 2 * time.Second
	}
	if o.HandshakeAttempts <= 0 {
		o.HandshakeAttempts = 5
	}
	if o.HandshakeBackOff == nil {
		o.HandshakeBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		}
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// Session describes the current device session.
type Session struct {
	Device      string    `json:"device"`
	Connected   bool      `json:"connected"`
	OpenedAt    time.Time `json:"opened_at"`
	LastCommand string    `json:"last_command"`
	ProgramMode bool      `json:"program_mode"`
	Resets      int       `json:"resets"`
}

// Link is the protocol driver. It is safe for concurrent use.
type Link struct {
	mu        sync.Mutex
	transport serialport.Transport
	opts      Options

	connected   bool
	device      string
	openedAt    time.Time
	lastCommand string
	resets      int

	// programMode is what the last successful mode change achieved. The
	// board has no query for it, and a board that resets on its own leaves
	// this stale.
	programMode bool
}

// New returns a link over t. Call Connect before use; a link that was never
// connected will try to connect on its first command.
func New(t serialport.Transport, opts Options) *Link {
	return &Link{
		transport: t,
		opts:      opts.withDefaults(),
	}
}

// Connect opens the transport and performs the reset handshake. It returns an
// error wrapping serialport.ErrDeviceNotFound when no device is present.
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openLocked()
}

// Close releases the device.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return l.transport.Close()
}

// Reset runs the full device recovery sequence.
func (l *Link) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resetLocked()
}

// Send performs one command/response exchange. On a timeout or transport
// failure the device is recovered before Send returns the error.
func (l *Link) Send(cmd string) (string, error) {
	return l.send(cmd, nil)
}

// send is Send with an answer check. A response accept rejects is returned
// as is but counted as a mismatch rather than a successful command.
func (l *Link) send(cmd string, accept func(string) bool) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendLocked(cmd, accept)
}

// DrainDebug consumes and logs any lines the device emitted since the last
// exchange.
func (l *Link) DrainDebug() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return
	}
	if err := l.drainLocked(); err != nil {
		monitoring.Logf("link: draining debug frames failed: %v; resetting device", err)
		if rerr := l.resetLocked(); rerr != nil {
			monitoring.Logf("link: recovery failed: %v", rerr)
		}
	}
}

// IsProgramRunning reports the locally tracked program mode. It reflects the
// last successful EnterProgramMode/LeaveProgramMode call, not the board.
func (l *Link) IsProgramRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.programMode
}

// Session returns a snapshot of the current session.
func (l *Link) Session() Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Session{
		Device:      l.device,
		Connected:   l.connected,
		OpenedAt:    l.openedAt,
		LastCommand: l.lastCommand,
		ProgramMode: l.programMode,
		Resets:      l.resets,
	}
}

func (l *Link) sendLocked(cmd string, accept func(string) bool) (string, error) {
	if !l.connected {
		if err := l.resetLocked(); err != nil {
			l.opts.Metrics.ObserveCommand(cmd, "not_connected")
			return "", fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
	}

	resp, err := l.exchangeLocked(cmd)
	if err != nil {
		result := "io"
		if errors.Is(err, ErrLinkTimeout) {
			result = "timeout"
		}
		l.opts.Metrics.ObserveCommand(cmd, result)
		monitoring.Logf("link: command %q failed: %v; resetting device", cmd, err)
		if rerr := l.resetLocked(); rerr != nil {
			monitoring.Logf("link: recovery failed: %v", rerr)
		}
		return "", err
	}

	result := "ok"
	if accept != nil && !accept(resp) {
		result = "mismatch"
	}
	l.opts.Metrics.ObserveCommand(cmd, result)
	return resp, nil
}

// exchangeLocked writes cmd and returns the first non-debug line. It never
// triggers recovery, so the handshake can use it.
func (l *Link) exchangeLocked(cmd string) (string, error) {
	if err := l.drainLocked(); err != nil {
		return "", err
	}

	l.lastCommand = cmd
	monitoring.Debugf("serial: sending %q", cmd)
	if err := l.transport.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("%w: write %q: %w", ErrLinkIO, cmd, err)
	}

	for i := 0; i < maxLinesPerRead; i++ {
		line, err := l.transport.ReadLine(l.opts.ReadTimeout)
		if errors.Is(err, serialport.ErrTimeout) {
			return "", fmt.Errorf("%w: no response to %q", ErrLinkTimeout, cmd)
		}
		if err != nil {
			return "", fmt.Errorf("%w: read response to %q: %w", ErrLinkIO, cmd, err)
		}
		if l.isDebug(line) {
			l.logDebug(line)
			continue
		}
		monitoring.Debugf("serial: response %q", line)
		return line, nil
	}
	return "", fmt.Errorf("%w: no response to %q among %d debug frames", ErrLinkTimeout, cmd, maxLinesPerRead)
}

// drainLocked discards whatever is already buffered: debug frames and any
// stale response left over from an earlier timed-out exchange.
func (l *Link) drainLocked() error {
	for i := 0; i < maxLinesPerRead; i++ {
		line, err := l.transport.ReadLine(l.opts.DrainTimeout)
		if errors.Is(err, serialport.ErrTimeout) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: drain: %w", ErrLinkIO, err)
		}
		if l.isDebug(line) {
			l.logDebug(line)
			continue
		}
		monitoring.Logf("link: discarding stale line %q", line)
	}
	return nil
}

func (l *Link) isDebug(line string) bool {
	return strings.HasPrefix(line, l.opts.DebugPrefix)
}

func (l *Link) logDebug(line string) {
	l.opts.Metrics.ObserveDebugFrame()
	monitoring.Debugf("serial: %s", line)
}

func (l *Link) resetLocked() error {
	l.resets++
	l.opts.Metrics.ObserveReset()

	device := l.transport.Device()
	if err := l.transport.Close(); err != nil {
		monitoring.Logf("link: closing %s: %v", device, err)
	}
	l.connected = false

	if l.opts.Resetter != nil && device != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := l.opts.Resetter.ResetUSB(ctx, device); err != nil {
			monitoring.Logf("link: USB reset of %s failed: %v", device, err)
		}
		cancel()
	}
	l.opts.Clock.Sleep(l.opts.ResetPause)

	return l.openLocked()
}

func (l *Link) openLocked() error {
	if err := l.transport.Open(); err != nil {
		if errors.Is(err, serialport.ErrDeviceNotFound) {
			monitoring.Logf("link: no serial device present: %v", err)
			if l.opts.OnDeviceLost != nil {
				l.opts.OnDeviceLost(err)
			}
		}
		return err
	}

	l.device = l.transport.Device()
	l.openedAt = l.opts.Clock.Now()
	l.lastCommand = ""

	if err := l.handshakeLocked(); err != nil {
		monitoring.Logf("link: FATAL: %s did not complete the reset handshake: %v", l.device, err)
		return err
	}
	l.connected = true
	monitoring.Logf("link: connected to %s", l.device)
	return nil
}

func (l *Link) handshakeLocked() error {
	policy := backoff.WithMaxRetries(l.opts.HandshakeBackOff(), uint64(l.opts.HandshakeAttempts-1))
	op := func() error {
		resp, err := l.exchangeLocked(CmdReset)
		if err != nil {
			return err
		}
		if resp != CmdReset {
			return fmt.Errorf("%w: handshake answered %q", ErrProtocolMismatch, resp)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		monitoring.Logf("link: handshake attempt failed: %v; retrying in %v", err, wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	return nil
}
