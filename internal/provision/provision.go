// Package provision performs host-level actions on behalf of the link: a
// USB reset of the serial adapter and, when no adapter can be found at all,
// a restart of the host. Both run operator-configured commands.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/zone-irrigation/internal/monitoring"
	"github.com/banshee-data/zone-irrigation/internal/serialport"
)

// Placeholders expanded in configured command arguments.
const (
	// PlaceholderDevice is the serial device path, e.g. /dev/ttyUSB0.
	PlaceholderDevice = "{device}"
	// PlaceholderUSB is the adapter's vid:pid pair.
	PlaceholderUSB = "{usb}"
)

// DefaultUSBResetCommand resets the adapter with the usbutils tool.
var DefaultUSBResetCommand = []string{"sudo", "usbreset", PlaceholderUSB}

// DefaultRestartCommand reboots the host.
var DefaultRestartCommand = []string{"sudo", "reboot"}

// ErrNoCommand is returned when an action has no command configured.
var ErrNoCommand = errors.New("no command configured")

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandResetter resets the USB adapter behind a serial device.
type CommandResetter struct {
	Argv []string
	Run  Runner
	// USBID resolves a device path to its vid:pid pair. Defaults to the
	// serial port enumerator.
	USBID func(device string) (string, error)
}

// ResetUSB implements the link's USBResetter.
func (r *CommandResetter) ResetUSB(ctx context.Context, device string) error {
	if len(r.Argv) == 0 {
		return ErrNoCommand
	}
	lookup := r.USBID
	if lookup == nil {
		lookup = func(device string) (string, error) { return serialport.USBID(device, nil) }
	}

	argv := make([]string, len(r.Argv))
	for i, a := range r.Argv {
		if strings.Contains(a, PlaceholderUSB) {
			id, err := lookup(device)
			if err != nil {
				return fmt.Errorf("resolve USB id of %s: %w", device, err)
			}
			a = strings.ReplaceAll(a, PlaceholderUSB, id)
		}
		argv[i] = strings.ReplaceAll(a, PlaceholderDevice, device)
	}

	monitoring.Logf("provision: resetting USB device %s: %s", device, strings.Join(argv, " "))
	return run(ctx, r.Run, argv)
}

// HostRestarter asks the host to reboot. Only the first call runs the
// command; a reboot in progress does not need repeating.
type HostRestarter struct {
	Argv []string
	Run  Runner

	once sync.Once
	err  error
}

// RestartHost runs the restart command once.
func (h *HostRestarter) RestartHost(cause error) error {
	h.once.Do(func() {
		if len(h.Argv) == 0 {
			h.err = ErrNoCommand
			monitoring.Logf("provision: host restart wanted (%v) but no restart command is configured", cause)
			return
		}
		monitoring.Logf("provision: ############ RESTARTING HOST ############ cause: %v", cause)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.err = run(ctx, h.Run, h.Argv)
	})
	return h.err
}

func run(ctx context.Context, runner Runner, argv []string) error {
	if runner == nil {
		runner = ExecRunner
	}
	out, err := runner(ctx, argv[0], argv[1:]...)
	if err != nil {
		return fmt.Errorf("%s failed: %w (output: %s)", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NopResetter skips the USB reset, for simulated devices.
type NopResetter struct{}

// ResetUSB implements the link's USBResetter.
func (NopResetter) ResetUSB(context.Context, string) error { return nil }
