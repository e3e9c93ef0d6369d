// Package watermeter turns the controller board's flow counter into a
// gallons-per-minute estimate.
//
// Each rate computation costs a device round trip and the pulse counter is
// noisy at sub-minute granularity, so the rate is recomputed at most once
// per window and the cached value is returned in between.
package watermeter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/zone-irrigation/internal/link"
	"github.com/banshee-data/zone-irrigation/internal/monitoring"
	"github.com/banshee-data/zone-irrigation/internal/timeutil"
)

// ErrCounterParse marks a counter reading the board answered with something
// other than a number.
var ErrCounterParse = errors.New("flow counter unreadable")

// DefaultWindow is the minimum spacing between rate computations.
const DefaultWindow = 60 * time.Second

// CounterSource reads the cumulative flow counter.
type CounterSource interface {
	QueryCounter() (int64, error)
}

// Options configures a Meter.
type Options struct {
	// Window defaults to DefaultWindow.
	Window time.Duration
	// ScaleFactor multiplies every computed rate. Defaults to 1. Boards
	// whose sensor pulses twice per gallon need 0.5.
	ScaleFactor float64
	// Slack lets a computation that lands this close to a full window
	// count as one. Callers polling at the window period need it to absorb
	// scheduling jitter, or every other poll returns the cached rate.
	Slack time.Duration
	Clock timeutil.Clock
}

// Meter polls the counter and estimates flow.
type Meter struct {
	mu     sync.Mutex
	src    CounterSource
	window time.Duration
	slack  time.Duration
	scale  float64
	clock  timeutil.Clock

	lastCount   int64
	lastReading time.Time
	// haveBaseline is false until a read succeeds. Before that the board's
	// lifetime counter has nothing to be measured against.
	haveBaseline bool

	rate   float64
	rateAt time.Time
}

// New returns a meter whose last computation is seeded one window in the
// past, so the first FlowRate call reads the device instead of waiting a
// window.
func New(src CounterSource, opts Options) *Meter {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.ScaleFactor <= 0 {
		opts.ScaleFactor = 1
	}
	if opts.Slack < 0 || opts.Slack >= opts.Window {
		opts.Slack = 0
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	seed := opts.Clock.Now().Add(-opts.Window)
	return &Meter{
		src:         src,
		window:      opts.Window,
		slack:       opts.Slack,
		scale:       opts.ScaleFactor,
		clock:       opts.Clock,
		lastReading: seed,
		rateAt:      seed,
	}
}

// Counter reads the counter and makes the reading the baseline for the next
// rate computation. Any failure is logged and reads as 0.
func (m *Meter) Counter() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	count, _, err := m.readLocked()
	if err != nil {
		return 0
	}
	return count
}

// FlowRate returns gallons per minute, recomputing when a full window has
// passed since the last computation. A failed read reports 0, as does the
// first successful read when no earlier sample exists; that read becomes
// the baseline.
func (m *Meter) FlowRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if now.Sub(m.rateAt) < m.window-m.slack {
		return m.rate
	}

	oldCount, oldAt, hadBaseline := m.lastCount, m.lastReading, m.haveBaseline
	count, at, err := m.readLocked()
	m.rateAt = now
	if err != nil || !hadBaseline {
		m.rate = 0
		return m.rate
	}

	elapsed := at.Sub(oldAt)
	if elapsed <= 0 {
		return m.rate
	}
	delta := count - oldCount
	if delta < 0 {
		monitoring.Logf("watermeter: counter went backwards (%d -> %d); treating as no flow", oldCount, count)
		delta = 0
	}
	m.rate = float64(delta) / elapsed.Minutes() * m.scale
	monitoring.Debugf("watermeter: %d gallons over %v = %.2f gpm", delta, elapsed, m.rate)
	return m.rate
}

// Rate returns the cached rate without touching the device.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// LastReading returns the baseline sample.
func (m *Meter) LastReading() (int64, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCount, m.lastReading
}

func (m *Meter) readLocked() (int64, time.Time, error) {
	count, err := m.src.QueryCounter()
	if err != nil {
		if errors.Is(err, link.ErrProtocolMismatch) {
			err = fmt.Errorf("%w: %w", ErrCounterParse, err)
		}
		monitoring.Logf("watermeter: reading flow counter failed: %v", err)
		return 0, time.Time{}, err
	}
	at := m.clock.Now()
	m.lastCount, m.lastReading = count, at
	m.haveBaseline = true
	return count, at, nil
}
