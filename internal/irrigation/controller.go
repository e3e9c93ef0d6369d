// Package irrigation implements the watering run state machine.
//
// A run is requested with Start and ends when its duration has elapsed or
// Stop is called. The countdown does not begin at the request: pump spin-up
// and valve travel take a variable amount of time, so the timer starts on the
// first tick that measures water actually flowing. Stopping never closes
// valves directly. The pump is switched by an independent poller, and valves
// are closed by a later tick once the meter shows the lines have drained.
package irrigation

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/zone-irrigation/internal/monitoring"
	"github.com/banshee-data/zone-irrigation/internal/runstate"
	"github.com/banshee-data/zone-irrigation/internal/telemetry"
	"github.com/banshee-data/zone-irrigation/internal/timeutil"
)

// State is the externally visible run state.
type State string

const (
	StateOff      State = "OFF"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
)

// MaxRunHours bounds a single run at one week.
const MaxRunHours = 7 * 24

// Status messages.
const (
	MessageStarting     = "Starting Pump"
	MessageStopping     = "Stopping."
	MessageOff          = "OFF"
	MessageWaitingDrain = "Waiting for flow to stop"
)

// Link is the protocol driver surface the controller uses directly.
type Link interface {
	DrainDebug()
	EnterProgramMode() error
	LeaveProgramMode() error
	IsProgramRunning() bool
}

// Valves is the valve bank.
type Valves interface {
	Numbers() []int
	OpenAll() error
	CloseAll() error
	OpenValves() ([]int, error)
	AnyOpen() bool
}

// Meter is the water meter.
type Meter interface {
	Counter() int64
	FlowRate() float64
}

// PumpNotifier is told whenever the pump request changes.
type PumpNotifier interface {
	SetPumpRequested(bool)
}

// RunTimer is present once flow has been confirmed for the current run.
type RunTimer struct {
	StartedAt    time.Time
	TotalSeconds float64
}

// Report is the status shown to the control surface.
type Report struct {
	State            State   `json:"status"`
	Message          string  `json:"message"`
	Percent          int     `json:"percent"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	RunID            string  `json:"run_id,omitempty"`
}

// Options carries the controller's collaborators. Status is required; the
// rest may be left nil.
type Options struct {
	Clock     timeutil.Clock
	Status    *runstate.Status
	Telemetry telemetry.Sink
	Events    runstate.EventRecorder
	Pump      PumpNotifier
	Metrics   *monitoring.Metrics
}

// Controller runs the irrigation state machine.
type Controller struct {
	// opMu serializes ticks with Start and Stop so a tick never closes
	// valves that a concurrent Start just opened.
	opMu sync.Mutex

	// mu guards timer and the status fields the state machine writes, so
	// readers see status and timer from the same transition.
	mu    sync.RWMutex
	timer *RunTimer

	link    Link
	valves  Valves
	meter   Meter
	status  *runstate.Status
	clock   timeutil.Clock
	sink    telemetry.Sink
	events  runstate.EventRecorder
	pump    PumpNotifier
	metrics *monitoring.Metrics
}

// New returns a controller in the OFF state.
func New(l Link, v Valves, m Meter, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Discard{}
	}
	if opts.Status == nil {
		opts.Status = runstate.New(nil, opts.Clock)
	}
	return &Controller{
		link:    l,
		valves:  v,
		meter:   m,
		status:  opts.Status,
		clock:   opts.Clock,
		sink:    opts.Telemetry,
		events:  opts.Events,
		pump:    opts.Pump,
		metrics: opts.Metrics,
	}
}

// Start requests a watering run of hours. Valves are opened before the pump
// is signalled. Starting while a run is active replaces that run. It
// returns false unless 0 < hours <= MaxRunHours.
func (c *Controller) Start(hours float64) bool {
	if !(hours > 0) || hours > MaxRunHours {
		return false
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.valves.OpenAll(); err != nil {
		monitoring.Logf("irrigation: opening valves for new run: %v", err)
	}

	runID := uuid.NewString()
	c.mu.Lock()
	c.timer = nil
	snap := c.status.Update(func(s *runstate.Snapshot) {
		s.Running = true
		s.RemainingSeconds = hours * 3600
		s.Message = MessageStarting
		s.RunID = runID
	})
	c.mu.Unlock()

	c.record(runstate.EventStart, snap, fmt.Sprintf("%s hours requested", strconv.FormatFloat(hours, 'f', -1, 64)))
	monitoring.Logf("irrigation: run %s requested for %v", runID, time.Duration(hours*float64(time.Hour)))

	if err := c.link.EnterProgramMode(); err != nil {
		monitoring.Logf("irrigation: entering program mode: %v", err)
	}
	c.notifyPump(true)
	return true
}

// Stop ends the current run. Valves stay open until a tick sees the flow
// stop. It reports whether a run was active.
func (c *Controller) Stop() bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	wasRunning, snap := c.stopLocked()
	c.mu.Unlock()

	if wasRunning {
		c.record(runstate.EventStop, snap, "stopped on request")
		monitoring.Logf("irrigation: run %s stopped", snap.RunID)
	}
	c.afterStop()
	return wasRunning
}

func (c *Controller) stopLocked() (bool, runstate.Snapshot) {
	wasRunning := c.status.Snapshot().Running
	c.timer = nil
	snap := c.status.Update(func(s *runstate.Snapshot) {
		s.Running = false
		s.RemainingSeconds = 0
		s.Message = MessageStopping
	})
	return wasRunning, snap
}

func (c *Controller) afterStop() {
	if err := c.link.LeaveProgramMode(); err != nil {
		monitoring.Logf("irrigation: leaving program mode: %v", err)
	}
	c.notifyPump(false)
}

// Tick advances the state machine once. It is meant to be driven by a
// Scheduler. A tick that finds another tick, Start or Stop in progress is
// skipped. Device failures are absorbed into degraded readings.
func (c *Controller) Tick() {
	if !c.opMu.TryLock() {
		c.metrics.ObserveSkippedTick()
		monitoring.Logf("irrigation: previous tick still in progress; skipping")
		return
	}
	defer c.opMu.Unlock()

	began := time.Now()
	c.link.DrainDebug()
	rate := c.meter.FlowRate()

	c.mu.Lock()
	completed, snap := c.advanceLocked(rate)
	c.mu.Unlock()

	if completed {
		c.record(runstate.EventComplete, snap, "duration elapsed")
		monitoring.Logf("irrigation: run %s complete", snap.RunID)
		c.afterStop()
	}

	if snap.Running {
		if err := c.valves.OpenAll(); err != nil {
			monitoring.Logf("irrigation: keeping valves open: %v", err)
		}
	} else if c.valves.AnyOpen() || snap.HasOpenValves() {
		c.drain(rate, snap)
	}

	c.emit(rate)
	c.metrics.ObserveTick(time.Since(began))
}

// advanceLocked applies the flow-gated timer transitions and reports
// whether the run just completed.
func (c *Controller) advanceLocked(rate float64) (bool, runstate.Snapshot) {
	snap := c.status.Snapshot()
	if !snap.Running {
		return false, snap
	}
	now := c.clock.Now()

	if c.timer == nil {
		if rate <= 0 {
			if snap.Message != MessageStarting {
				snap = c.status.Update(func(s *runstate.Snapshot) { s.Message = MessageStarting })
			}
			return false, snap
		}
		if snap.RemainingSeconds <= 0 {
			_, snap = c.stopLocked()
			return true, snap
		}
		c.timer = &RunTimer{StartedAt: now, TotalSeconds: snap.RemainingSeconds}
		c.record(runstate.EventTimerStart, snap, fmt.Sprintf("flow confirmed at %.2f gpm", rate))
		monitoring.Logf("irrigation: flow confirmed at %.2f gpm; timing %v", rate, seconds(snap.RemainingSeconds))
	}

	remaining := c.timer.TotalSeconds - now.Sub(c.timer.StartedAt).Seconds()
	if remaining <= 0 {
		_, snap = c.stopLocked()
		return true, snap
	}
	snap = c.status.Update(func(s *runstate.Snapshot) {
		s.RemainingSeconds = remaining
		s.Message = RemainingMessage(remaining)
	})
	return false, snap
}

// drain handles the STOPPING state: valves stay open while water is still
// moving and are closed on the first tick that sees no flow.
func (c *Controller) drain(rate float64, snap runstate.Snapshot) {
	if rate > 0 {
		c.setMessage(MessageWaitingDrain)
		return
	}
	if err := c.valves.CloseAll(); err != nil {
		monitoring.Logf("irrigation: closing valves: %v", err)
		return
	}
	c.setMessage(MessageOff)
	c.record(runstate.EventValvesClosed, c.status.Snapshot(), "flow stopped")
	monitoring.Logf("irrigation: flow stopped; valves closed")
}

func (c *Controller) setMessage(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Snapshot().Message == msg {
		return
	}
	c.status.Update(func(s *runstate.Snapshot) { s.Message = msg })
}

func (c *Controller) emit(rate float64) {
	now := c.clock.Now()
	report := c.Status()

	c.sink.Send(telemetry.Point{Measurement: telemetry.MeasurementFlowRate, Value: rate, Time: now})
	c.sink.Send(telemetry.Point{Measurement: telemetry.MeasurementRemaining, Value: report.RemainingSeconds, Time: now})
	c.sink.Send(telemetry.Point{Measurement: telemetry.MeasurementPercent, Value: float64(report.Percent), Time: now})
	c.sink.Send(telemetry.Point{Measurement: telemetry.MeasurementRunning, Value: telemetry.Bool(c.IsPumpRequested()), Time: now})
	c.sink.Send(telemetry.Point{Measurement: telemetry.MeasurementProgramRunning, Value: telemetry.Bool(c.link.IsProgramRunning()), Time: now})

	open := c.OpenValveNumbers()
	for _, n := range c.valves.Numbers() {
		c.sink.Send(telemetry.Point{
			Measurement: telemetry.MeasurementValveOpen,
			Tags:        map[string]string{telemetry.TagValve: strconv.Itoa(n)},
			Value:       telemetry.Bool(slices.Contains(open, n)),
			Time:        now,
		})
	}
}

// Status returns the current state, message and progress.
func (c *Controller) Status() Report {
	c.mu.RLock()
	snap := c.status.Snapshot()
	var timer *RunTimer
	if c.timer != nil {
		t := *c.timer
		timer = &t
	}
	c.mu.RUnlock()

	return Report{
		State:            deriveState(snap, timer),
		Message:          snap.Message,
		Percent:          percentComplete(timer, c.clock.Now()),
		RemainingSeconds: snap.RemainingSeconds,
		RunID:            snap.RunID,
	}
}

// PercentComplete returns run progress from 0 to 100.
func (c *Controller) PercentComplete() int {
	return c.Status().Percent
}

// Timer returns a copy of the active run timer, if any.
func (c *Controller) Timer() (RunTimer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.timer == nil {
		return RunTimer{}, false
	}
	return *c.timer, true
}

// OpenValveNumbers polls the board for its open valves. On failure the
// cached view is returned.
func (c *Controller) OpenValveNumbers() []int {
	open, err := c.valves.OpenValves()
	if err != nil {
		monitoring.Logf("irrigation: reading open valves: %v", err)
	}
	return open
}

// WaterCounter returns the raw flow counter, 0 on failure.
func (c *Controller) WaterCounter() int64 {
	return c.meter.Counter()
}

// FlowRateGPM returns the windowed flow rate.
func (c *Controller) FlowRateGPM() float64 {
	return c.meter.FlowRate()
}

// IsPumpRequested reports whether the pump should be running.
func (c *Controller) IsPumpRequested() bool {
	return c.status.Snapshot().Running
}

// Restore resumes from a persisted snapshot. A run that was in progress
// restarts in STARTING with its remaining time, so the countdown is gated on
// flow again; a stopped run with valves open resumes draining.
func (c *Controller) Restore(snap runstate.Snapshot) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if snap.Running && snap.RemainingSeconds <= 0 {
		snap.Running = false
	}
	if snap.Running {
		snap.Message = MessageStarting
	}

	c.mu.Lock()
	c.timer = nil
	c.status.Restore(snap)
	c.mu.Unlock()

	// Resync valve caches with the board before deciding anything.
	if _, err := c.valves.OpenValves(); err != nil {
		monitoring.Logf("irrigation: reading open valves on restore: %v", err)
	}

	if !snap.Running {
		monitoring.Logf("irrigation: restored idle status (open valves %v)", snap.OpenValves)
		return
	}
	monitoring.Logf("irrigation: resuming run %s with %v left", snap.RunID, seconds(snap.RemainingSeconds))
	if err := c.valves.OpenAll(); err != nil {
		monitoring.Logf("irrigation: reopening valves: %v", err)
	}
	c.record(runstate.EventRestore, c.status.Snapshot(), "resumed after restart")
	if err := c.link.EnterProgramMode(); err != nil {
		monitoring.Logf("irrigation: entering program mode: %v", err)
	}
	c.notifyPump(true)
}

func (c *Controller) record(kind runstate.EventKind, snap runstate.Snapshot, msg string) {
	if c.events == nil {
		return
	}
	ev := runstate.Event{
		RunID:            snap.RunID,
		Kind:             kind,
		Message:          msg,
		RemainingSeconds: snap.RemainingSeconds,
		At:               c.clock.Now(),
	}
	if err := c.events.RecordRunEvent(ev); err != nil {
		monitoring.Logf("irrigation: recording %s event: %v", kind, err)
	}
}

func (c *Controller) notifyPump(on bool) {
	if c.pump != nil {
		c.pump.SetPumpRequested(on)
	}
}

func deriveState(snap runstate.Snapshot, timer *RunTimer) State {
	switch {
	case snap.Running && timer == nil:
		return StateStarting
	case snap.Running:
		return StateRunning
	case snap.HasOpenValves():
		return StateStopping
	default:
		return StateOff
	}
}

func percentComplete(timer *RunTimer, now time.Time) int {
	if timer == nil || timer.TotalSeconds <= 0 {
		return 0
	}
	pct := now.Sub(timer.StartedAt).Seconds() / timer.TotalSeconds * 100
	return int(math.Max(0, math.Min(100, pct)))
}

// RemainingMessage formats remaining run time for the status line.
func RemainingMessage(remaining float64) string {
	return seconds(remaining).String() + " remaining"
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Second)
}
