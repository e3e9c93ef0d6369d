// Package telemetry carries controller measurements to time-series
// collaborators. Sinks must never block the caller: the control tick hands
// points over and moves on, and a slow or failing store loses points rather
// than delaying valve control.
package telemetry

import "time"

// Measurement names emitted by the controller.
const (
	MeasurementFlowRate       = "water_gpm"
	MeasurementRemaining      = "remaining_seconds"
	MeasurementPercent        = "percent_complete"
	MeasurementValveOpen      = "open_valve"
	MeasurementProgramRunning = "program_running"
	MeasurementRunning        = "running"
)

// TagValve identifies the valve on MeasurementValveOpen points.
const TagValve = "valve"

// Point is one numeric sample.
type Point struct {
	Measurement string
	Tags        map[string]string
	Value       float64
	Time        time.Time
}

// Sink accepts points without blocking.
type Sink interface {
	Send(Point)
}

// Discard drops every point.
type Discard struct{}

// Send implements Sink.
func (Discard) Send(Point) {}

// Multi fans points out to several sinks.
type Multi []Sink

// Send implements Sink.
func (m Multi) Send(p Point) {
	for _, s := range m {
		s.Send(p)
	}
}

// Bool converts a flag to a point value.
func Bool(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
