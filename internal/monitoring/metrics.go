package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "irrigation"

// Metrics holds the Prometheus collectors exported by the daemon. All methods
// are safe to call on a nil *Metrics so packages can take metrics as an
// optional dependency.
type Metrics struct {
	Registry *prometheus.Registry

	LinkCommands    *prometheus.CounterVec
	LinkResets      prometheus.Counter
	LinkDebugFrames prometheus.Counter

	Ticks        prometheus.Counter
	TicksSkipped prometheus.Counter
	TickDuration prometheus.Histogram

	FlowRate         prometheus.Gauge
	RemainingSeconds prometheus.Gauge
	PercentComplete  prometheus.Gauge
	Running          prometheus.Gauge
	ValveOpen        *prometheus.GaugeVec

	TelemetryDropped prometheus.Counter
}

// NewMetrics creates a fresh registry with the process and Go runtime
// collectors plus the irrigation collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		LinkCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "commands_total",
			Help:      "Serial link commands by token and result.",
		}, []string{"command", "result"}),
		LinkResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "resets_total",
			Help:      "Device recovery sequences performed.",
		}),
		LinkDebugFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "debug_frames_total",
			Help:      "Debug lines received from the device and discarded.",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "ticks_total",
			Help:      "Completed controller ticks.",
		}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "ticks_skipped_total",
			Help:      "Ticks suppressed because the previous tick was still running.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent in a controller tick.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		FlowRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flow_rate_gpm",
			Help:      "Last computed water flow rate in gallons per minute.",
		}),
		RemainingSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remaining_seconds",
			Help:      "Seconds left in the current watering run.",
		}),
		PercentComplete: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "percent_complete",
			Help:      "Progress of the current watering run.",
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running",
			Help:      "1 while a watering run is requested.",
		}),
		ValveOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "valve_open",
			Help:      "1 when the device reports the valve open.",
		}, []string{"valve"}),
		TelemetryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "dropped_points_total",
			Help:      "Telemetry points dropped after overflow or exhausted retries.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LinkCommands, m.LinkResets, m.LinkDebugFrames,
		m.Ticks, m.TicksSkipped, m.TickDuration,
		m.FlowRate, m.RemainingSeconds, m.PercentComplete, m.Running, m.ValveOpen,
		m.TelemetryDropped,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveCommand counts one link command with its outcome ("ok", "timeout",
// "io", "mismatch").
func (m *Metrics) ObserveCommand(command, result string) {
	if m == nil {
		return
	}
	m.LinkCommands.WithLabelValues(command, result).Inc()
}

// ObserveReset counts one device recovery sequence.
func (m *Metrics) ObserveReset() {
	if m == nil {
		return
	}
	m.LinkResets.Inc()
}

// ObserveDebugFrame counts one filtered debug line.
func (m *Metrics) ObserveDebugFrame() {
	if m == nil {
		return
	}
	m.LinkDebugFrames.Inc()
}

// ObserveTick records a completed tick and how long it took.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(d.Seconds())
}

// ObserveSkippedTick counts a tick suppressed by an overlapping one.
func (m *Metrics) ObserveSkippedTick() {
	if m == nil {
		return
	}
	m.TicksSkipped.Inc()
}

// ObserveDropped counts telemetry points that were discarded.
func (m *Metrics) ObserveDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TelemetryDropped.Add(float64(n))
}
