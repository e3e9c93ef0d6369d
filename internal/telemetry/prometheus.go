package telemetry

import "github.com/banshee-data/zone-irrigation/internal/monitoring"

// PrometheusSink mirrors the latest point of each measurement onto the
// monitoring gauges so /metrics shows the live run.
type PrometheusSink struct {
	metrics *monitoring.Metrics
}

// NewPrometheusSink returns a sink that updates m.
func NewPrometheusSink(m *monitoring.Metrics) *PrometheusSink {
	return &PrometheusSink{metrics: m}
}

// Send implements Sink. Unknown measurements are ignored.
func (s *PrometheusSink) Send(p Point) {
	if s.metrics == nil {
		return
	}
	switch p.Measurement {
	case MeasurementFlowRate:
		s.metrics.FlowRate.Set(p.Value)
	case MeasurementRemaining:
		s.metrics.RemainingSeconds.Set(p.Value)
	case MeasurementPercent:
		s.metrics.PercentComplete.Set(p.Value)
	case MeasurementRunning:
		s.metrics.Running.Set(p.Value)
	case MeasurementValveOpen:
		if v := p.Tags[TagValve]; v != "" {
			s.metrics.ValveOpen.WithLabelValues(v).Set(p.Value)
		}
	}
}
