package irrigation

import (
	"context"
	"time"

	"github.com/banshee-data/zone-irrigation/internal/monitoring"
	"github.com/banshee-data/zone-irrigation/internal/timeutil"
)

// DefaultTickInterval is how often the controller is ticked.
const DefaultTickInterval = time.Minute

// Ticker is anything driven by the scheduler.
type Ticker interface {
	Tick()
}

// Scheduler ticks a controller at a fixed interval. Ticks run on the
// scheduler goroutine, so they never overlap; a tick that overruns the
// interval coalesces the ticks it missed into one.
type Scheduler struct {
	target   Ticker
	interval time.Duration
	clock    timeutil.Clock
}

// NewScheduler returns a scheduler for target. The first tick happens one
// interval after Run starts.
func NewScheduler(target Ticker, interval time.Duration, clock timeutil.Clock) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scheduler{target: target, interval: interval, clock: clock}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	monitoring.Logf("irrigation: ticking every %v", s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.target.Tick()
		}
	}
}
