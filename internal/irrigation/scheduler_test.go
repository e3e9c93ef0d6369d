package irrigation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/zone-irrigation/internal/testutil"
	"github.com/banshee-data/zone-irrigation/internal/timeutil"
)

type countingTicker struct{ n atomic.Int32 }

func (c *countingTicker) Tick() { c.n.Add(1) }

func TestScheduler_TicksUntilCancelled(t *testing.T) {
	testutil.CaptureLogs(t)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	target := &countingTicker{}
	s := NewScheduler(target, time.Minute, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return target.n.Load() >= 2
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(&countingTicker{}, 0, nil)
	assert.Equal(t, DefaultTickInterval, s.interval)
	assert.NotNil(t, s.clock)
}
