package valves

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/zone-irrigation/internal/link"
	"github.com/banshee-data/zone-irrigation/internal/runstate"
	"github.com/banshee-data/zone-irrigation/internal/serialport"
	"github.com/banshee-data/zone-irrigation/internal/testutil"
	"github.com/banshee-data/zone-irrigation/internal/timeutil"
)

func newTestBank(t *testing.T, count int) (*Bank, *serialport.SimulatedTransport, *runstate.MemoryStore) {
	t.Helper()
	testutil.LogToTest(t)

	sim := serialport.NewSimulatedTransport()
	clock := timeutil.NewMockClock(time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC))
	l := link.New(sim, link.Options{Clock: clock})
	require.NoError(t, l.Connect())
	sim.ClearWrites()

	store := &runstate.MemoryStore{}
	return New(l, count, runstate.New(store, clock)), sim, store
}

func TestOpenClose_Idempotent(t *testing.T) {
	for n := 1; n <= 7; n++ {
		b, sim, _ := newTestBank(t, 7)

		require.NoError(t, b.Open(n))
		require.NoError(t, b.Open(n))
		assert.Equal(t, 1, sim.CountWrites(string(rune('0'+n))), "valve %d open", n)

		require.NoError(t, b.Close(n))
		require.NoError(t, b.Close(n))
		assert.Equal(t, 2, sim.CountWrites(string(rune('0'+n))), "valve %d close", n)

		open, err := b.IsOpen(n)
		require.NoError(t, err)
		assert.False(t, open, "valve %d", n)
	}
}

func TestIsOpen_ResyncsCachesFromDevice(t *testing.T) {
	b, sim, _ := newTestBank(t, 4)

	// The board was left with valves open by an earlier process.
	sim.SetOpenValves(2, 4)
	open, err := b.IsOpen(2)
	require.NoError(t, err)
	assert.True(t, open)
	assert.Equal(t, []int{2, 4}, b.CachedOpen())

	// Close now toggles because the cache knows the valve is open.
	require.NoError(t, b.Close(4))
	assert.Equal(t, []int{2}, sim.OpenValves())
}

func TestOpenValves_FailureReturnsCache(t *testing.T) {
	b, sim, _ := newTestBank(t, 3)
	require.NoError(t, b.Open(3))

	sim.SetResponse(link.CmdOpenValves, "zz")
	open, err := b.OpenValves()

	require.ErrorIs(t, err, link.ErrProtocolMismatch)
	assert.Equal(t, []int{3}, open)
}

func TestOpenAllCloseAll_TrackRunStatus(t *testing.T) {
	b, sim, store := newTestBank(t, 3)

	require.NoError(t, b.OpenAll())
	assert.Equal(t, []int{1, 2, 3}, sim.OpenValves())
	last, ok := store.Last()
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, last.OpenValves)
	saves := store.Saves()

	// Already open: no toggles and no extra persistence.
	sim.ClearWrites()
	require.NoError(t, b.OpenAll())
	assert.Empty(t, sim.Writes())
	assert.Equal(t, saves, store.Saves())

	require.NoError(t, b.CloseAll())
	assert.Empty(t, sim.OpenValves())
	last, _ = store.Last()
	assert.Empty(t, last.OpenValves)
	assert.False(t, b.AnyOpen())
}

func TestOpenAll_CollectsFailures(t *testing.T) {
	b, sim, _ := newTestBank(t, 3)
	sim.SetResponse("2", "E")

	err := b.OpenAll()

	require.Error(t, err)
	assert.ErrorIs(t, err, link.ErrProtocolMismatch)
	assert.Equal(t, []int{1, 3}, b.CachedOpen())
}

func TestUnknownValve(t *testing.T) {
	b, sim, _ := newTestBank(t, 3)

	assert.True(t, errors.Is(b.Open(8), ErrUnknownValve))
	_, err := b.IsOpen(0)
	assert.ErrorIs(t, err, ErrUnknownValve)
	assert.Empty(t, sim.Writes())
	assert.Equal(t, []int{1, 2, 3}, b.Numbers())
}
