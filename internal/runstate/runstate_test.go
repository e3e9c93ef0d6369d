package runstate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/zone-irrigation/internal/testutil"
	"github.com/banshee-data/zone-irrigation/internal/timeutil"
)

type failingStore struct{}

func (failingStore) SaveRunStatus(Snapshot) error { return errors.New("disk full") }

func TestUpdate_PersistsEveryMutation(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC))
	store := &MemoryStore{}
	s := New(store, clock)

	s.Update(func(snap *Snapshot) {
		snap.Running = true
		snap.RemainingSeconds = 7200
		snap.Message = "Starting Pump"
	})
	s.AddOpenValve(3)
	s.AddOpenValve(1)
	s.AddOpenValve(3)

	assert.Equal(t, 4, store.Saves())
	last, ok := store.Last()
	require.True(t, ok)
	want := Snapshot{
		Running:          true,
		RemainingSeconds: 7200,
		OpenValves:       []int{1, 3},
		Message:          "Starting Pump",
		UpdatedAt:        clock.Now(),
	}
	if diff := cmp.Diff(want, last); diff != "" {
		t.Errorf("persisted snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveOpenValve(t *testing.T) {
	s := New(nil, nil)
	for _, v := range []int{4, 2, 6} {
		s.AddOpenValve(v)
	}

	s.RemoveOpenValve(2)
	s.RemoveOpenValve(9)

	assert.Equal(t, []int{4, 6}, s.Snapshot().OpenValves)
}

func TestUpdate_ClampsRemaining(t *testing.T) {
	s := New(nil, nil)
	got := s.Update(func(snap *Snapshot) { snap.RemainingSeconds = -12 })
	assert.Zero(t, got.RemainingSeconds)
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := New(nil, nil)
	s.AddOpenValve(5)

	snap := s.Snapshot()
	snap.OpenValves[0] = 9

	assert.Equal(t, []int{5}, s.Snapshot().OpenValves)
}

func TestRestore_DoesNotPersist(t *testing.T) {
	store := &MemoryStore{}
	s := New(store, nil)

	s.Restore(Snapshot{Running: true, RemainingSeconds: 300, OpenValves: []int{2, 1}})

	assert.Zero(t, store.Saves())
	assert.Equal(t, []int{1, 2}, s.Snapshot().OpenValves)
	assert.True(t, s.Snapshot().Running)
}

func TestPersistFailureIsLoggedNotReturned(t *testing.T) {
	logs := testutil.CaptureLogs(t)

	s := New(failingStore{}, nil)
	s.AddOpenValve(1)

	assert.Equal(t, []int{1}, s.Snapshot().OpenValves)
	assert.Len(t, logs.Lines(), 1)
}

func TestConcurrentReadersSeeWholeUpdates(t *testing.T) {
	s := New(nil, nil)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Update(func(snap *Snapshot) {
				snap.Running = i%2 == 0
				if snap.Running {
					snap.Message = "running"
				} else {
					snap.Message = "idle"
				}
			})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snap := s.Snapshot()
				if snap.Running && snap.Message != "running" {
					t.Errorf("torn read: %+v", snap)
					return
				}
			}
		}()
	}
	wg.Wait()
}
