// Package runstate holds the synchronized RunStatus shared by the control
// tick and the control surface, persisting every mutation so a restarted
// daemon can pick up an in-flight run.
package runstate

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/zone-irrigation/internal/monitoring"
	"github.com/banshee-data/zone-irrigation/internal/timeutil"
)

// Snapshot is a point-in-time copy of the run status.
type Snapshot struct {
	Running          bool      `json:"running"`
	RemainingSeconds float64   `json:"remaining_seconds"`
	OpenValves       []int     `json:"open_valves"`
	Message          string    `json:"message"`
	RunID            string    `json:"run_id,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasOpenValves reports whether the snapshot records any open valve.
func (s Snapshot) HasOpenValves() bool {
	return len(s.OpenValves) > 0
}

// Store persists snapshots.
type Store interface {
	SaveRunStatus(Snapshot) error
}

// Status is the live, synchronized run status. Writers go through Update or
// the valve helpers; each write is persisted before the lock is released so
// the store sees mutations in order.
type Status struct {
	mu    sync.RWMutex
	snap  Snapshot
	store Store
	clock timeutil.Clock
}

// New returns an idle status. A nil store disables persistence.
func New(store Store, clock timeutil.Clock) *Status {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Status{
		snap:  Snapshot{Message: "OFF"},
		store: store,
		clock: clock,
	}
}

// Snapshot returns a copy of the current status.
func (s *Status) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Restore replaces the status with a previously persisted snapshot without
// writing it back.
func (s *Status) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = normalize(snap.clone())
}

// Update applies fn to the status and persists the result.
func (s *Status) Update(fn func(*Snapshot)) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.clone()
	fn(&next)
	next = normalize(next)
	next.UpdatedAt = s.clock.Now()
	s.snap = next
	s.persistLocked()
	return next.clone()
}

// AddOpenValve records valve n as open.
func (s *Status) AddOpenValve(n int) {
	s.Update(func(snap *Snapshot) {
		snap.OpenValves = append(snap.OpenValves, n)
	})
}

// RemoveOpenValve records valve n as closed.
func (s *Status) RemoveOpenValve(n int) {
	s.Update(func(snap *Snapshot) {
		kept := snap.OpenValves[:0]
		for _, v := range snap.OpenValves {
			if v != n {
				kept = append(kept, v)
			}
		}
		snap.OpenValves = kept
	})
}

func (s *Status) persistLocked() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRunStatus(s.snap.clone()); err != nil {
		monitoring.Logf("runstate: failed to persist run status: %v", err)
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.OpenValves != nil {
		out.OpenValves = append([]int(nil), s.OpenValves...)
	}
	return out
}

// normalize sorts and dedupes the open set and clamps remaining time.
func normalize(s Snapshot) Snapshot {
	if s.RemainingSeconds < 0 {
		s.RemainingSeconds = 0
	}
	sort.Ints(s.OpenValves)
	out := s.OpenValves[:0]
	for i, v := range s.OpenValves {
		if i > 0 && v == s.OpenValves[i-1] {
			continue
		}
		out = append(out, v)
	}
	s.OpenValves = out
	return s
}

// MemoryStore keeps the last saved snapshot in memory.
type MemoryStore struct {
	mu    sync.Mutex
	last  *Snapshot
	saves int
}

// SaveRunStatus implements Store.
func (m *MemoryStore) SaveRunStatus(s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := s.clone()
	m.last = &c
	m.saves++
	return nil
}

// Last returns the most recent snapshot and whether one was saved.
func (m *MemoryStore) Last() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Snapshot{}, false
	}
	return m.last.clone(), true
}

// Saves returns how many snapshots were saved.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
