// Package valves models the bank of irrigation valves behind the controller
// board. Each valve caches its last commanded state so repeated open or close
// requests cost no device traffic; the board's reported open set is the only
// ground truth and resynchronizes the caches whenever it is read.
package valves

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/banshee-data/zone-irrigation/internal/runstate"
)

// ErrUnknownValve is returned for a valve number outside the configured bank.
var ErrUnknownValve = errors.New("unknown valve")

// Link is the subset of the protocol driver the bank needs.
type Link interface {
	ToggleValve(n int) error
	QueryOpenValves() ([]int, error)
}

// Valve is one actuator. The cached state is a hint.
type Valve struct {
	Number     int
	cachedOpen bool
}

// Bank owns the configured valves.
type Bank struct {
	// mu serializes check-toggle-update sequences; a toggle that raced a
	// second toggle for the same valve would undo it.
	mu     sync.Mutex
	link   Link
	status *runstate.Status
	valves []*Valve
}

// New returns a bank of count valves numbered 1..count, all assumed closed
// until the first resync.
func New(l Link, count int, status *runstate.Status) *Bank {
	b := &Bank{link: l, status: status}
	for n := 1; n <= count; n++ {
		b.valves = append(b.valves, &Valve{Number: n})
	}
	return b
}

// Numbers returns the configured valve numbers.
func (b *Bank) Numbers() []int {
	out := make([]int, len(b.valves))
	for i, v := range b.valves {
		out[i] = v.Number
	}
	return out
}

// Open opens valve n, toggling only if the cache shows it closed.
func (b *Bank) Open(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setLocked(n, true)
}

// Close closes valve n, toggling only if the cache shows it open.
func (b *Bank) Close(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.setLocked(n, false)
}

func (b *Bank) setLocked(n int, open bool) error {
	v, err := b.valve(n)
	if err != nil {
		return err
	}
	if v.cachedOpen == open {
		return nil
	}
	if err := b.link.ToggleValve(n); err != nil {
		return fmt.Errorf("toggle valve %d: %w", n, err)
	}
	v.cachedOpen = open
	return nil
}

// IsOpen polls the board and reports whether valve n is open.
func (b *Bank) IsOpen(n int) (bool, error) {
	if _, err := b.valve(n); err != nil {
		return false, err
	}
	open, err := b.OpenValves()
	if err != nil {
		return false, err
	}
	return slices.Contains(open, n), nil
}

// OpenValves polls the board for its open set and resynchronizes every
// cache against it. On failure the cached open set is returned with the
// error.
func (b *Bank) OpenValves() ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reported, err := b.link.QueryOpenValves()
	if err != nil {
		return b.cachedLocked(), fmt.Errorf("query open valves: %w", err)
	}
	for _, v := range b.valves {
		v.cachedOpen = slices.Contains(reported, v.Number)
	}
	return reported, nil
}

// OpenAll opens every valve and records each in the run status. Failures
// are collected; the remaining valves are still attempted.
func (b *Bank) OpenAll() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, v := range b.valves {
		if err := b.setLocked(v.Number, true); err != nil {
			errs = append(errs, err)
			continue
		}
		b.recordLocked(v.Number, true)
	}
	return errors.Join(errs...)
}

// CloseAll closes every valve and removes each from the run status.
func (b *Bank) CloseAll() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, v := range b.valves {
		if err := b.setLocked(v.Number, false); err != nil {
			errs = append(errs, err)
			continue
		}
		b.recordLocked(v.Number, false)
	}
	return errors.Join(errs...)
}

// AnyOpen reports whether any cache shows a valve open. It never touches
// the device.
func (b *Bank) AnyOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.valves {
		if v.cachedOpen {
			return true
		}
	}
	return false
}

// CachedOpen returns the valves the caches show open.
func (b *Bank) CachedOpen() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cachedLocked()
}

func (b *Bank) cachedLocked() []int {
	var out []int
	for _, v := range b.valves {
		if v.cachedOpen {
			out = append(out, v.Number)
		}
	}
	return out
}

// recordLocked keeps the run status open set in step, persisting only when
// it actually changes.
func (b *Bank) recordLocked(n int, open bool) {
	if b.status == nil {
		return
	}
	listed := slices.Contains(b.status.Snapshot().OpenValves, n)
	switch {
	case open && !listed:
		b.status.AddOpenValve(n)
	case !open && listed:
		b.status.RemoveOpenValve(n)
	}
}

func (b *Bank) valve(n int) (*Valve, error) {
	for _, v := range b.valves {
		if v.Number == n {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownValve, n)
}
