// Package selection tracks the single time region chosen on a loaded track.
package selection

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	// ErrInvalidRange is returned when a region falls outside [0, duration] or
	// does not satisfy start < end.
	ErrInvalidRange = errors.New("selection: invalid range")
	// ErrNoSelection is returned when an operation needs an active region.
	ErrNoSelection = errors.New("selection: no active selection")
)

// Region is a time range in seconds.
type Region struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Length returns End - Start.
func (r Region) Length() float64 {
	return r.End - r.Start
}

// Validate checks 0 <= start < end <= duration with finite values.
func Validate(start, end, duration float64) error {
	for _, v := range []float64{start, end, duration} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value %v", ErrInvalidRange, v)
		}
	}
	if start < 0 {
		return fmt.Errorf("%w: start %v is negative", ErrInvalidRange, start)
	}
	if start >= end {
		return fmt.Errorf("%w: start %v must be before end %v", ErrInvalidRange, start, end)
	}
	if end > duration {
		return fmt.Errorf("%w: end %v exceeds duration %v", ErrInvalidRange, end, duration)
	}
	return nil
}

// Machine holds at most one active Region. The zero value is Empty and ready
// to use.
type Machine struct {
	mu     sync.RWMutex
	region Region
	active bool
}

// Create validates the range and makes it the active region, replacing any
// previous one. On error the state is unchanged.
func (m *Machine) Create(start, end, duration float64) (Region, error) {
	if err := Validate(start, end, duration); err != nil {
		return Region{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.region = Region{Start: start, End: end}
	m.active = true
	return m.region, nil
}

// Update moves the bounds of the active region.
func (m *Machine) Update(start, end, duration float64) (Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return Region{}, ErrNoSelection
	}
	if err := Validate(start, end, duration); err != nil {
		return Region{}, err
	}
	m.region = Region{Start: start, End: end}
	return m.region, nil
}

// Clear drops the active region. Clearing an empty machine is a no-op.
func (m *Machine) Clear() {
	m.mu.Lock()
	m.region = Region{}
	m.active = false
	m.mu.Unlock()
}

// Current returns the active region and whether one exists.
func (m *Machine) Current() (Region, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.region, m.active
}
