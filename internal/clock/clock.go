// Package clock provides the time source used by the schedule and the
// notifier. Rehearsals run against a simulated clock that starts at a
// configured instant and may run faster than wall time.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Simulated maps wall time onto a simulated timeline:
// now = start + (wall elapsed since creation) * speed.
type Simulated struct {
	start  time.Time
	origin time.Time
	speed  float64
	wall   func() time.Time
}

// NewSimulated starts a simulated clock at start. speed <= 0 is treated as 1.
func NewSimulated(start time.Time, speed float64) *Simulated {
	return newSimulated(start, speed, time.Now)
}

func newSimulated(start time.Time, speed float64, wall func() time.Time) *Simulated {
	if speed <= 0 {
		speed = 1
	}
	return &Simulated{start: start, origin: wall(), speed: speed, wall: wall}
}

func (s *Simulated) Now() time.Time {
	elapsed := s.wall().Sub(s.origin)
	return s.start.Add(time.Duration(float64(elapsed) * s.speed))
}

// Speed returns the simulation multiplier.
func (s *Simulated) Speed() float64 { return s.speed }

// Manual is a clock moved explicitly. Used by tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(t time.Time) *Manual { return &Manual{now: t} }

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
