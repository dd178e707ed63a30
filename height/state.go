// Package height keeps the nozzle at a fixed standoff from the print surface: Seek finds the start height
// before printing and Corrector nudges it while printing.
package height

import (
	"math"
	"sync/atomic"
	"time"
)

// State is the correction state shared between the print sequence and the corrector. Writes from the
// sequence are seen by the corrector on its next tick.
type State struct {
	armed  atomic.Bool
	target atomic.Uint64

	tolerance float64
	maxDelta  float64
	interval  time.Duration
}

// NewState returns a disarmed state. Corrections are issued when the measured height is more than
// tolerance away from target, and each is limited to maxDelta millimeters.
func NewState(target, tolerance, maxDelta float64, interval time.Duration) *State {
	s := &State{tolerance: tolerance, maxDelta: maxDelta, interval: interval}
	s.SetTarget(target)
	return s
}

// Arm enables corrections.
func (s *State) Arm() { s.armed.Store(true) }

// Disarm suspends corrections. Samples are still taken.
func (s *State) Disarm() { s.armed.Store(false) }

// Armed reports whether corrections are enabled.
func (s *State) Armed() bool { return s.armed.Load() }

// SetTarget sets the standoff the corrector holds, in millimeters.
func (s *State) SetTarget(h float64) { s.target.Store(math.Float64bits(h)) }

// Target returns the standoff the corrector holds.
func (s *State) Target() float64 { return math.Float64frombits(s.target.Load()) }

// Tolerance returns the dead band around the target.
func (s *State) Tolerance() float64 { return s.tolerance }

// MaxDelta returns the largest correction issued per tick.
func (s *State) MaxDelta() float64 { return s.maxDelta }

// Interval returns the sampling period.
func (s *State) Interval() time.Duration { return s.interval }

// Clamp limits v to [-limit, limit].
func Clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
