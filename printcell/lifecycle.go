package printcell

import (
	"github.com/pkg/errors"
)

// Phase is where the cell is in its run.
type Phase int

// Cell phases.
const (
	PhaseIdle Phase = iota
	PhaseSeeking
	PhaseReady
	PhasePrinting
	PhaseStopping
	PhaseStopped
	PhaseFailed
)

// String returns a human-readable representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseSeeking:
		return "Seeking"
	case PhaseReady:
		return "Ready"
	case PhasePrinting:
		return "Printing"
	case PhaseStopping:
		return "Stopping"
	case PhaseStopped:
		return "Stopped"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrInvalidTransition is returned when an operation is not allowed in the current phase.
var ErrInvalidTransition = errors.New("invalid phase transition")

var transitions = map[Phase][]Phase{
	PhaseIdle:     {PhaseSeeking, PhaseStopping},
	PhaseSeeking:  {PhaseReady, PhaseFailed},
	PhaseReady:    {PhasePrinting, PhaseStopping},
	PhasePrinting: {PhaseStopping, PhaseFailed},
	PhaseStopping: {PhaseStopped, PhaseFailed},
	PhaseFailed:   {PhaseStopping},
}

func canTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// transitionTo moves to next or fails without changing phase.
func (s *Supervisor) transitionTo(next Phase, reason string) error {
	s.mu.Lock()
	prev := s.phase
	if !canTransition(prev, next) {
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", prev, next)
	}
	s.phase = next
	s.mu.Unlock()

	s.logger.Infow("phase transition", "from", prev.String(), "to", next.String(), "reason", reason)
	return nil
}

// Phase returns the cell's current phase.
func (s *Supervisor) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}
