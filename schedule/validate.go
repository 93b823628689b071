package schedule

import (
	"fmt"
	"strings"
)

// Validate checks the construction invariants. Every violation wraps
// ErrInvalidSchedule.
func (s Schedule) Validate() error {
	if strings.TrimSpace(s.Beneficiary) == "" {
		return fmt.Errorf("%w: beneficiary required", ErrInvalidSchedule)
	}
	if s.Start.IsZero() {
		return fmt.Errorf("%w: start required", ErrInvalidSchedule)
	}
	if s.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidSchedule)
	}
	if !s.End().After(s.Start) {
		return fmt.Errorf("%w: end overflows start", ErrInvalidSchedule)
	}
	switch s.Policy {
	case PolicyStrict, PolicyLenient:
	default:
		return fmt.Errorf("%w: unknown release policy %q", ErrInvalidSchedule, s.Policy)
	}

	m := s.Model
	switch m.Kind {
	case KindContinuous:
		if m.PhaseCount != 0 {
			return fmt.Errorf("%w: continuous model takes no phase count", ErrInvalidSchedule)
		}
		if m.Cliff < 0 || m.Cliff > s.Duration {
			return fmt.Errorf("%w: cliff must be within [0, duration]", ErrInvalidSchedule)
		}
	case KindPhased:
		if m.Cliff != 0 {
			return fmt.Errorf("%w: phased model takes no cliff", ErrInvalidSchedule)
		}
		if m.PhaseCount < 1 {
			return fmt.Errorf("%w: phase count must be at least 1", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown model %q", ErrInvalidSchedule, m.Kind)
	}
	return nil
}

// ParsePolicy maps user input onto a Policy. Empty input selects strict.
func ParsePolicy(v string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(v))) {
	case "", PolicyStrict:
		return PolicyStrict, nil
	case PolicyLenient:
		return PolicyLenient, nil
	default:
		return "", fmt.Errorf("%w: unknown release policy %q", ErrInvalidSchedule, v)
	}
}
