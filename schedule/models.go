package schedule

import (
	"errors"
	"time"
)

// ErrInvalidSchedule is returned when construction parameters violate the
// schedule invariants. No state is created when it is returned.
var ErrInvalidSchedule = errors.New("schedule: invalid schedule")

// Kind tags the vesting model carried by a Model value.
type Kind string

const (
	KindContinuous Kind = "continuous"
	KindPhased     Kind = "phased"
)

// Policy selects how a release with nothing accrued is treated.
type Policy string

const (
	// PolicyStrict fails a release when nothing is releasable.
	PolicyStrict Policy = "strict"
	// PolicyLenient turns an empty release into a zero-amount success.
	PolicyLenient Policy = "lenient"
)

// Model is a tagged variant over the model-specific parameters. Only the
// fields belonging to Kind may be set.
type Model struct {
	Kind       Kind
	Cliff      time.Duration
	PhaseCount int
}

// Continuous returns a linear model that vests nothing before cliff.
func Continuous(cliff time.Duration) Model {
	return Model{Kind: KindContinuous, Cliff: cliff}
}

// Phased returns a step model releasing in phaseCount equal steps.
func Phased(phaseCount int) Model {
	return Model{Kind: KindPhased, PhaseCount: phaseCount}
}

// Schedule is the immutable description of a vesting allocation.
type Schedule struct {
	Beneficiary string
	Start       time.Time
	Duration    time.Duration
	Revocable   bool
	Policy      Policy
	Model       Model
}

// End is the instant from which the full allocation is vested.
func (s Schedule) End() time.Time {
	return s.Start.Add(s.Duration)
}
