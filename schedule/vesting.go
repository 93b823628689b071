package schedule

import (
	"math/big"
	"time"
)

// VestedAmount applies the schedule to total at instant now. The result is
// floored toward zero, never negative and never above total. It is a pure
// function of its inputs.
func (s Schedule) VestedAmount(total *big.Int, now time.Time) *big.Int {
	if total == nil || total.Sign() <= 0 {
		return new(big.Int)
	}
	if !now.After(s.Start) {
		return new(big.Int)
	}
	if !now.Before(s.End()) {
		return new(big.Int).Set(total)
	}

	elapsed := now.Sub(s.Start)
	switch s.Model.Kind {
	case KindContinuous:
		return continuousAmount(total, elapsed, s.Duration, s.Model.Cliff)
	case KindPhased:
		return phasedAmount(total, elapsed, s.Duration, s.Model.PhaseCount)
	default:
		return new(big.Int)
	}
}

func continuousAmount(total *big.Int, elapsed, duration, cliff time.Duration) *big.Int {
	if elapsed < cliff {
		return new(big.Int)
	}
	out := new(big.Int).Mul(total, big.NewInt(int64(elapsed)))
	out.Quo(out, big.NewInt(int64(duration)))
	return capAt(out, total)
}

func phasedAmount(total *big.Int, elapsed, duration time.Duration, phaseCount int) *big.Int {
	// phase index is floor(elapsed*phaseCount/duration); a boundary counts as reached
	index := new(big.Int).Mul(big.NewInt(int64(elapsed)), big.NewInt(int64(phaseCount)))
	index.Quo(index, big.NewInt(int64(duration)))
	if index.Sign() < 0 {
		index.SetInt64(0)
	}
	if index.Cmp(big.NewInt(int64(phaseCount))) > 0 {
		index.SetInt64(int64(phaseCount))
	}
	out := new(big.Int).Mul(total, index)
	out.Quo(out, big.NewInt(int64(phaseCount)))
	return capAt(out, total)
}

func capAt(v, limit *big.Int) *big.Int {
	if v.Cmp(limit) > 0 {
		return v.Set(limit)
	}
	return v
}
