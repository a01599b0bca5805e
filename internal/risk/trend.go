package risk

import "math"

// Trend is the per-round stochastic state shaping the multiplier's climb.
// It is mutated between ticks by NextTrend and consumed by Step; both are
// pure so the random draws can be injected in tests.
type Trend struct {
	Direction  float64 // -1..1, current drift bias
	Momentum   float64 // 0..1, how strongly the bias is followed
	Volatility float64 // relative per-tick step size
	Rises      int     // consecutive ticks the multiplier rose
}

const (
	trendBaseGrowth = 0.007 // baseline climb per tick
	trendMaxStep    = 0.05  // no single tick moves more than 5%
	minVolatility   = 0.002
	maxVolatility   = 0.03
)

// NewTrend seeds a round's trend from one random draw in [0,1).
func NewTrend(draw float64) Trend {
	return Trend{
		Direction:  draw*1.2 - 0.1, // mild upward skew
		Momentum:   0.4 + draw*0.3,
		Volatility: minVolatility + draw*(maxVolatility-minVolatility),
	}
}

// NextTrend evolves the trend state. elapsed is the fraction of the round's
// expected life already consumed; draw is a fresh uniform in [0,1).
func NextTrend(prev Trend, elapsed float64, draw float64) Trend {
	next := prev

	next.Direction += (draw - 0.5) * 0.3
	// Sustained one-directional runs revert toward zero.
	if prev.Rises > 0 {
		next.Direction *= 1 - 0.05*math.Min(float64(prev.Rises), 10)
	}
	next.Direction = clamp(next.Direction, -1, 1)

	next.Momentum = clamp(prev.Momentum+(draw-0.5)*0.1, 0.1, 1)

	// Volatility widens as the round ages.
	next.Volatility = clamp(prev.Volatility*(1+0.2*elapsed), minVolatility, maxVolatility)

	return next
}

// Correct forces the trend into a downward correction, resetting the rise run.
func Correct(tr Trend) Trend {
	tr.Direction = -math.Abs(tr.Direction)
	if tr.Direction > -0.3 {
		tr.Direction = -0.3
	}
	tr.Rises = 0
	return tr
}

// Step advances the multiplier one tick under tr using one uniform draw.
// The result never drops below 1.0; ceiling clamping is the caller's concern.
func Step(mult float64, tr Trend, draw float64) float64 {
	delta := trendBaseGrowth + tr.Volatility*(tr.Direction*tr.Momentum+(draw-0.5))
	delta = clamp(delta, -trendMaxStep, trendMaxStep)

	next := mult * (1 + delta)
	if next < 1.0 {
		next = 1.0
	}
	return next
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
