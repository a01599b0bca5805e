package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strconv"

	"github.com/rugplay/crash-engine/internal/config"
	"github.com/rugplay/crash-engine/internal/feedback"
	"github.com/rugplay/crash-engine/internal/risk"
)

// Generator turns a committed round seed into the round's crash multiplier.
// The whole pipeline is deterministic in (seed, roundNumber, regime,
// feedback snapshot): every draw, including the regime suppression draw,
// comes out of the hash itself.
type Generator struct {
	cfg config.FeedbackConfig
}

func NewGenerator(cfg config.FeedbackConfig) *Generator {
	return &Generator{cfg: cfg}
}

const (
	instantCrashModulo = 33 // 1-in-33 rounds bust at 1.00
	fractionBits       = 52

	emergencySuppressChance = 0.50
	emergencySuppressCap    = 1.5
	criticalSuppressChance  = 0.25
	criticalSuppressCap     = 2.0

	lowProfitEpsilon = 0.005
	minReduceFactor  = 0.2
)

// CrashPoint computes the committed crash multiplier for a round.
// The result is floored to two decimals and never below 1.0.
func (g *Generator) CrashPoint(seed string, roundNumber int, reg risk.Regime, fb feedback.Snapshot) float64 {
	sum := roundDigest(seed, roundNumber)

	mult := baseCrash(sum)
	if mult > reg.MaxMultiplier {
		mult = reg.MaxMultiplier
	}

	mult = suppress(mult, reg, sum)

	if !reg.Restrictive() {
		mult = g.adjust(mult, fb)
	}

	return floor2(math.Max(mult, 1.0))
}

func roundDigest(seed string, roundNumber int) []byte {
	h := hmac.New(sha256.New, []byte(seed))
	h.Write([]byte(strconv.Itoa(roundNumber)))
	return h.Sum(nil)
}

// baseCrash maps the first 52 bits of the digest onto a crash multiplier
// with the classic 1/(1-u) curve and a fixed instant-crash slice.
func baseCrash(sum []byte) float64 {
	val := binary.BigEndian.Uint64(sum[:8]) >> (64 - fractionBits)
	if val%instantCrashModulo == 0 {
		return 1.0
	}

	e := math.Pow(2, fractionBits)
	return math.Floor((100*e-float64(val))/(e-float64(val))) / 100
}

// suppress applies the regime's randomized cap. The draw is taken from
// digest bytes the base value never touched, keeping the result replayable.
func suppress(mult float64, reg risk.Regime, sum []byte) float64 {
	draw := float64(binary.BigEndian.Uint64(sum[8:16])>>(64-fractionBits)) / math.Pow(2, fractionBits)

	switch reg.Tier {
	case risk.TierEmergency:
		if draw < emergencySuppressChance {
			return math.Min(mult, emergencySuppressCap)
		}
	case risk.TierCritical:
		if draw < criticalSuppressChance {
			return math.Min(mult, criticalSuppressCap)
		}
	}
	return mult
}

// adjust applies the profitability feedback loop.
func (g *Generator) adjust(mult float64, fb feedback.Snapshot) float64 {
	if fb.CooldownActive {
		mult = math.Min(mult, g.cfg.CooldownCap)
	}

	if fb.ConsecutiveHigh >= g.cfg.MaxConsecutiveHigh {
		mult = math.Min(mult, g.cfg.HighThreshold*0.8)
	}

	if fb.Samples >= g.cfg.MinSamples && fb.ProfitRatio < g.cfg.ProfitTarget {
		if fb.ProfitRatio <= lowProfitEpsilon {
			// Near-zero or negative house profit over a full sample.
			return math.Min(mult, g.cfg.LowProfitCap)
		}
		factor := math.Max(fb.ProfitRatio/g.cfg.ProfitTarget, minReduceFactor)
		mult = 1 + (mult-1)*factor
	}

	return mult
}

func floor2(v float64) float64 {
	return math.Floor(v*100) / 100
}
