package payout

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rugplay/crash-engine/internal/risk"
)

// ErrLimitExceeded signals that the uncapped payout breaches the regime's
// single-payout cap. The round engine reacts by forcing a crash instead of
// honoring a partial payout.
var ErrLimitExceeded = errors.New("payout exceeds regime limit")

// Compute returns the house-edge-adjusted payout for exiting a bet at
// exitMult. When the adjusted amount exceeds reg.MaxSinglePayout it returns
// the uncapped amount together with ErrLimitExceeded; the caller must not
// treat that amount as payable.
func Compute(stake decimal.Decimal, entryMult, exitMult float64, reg risk.Regime) (decimal.Decimal, error) {
	if entryMult <= 0 {
		return decimal.Zero, fmt.Errorf("invalid entry multiplier %f", entryMult)
	}
	if exitMult < entryMult {
		// Exiting below entry is a loss capped at zero, never negative.
		return decimal.Zero, nil
	}

	growth := exitMult / entryMult
	raw := stake.Mul(decimal.NewFromFloat(growth))
	adjusted := raw.Mul(decimal.NewFromFloat(1 - reg.HouseEdge))

	if adjusted.IsNegative() {
		adjusted = decimal.Zero
	}
	if adjusted.GreaterThan(reg.MaxSinglePayout) {
		return adjusted, ErrLimitExceeded
	}
	return adjusted, nil
}
