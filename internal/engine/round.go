package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rugplay/crash-engine/internal/risk"
)

// Status is a round's lifecycle phase. Transitions are monotonic:
// waiting → active → crashed, never reversed.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusCrashed Status = "crashed"
)

// Sample is one point of the round's multiplier chart.
type Sample struct {
	ElapsedMs  int64   `json:"elapsed_ms"`
	Multiplier float64 `json:"multiplier"`
}

// Round is the engine's single mutable round object. It is owned exclusively
// by the Engine and guarded by its mutex.
type Round struct {
	ID         string
	Number     int
	Status     Status
	Seed       string
	Commitment string

	// crashPoint is committed at creation and hidden until settlement.
	crashPoint float64

	OpenedAt   time.Time // waiting phase began
	StartedAt  time.Time // active phase began
	CrashedAt  time.Time
	Multiplier float64
	Chart      []Sample
	Forced     bool

	// TotalPayout accumulates committed cash-out amounts; the capacity
	// check runs against capitalAtStart before each commitment.
	TotalPayout    decimal.Decimal
	capitalAtStart decimal.Decimal

	trend risk.Trend
}

// Snapshot is a read-only view of the engine for observers and tests.
type Snapshot struct {
	RoundID    string
	Number     int
	Status     Status
	Multiplier float64
	Commitment string
	Bets       int
	TotalStake decimal.Decimal
	Regime     risk.Tier
}
