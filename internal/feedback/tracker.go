package feedback

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rugplay/crash-engine/internal/config"
	"github.com/rugplay/crash-engine/internal/logger"
)

// Entry is one settled round as seen by the feedback loop.
type Entry struct {
	Stake     decimal.Decimal
	Payout    decimal.Decimal
	Crash     float64
	Players   int
	SettledAt time.Time
}

// Snapshot is the read side handed to the crash point generator at round
// start. It is a plain value; the tracker keeps mutating underneath.
type Snapshot struct {
	Samples         int
	ConsecutiveHigh int
	CooldownActive  bool
	ProfitRatio     float64
}

// Tracker keeps the bounded rolling window of settled rounds and the
// counters derived from it. Mutated only at settlement.
type Tracker struct {
	mu  sync.Mutex
	cfg config.FeedbackConfig

	window          []Entry
	consecutiveHigh int
	cooldownUntil   time.Time
}

const maxCooldownScale = 3.0

func NewTracker(cfg config.FeedbackConfig) *Tracker {
	return &Tracker{
		cfg:    cfg,
		window: make([]Entry, 0, cfg.WindowSize),
	}
}

// Record folds one settled round into the window, evicting the oldest entry
// once the window is full, and updates the derived counters.
func (t *Tracker) Record(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.window) == t.cfg.WindowSize {
		t.window = t.window[1:]
	}
	t.window = append(t.window, e)

	if e.Crash >= t.cfg.HighThreshold {
		t.consecutiveHigh++
	} else {
		t.consecutiveHigh = 0
	}

	if e.Crash >= t.cfg.VeryHighThreshold {
		scale := math.Min(e.Crash/t.cfg.VeryHighThreshold, maxCooldownScale)
		until := e.SettledAt.Add(time.Duration(float64(t.cfg.CooldownBase) * scale))
		if until.After(t.cooldownUntil) {
			t.cooldownUntil = until
		}
		logger.Info("Very high crash, cooldown armed",
			"crash", e.Crash, "until", t.cooldownUntil)
	}
}

// Snapshot derives the current feedback state at now.
func (t *Tracker) Snapshot(now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Snapshot{
		Samples:         len(t.window),
		ConsecutiveHigh: t.consecutiveHigh,
		CooldownActive:  now.Before(t.cooldownUntil),
		ProfitRatio:     t.profitRatioLocked(),
	}
}

// profitRatioLocked is (stake - payout) / stake over the window, the
// operator's realized margin on recent rounds.
func (t *Tracker) profitRatioLocked() float64 {
	stake := decimal.Zero
	payout := decimal.Zero
	for _, e := range t.window {
		stake = stake.Add(e.Stake)
		payout = payout.Add(e.Payout)
	}
	if stake.IsZero() {
		return 0
	}
	ratio, _ := stake.Sub(payout).Div(stake).Float64()
	return ratio
}
