package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rugplay/crash-engine/internal/config"
	"github.com/rugplay/crash-engine/internal/logger"
)

// Tier names a bundle of economic parameters selected by house capital.
type Tier string

const (
	TierEmergency Tier = "emergency"
	TierCritical  Tier = "critical"
	TierBootstrap Tier = "bootstrap"
	TierNormal    Tier = "normal"
)

// Regime is the active economic parameter set for one round.
type Regime struct {
	Tier              Tier
	HouseEdge         float64
	MinStake          decimal.Decimal
	MaxStake          decimal.Decimal
	MaxMultiplier     float64
	MaxSinglePayout   decimal.Decimal
	InstantCrashStake decimal.Decimal
	BasePullChance    float64
}

// Restrictive reports whether the regime suppresses the feedback adjustment
// in favor of its own hard caps.
func (r Regime) Restrictive() bool {
	return r.Tier == TierEmergency || r.Tier == TierCritical
}

// Selector picks the regime for each round from current house capital.
// Non-normal tiers are hysteretic: re-entry is gated by a cooldown since the
// tier was last left and one continuous session is bounded; a lifetime budget
// disables them permanently once spent.
type Selector struct {
	mu  sync.Mutex
	cfg config.RiskConfig

	current     Tier
	enteredAt   time.Time
	lastSeen    time.Time
	lastExit    map[Tier]time.Time
	budgetSpent time.Duration
	killed      bool
}

func NewSelector(cfg config.RiskConfig) *Selector {
	return &Selector{
		cfg:      cfg,
		current:  TierNormal,
		lastExit: make(map[Tier]time.Time),
	}
}

// Pick returns the regime for a round starting at now. Any fault in the
// computation resolves to the emergency regime, never to a permissive one.
func (s *Selector) Pick(capital decimal.Decimal, now time.Time) (regime Regime) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Regime selection fault, defaulting to emergency", "panic", r)
			regime = s.regimeFor(TierEmergency)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if capital.IsNegative() {
		return s.regimeFor(TierEmergency)
	}

	s.accountLocked(now)

	desired := s.desiredTier(capital)
	if desired != TierNormal {
		desired = s.gateLocked(desired, now)
	}

	if desired != s.current {
		s.transitionLocked(desired, now)
	}
	return s.regimeFor(s.current)
}

// desiredTier maps capital onto the ordered tier thresholds.
func (s *Selector) desiredTier(capital decimal.Decimal) Tier {
	switch {
	case capital.LessThan(s.cfg.Emergency.CapitalThreshold.Decimal):
		return TierEmergency
	case capital.LessThan(s.cfg.Critical.CapitalThreshold.Decimal):
		return TierCritical
	case capital.LessThan(s.cfg.Bootstrap.CapitalThreshold.Decimal):
		return TierBootstrap
	default:
		return TierNormal
	}
}

// accountLocked charges elapsed non-normal time against the lifetime budget.
func (s *Selector) accountLocked(now time.Time) {
	if s.current != TierNormal && !s.lastSeen.IsZero() {
		s.budgetSpent += now.Sub(s.lastSeen)
		if !s.killed && s.budgetSpent >= s.cfg.LifetimeBudget {
			s.killed = true
			logger.Warn("Lifetime budget for protective regimes exhausted, disabling them permanently",
				"spent", s.budgetSpent)
		}
	}
	s.lastSeen = now
}

// gateLocked applies the kill-switch, session cap and re-entry cooldown to a
// desired non-normal tier. A gated tier resolves to normal: the protective
// tiers are opt-in boosts for the house, so denying one never loosens caps
// below what the normal table allows.
func (s *Selector) gateLocked(desired Tier, now time.Time) Tier {
	if s.killed {
		return TierNormal
	}
	if s.current == desired {
		if now.Sub(s.enteredAt) >= s.cfg.MaxSession {
			return TierNormal
		}
		return desired
	}
	if exit, ok := s.lastExit[desired]; ok && now.Sub(exit) < s.cfg.ReentryCooldown {
		return TierNormal
	}
	return desired
}

func (s *Selector) transitionLocked(next Tier, now time.Time) {
	if s.current != TierNormal {
		s.lastExit[s.current] = now
	}
	if next != TierNormal {
		s.enteredAt = now
	}
	logger.Info("Risk regime changed", "from", s.current, "to", next)
	s.current = next
}

func (s *Selector) regimeFor(tier Tier) Regime {
	var tc config.TierConfig
	switch tier {
	case TierEmergency:
		tc = s.cfg.Emergency
	case TierCritical:
		tc = s.cfg.Critical
	case TierBootstrap:
		tc = s.cfg.Bootstrap
	default:
		tier = TierNormal
		tc = s.cfg.Normal
	}
	return Regime{
		Tier:              tier,
		HouseEdge:         tc.HouseEdge,
		MinStake:          tc.MinStake.Decimal,
		MaxStake:          tc.MaxStake.Decimal,
		MaxMultiplier:     tc.MaxMultiplier,
		MaxSinglePayout:   tc.MaxSinglePayout.Decimal,
		InstantCrashStake: tc.InstantCrashStake.Decimal,
		BasePullChance:    tc.BasePullChance,
	}
}

// Killed reports whether the lifetime budget has been exhausted.
func (s *Selector) Killed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}
