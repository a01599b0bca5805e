package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/rugplay/crash-engine/internal/config"
)

func newTestSelector(t *testing.T) (*Selector, config.RiskConfig) {
	t.Helper()
	cfg := config.Default().Risk
	return NewSelector(cfg), cfg
}

func capitalFor(cfg config.RiskConfig, tier Tier) decimal.Decimal {
	// Just below the tier's upper threshold lands inside the tier.
	cent := decimal.RequireFromString("0.01")
	switch tier {
	case TierEmergency:
		return cfg.Emergency.CapitalThreshold.Sub(cent)
	case TierCritical:
		return cfg.Critical.CapitalThreshold.Sub(cent)
	case TierBootstrap:
		return cfg.Bootstrap.CapitalThreshold.Sub(cent)
	default:
		return cfg.Bootstrap.CapitalThreshold.Add(decimal.NewFromInt(1000))
	}
}

func TestTierSelection(t *testing.T) {
	s, cfg := newTestSelector(t)
	now := time.Now()

	for _, tier := range []Tier{TierEmergency, TierCritical, TierBootstrap, TierNormal} {
		fresh := NewSelector(cfg)
		reg := fresh.Pick(capitalFor(cfg, tier), now)
		assert.Equal(t, tier, reg.Tier, "capital %s", capitalFor(cfg, tier))
	}

	// Exactly at a threshold is the tier above it.
	reg := s.Pick(cfg.Emergency.CapitalThreshold.Decimal, now)
	assert.Equal(t, TierCritical, reg.Tier)
}

func TestNegativeCapitalIsEmergency(t *testing.T) {
	s, _ := newTestSelector(t)
	reg := s.Pick(decimal.NewFromInt(-1), time.Now())
	assert.Equal(t, TierEmergency, reg.Tier)
}

func TestRestrictive(t *testing.T) {
	assert.True(t, Regime{Tier: TierEmergency}.Restrictive())
	assert.True(t, Regime{Tier: TierCritical}.Restrictive())
	assert.False(t, Regime{Tier: TierBootstrap}.Restrictive())
	assert.False(t, Regime{Tier: TierNormal}.Restrictive())
}

func TestReentryCooldown(t *testing.T) {
	s, cfg := newTestSelector(t)
	now := time.Now()
	low := capitalFor(cfg, TierEmergency)
	high := capitalFor(cfg, TierNormal)

	assert.Equal(t, TierEmergency, s.Pick(low, now).Tier)
	assert.Equal(t, TierNormal, s.Pick(high, now.Add(time.Minute)).Tier)

	// Capital collapses again right away: the cooldown blocks re-entry and
	// the round runs on the normal table instead.
	again := now.Add(2 * time.Minute)
	assert.Equal(t, TierNormal, s.Pick(low, again).Tier)

	// After the cooldown the tier is reachable again.
	later := now.Add(time.Minute + cfg.ReentryCooldown + time.Second)
	assert.Equal(t, TierEmergency, s.Pick(low, later).Tier)
}

func TestSessionCap(t *testing.T) {
	s, cfg := newTestSelector(t)
	now := time.Now()
	low := capitalFor(cfg, TierCritical)

	assert.Equal(t, TierCritical, s.Pick(low, now).Tier)
	assert.Equal(t, TierCritical, s.Pick(low, now.Add(cfg.MaxSession/2)).Tier)

	// One continuous stay is bounded even if capital never recovers.
	assert.Equal(t, TierNormal, s.Pick(low, now.Add(cfg.MaxSession+time.Second)).Tier)
}

func TestLifetimeKillSwitch(t *testing.T) {
	cfg := config.Default().Risk
	cfg.LifetimeBudget = 10 * time.Minute
	cfg.MaxSession = time.Hour
	s := NewSelector(cfg)

	now := time.Now()
	low := capitalFor(cfg, TierEmergency)

	assert.Equal(t, TierEmergency, s.Pick(low, now).Tier)
	assert.False(t, s.Killed())

	// Eleven minutes in a protective tier exhausts the ten-minute budget.
	assert.Equal(t, TierNormal, s.Pick(low, now.Add(11*time.Minute)).Tier)
	assert.True(t, s.Killed())

	// Permanent: no amount of waiting re-enables protective tiers.
	assert.Equal(t, TierNormal, s.Pick(low, now.Add(365*24*time.Hour)).Tier)
}

func TestRegimeParameters(t *testing.T) {
	s, cfg := newTestSelector(t)
	now := time.Now()

	reg := s.Pick(capitalFor(cfg, TierNormal), now)
	assert.Equal(t, cfg.Normal.HouseEdge, reg.HouseEdge)
	assert.Equal(t, cfg.Normal.MaxMultiplier, reg.MaxMultiplier)
	assert.True(t, reg.MinStake.Equal(cfg.Normal.MinStake.Decimal))
	assert.True(t, reg.MaxStake.Equal(cfg.Normal.MaxStake.Decimal))
	assert.True(t, reg.MaxSinglePayout.Equal(cfg.Normal.MaxSinglePayout.Decimal))

	// The protective tiers tighten, never loosen.
	em := s.regimeFor(TierEmergency)
	assert.Less(t, em.MaxMultiplier, reg.MaxMultiplier)
	assert.True(t, em.MaxStake.LessThan(reg.MaxStake))
	assert.GreaterOrEqual(t, em.HouseEdge, reg.HouseEdge)
}
