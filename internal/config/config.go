package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Amount is a decimal money value parsed from a YAML scalar, so operators
// can write exact amounts without float rounding.
type Amount struct {
	decimal.Decimal
}

func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	a.Decimal = d
	return nil
}

type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Risk     RiskConfig     `yaml:"risk"`
	Feedback FeedbackConfig `yaml:"feedback"`
	Treasury TreasuryConfig `yaml:"treasury"`
	NATS     NATSConfig     `yaml:"nats"`
	Storage  StorageConfig  `yaml:"storage"`
}

type EngineConfig struct {
	Countdown        time.Duration `yaml:"countdown"`
	EntryGrace       time.Duration `yaml:"entry_grace"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	InterRoundDelay  time.Duration `yaml:"inter_round_delay"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	RoundCycle       int           `yaml:"round_cycle"`
	CapitalCacheTTL  time.Duration `yaml:"capital_cache_ttl"`

	// ReserveFraction of house capital is never committed to payouts.
	ReserveFraction float64 `yaml:"reserve_fraction"`
	// ExposureMultiple of available capital that open exposure may reach
	// before the round is force-crashed.
	ExposureMultiple float64 `yaml:"exposure_multiple"`
	// MaxConsecutiveRises before the trend is forced into a correction.
	MaxConsecutiveRises int `yaml:"max_consecutive_rises"`
	// PayoutCapMultiplier bounds a single bet's payout ceiling (stake × cap).
	PayoutCapMultiplier float64 `yaml:"payout_cap_multiplier"`
	// RequestRate and RequestBurst throttle bet placement per participant.
	RequestRate  float64 `yaml:"request_rate"`
	RequestBurst int     `yaml:"request_burst"`
}

// TierConfig is one row of the regime table. Amounts are decimal strings
// so operators can express exact values in YAML.
type TierConfig struct {
	CapitalThreshold  Amount  `yaml:"capital_threshold"`
	HouseEdge         float64 `yaml:"house_edge"`
	MinStake          Amount  `yaml:"min_stake"`
	MaxStake          Amount  `yaml:"max_stake"`
	MaxMultiplier     float64 `yaml:"max_multiplier"`
	MaxSinglePayout   Amount  `yaml:"max_single_payout"`
	InstantCrashStake Amount  `yaml:"instant_crash_stake"`
	BasePullChance    float64 `yaml:"base_pull_chance"`
}

type RiskConfig struct {
	Emergency TierConfig `yaml:"emergency"`
	Critical  TierConfig `yaml:"critical"`
	Bootstrap TierConfig `yaml:"bootstrap"`
	Normal    TierConfig `yaml:"normal"`

	// ReentryCooldown gates re-entering a non-normal tier after leaving it.
	ReentryCooldown time.Duration `yaml:"reentry_cooldown"`
	// MaxSession bounds one continuous stay in a non-normal tier.
	MaxSession time.Duration `yaml:"max_session"`
	// LifetimeBudget is the total wall-clock time non-normal tiers may be
	// active over the process lifetime; once spent they are disabled for good.
	LifetimeBudget time.Duration `yaml:"lifetime_budget"`
}

type FeedbackConfig struct {
	WindowSize         int           `yaml:"window_size"`
	HighThreshold      float64       `yaml:"high_threshold"`
	VeryHighThreshold  float64       `yaml:"very_high_threshold"`
	MaxConsecutiveHigh int           `yaml:"max_consecutive_high"`
	CooldownBase       time.Duration `yaml:"cooldown_base"`
	CooldownCap        float64       `yaml:"cooldown_cap"`
	ProfitTarget       float64       `yaml:"profit_target"`
	MinSamples         int           `yaml:"min_samples"`
	LowProfitCap       float64       `yaml:"low_profit_cap"`
}

type TreasuryConfig struct {
	CallTimeout   time.Duration `yaml:"call_timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type StorageConfig struct {
	Directory string `yaml:"directory"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns a config with every field at its default value.
func Default() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

func (c *Config) applyDefaults() {
	e := &c.Engine
	if e.Countdown == 0 {
		e.Countdown = 10 * time.Second
	}
	if e.EntryGrace == 0 {
		e.EntryGrace = 2 * time.Second
	}
	if e.TickInterval == 0 {
		e.TickInterval = 100 * time.Millisecond
	}
	if e.InterRoundDelay == 0 {
		e.InterRoundDelay = 3 * time.Second
	}
	if e.WatchdogInterval == 0 {
		e.WatchdogInterval = 5 * time.Second
	}
	if e.RoundCycle == 0 {
		e.RoundCycle = 100
	}
	if e.CapitalCacheTTL == 0 {
		e.CapitalCacheTTL = 30 * time.Second
	}
	if e.ReserveFraction == 0 {
		e.ReserveFraction = 0.10
	}
	if e.ExposureMultiple == 0 {
		e.ExposureMultiple = 0.50
	}
	if e.MaxConsecutiveRises == 0 {
		e.MaxConsecutiveRises = 12
	}
	if e.PayoutCapMultiplier == 0 {
		e.PayoutCapMultiplier = 100
	}
	if e.RequestRate == 0 {
		e.RequestRate = 10
	}
	if e.RequestBurst == 0 {
		e.RequestBurst = 20
	}

	r := &c.Risk
	if r.Emergency.CapitalThreshold.IsZero() {
		r.Emergency = TierConfig{
			CapitalThreshold:  dec("0.5"),
			HouseEdge:         0.40,
			MinStake:          dec("0.02"),
			MaxStake:          dec("0.05"),
			MaxMultiplier:     2.0,
			MaxSinglePayout:   dec("0.05"),
			InstantCrashStake: dec("0.04"),
			BasePullChance:    3.0,
		}
	}
	if r.Critical.CapitalThreshold.IsZero() {
		r.Critical = TierConfig{
			CapitalThreshold:  dec("2"),
			HouseEdge:         0.30,
			MinStake:          dec("0.02"),
			MaxStake:          dec("0.25"),
			MaxMultiplier:     5.0,
			MaxSinglePayout:   dec("0.5"),
			InstantCrashStake: dec("0.2"),
			BasePullChance:    2.0,
		}
	}
	if r.Bootstrap.CapitalThreshold.IsZero() {
		r.Bootstrap = TierConfig{
			CapitalThreshold:  dec("10"),
			HouseEdge:         0.15,
			MinStake:          dec("0.02"),
			MaxStake:          dec("1"),
			MaxMultiplier:     20.0,
			MaxSinglePayout:   dec("3"),
			InstantCrashStake: dec("0.8"),
			BasePullChance:    1.5,
		}
	}
	if r.Normal.MaxMultiplier == 0 {
		r.Normal = TierConfig{
			CapitalThreshold:  Amount{},
			HouseEdge:         0.05,
			MinStake:          dec("0.02"),
			MaxStake:          dec("5"),
			MaxMultiplier:     100.0,
			MaxSinglePayout:   dec("25"),
			InstantCrashStake: dec("4"),
			BasePullChance:    1.0,
		}
	}
	if r.ReentryCooldown == 0 {
		r.ReentryCooldown = 10 * time.Minute
	}
	if r.MaxSession == 0 {
		r.MaxSession = 2 * time.Hour
	}
	if r.LifetimeBudget == 0 {
		r.LifetimeBudget = 72 * time.Hour
	}

	f := &c.Feedback
	if f.WindowSize == 0 {
		f.WindowSize = 15
	}
	if f.HighThreshold == 0 {
		f.HighThreshold = 10.0
	}
	if f.VeryHighThreshold == 0 {
		f.VeryHighThreshold = 50.0
	}
	if f.MaxConsecutiveHigh == 0 {
		f.MaxConsecutiveHigh = 3
	}
	if f.CooldownBase == 0 {
		f.CooldownBase = 5 * time.Minute
	}
	if f.CooldownCap == 0 {
		f.CooldownCap = 2.0
	}
	if f.ProfitTarget == 0 {
		f.ProfitTarget = 0.10
	}
	if f.MinSamples == 0 {
		f.MinSamples = 10
	}
	if f.LowProfitCap == 0 {
		f.LowProfitCap = 1.3
	}

	t := &c.Treasury
	if t.CallTimeout == 0 {
		t.CallTimeout = 5 * time.Second
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 3
	}
	if t.RetryInterval == 0 {
		t.RetryInterval = 500 * time.Millisecond
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "crash.rounds"
	}
	if c.Storage.Directory == "" {
		c.Storage.Directory = "data/rounds"
	}
}

func (c *Config) validate() error {
	if c.Engine.EntryGrace >= c.Engine.Countdown {
		return fmt.Errorf("entry_grace %s must be shorter than countdown %s",
			c.Engine.EntryGrace, c.Engine.Countdown)
	}
	if c.Engine.ReserveFraction < 0 || c.Engine.ReserveFraction >= 1 {
		return fmt.Errorf("reserve_fraction %f out of range [0,1)", c.Engine.ReserveFraction)
	}
	for _, tier := range []TierConfig{c.Risk.Emergency, c.Risk.Critical, c.Risk.Bootstrap, c.Risk.Normal} {
		if tier.HouseEdge < 0 || tier.HouseEdge >= 1 {
			return fmt.Errorf("house_edge %f out of range [0,1)", tier.HouseEdge)
		}
		if tier.MaxMultiplier < 1.0 {
			return fmt.Errorf("max_multiplier %f must be >= 1.0", tier.MaxMultiplier)
		}
	}
	return nil
}

func dec(s string) Amount {
	return Amount{Decimal: decimal.RequireFromString(s)}
}
