package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rugplay/crash-engine/internal/bets"
	"github.com/rugplay/crash-engine/internal/config"
	"github.com/rugplay/crash-engine/internal/events"
	"github.com/rugplay/crash-engine/internal/fairness"
	"github.com/rugplay/crash-engine/internal/feedback"
	"github.com/rugplay/crash-engine/internal/limiter"
	"github.com/rugplay/crash-engine/internal/logger"
	"github.com/rugplay/crash-engine/internal/risk"
	"github.com/rugplay/crash-engine/internal/store"
	"github.com/rugplay/crash-engine/internal/treasury"
)

// Deps groups the engine's collaborators.
type Deps struct {
	Config   *config.Config
	Treasury treasury.Treasury
	Emitter  events.Emitter
	Archive  *store.RoundStore // optional
}

// Engine drives the round lifecycle: countdown, multiplier ticks, crash,
// settlement. All round state is guarded by one mutex and critical sections
// stay free of blocking I/O; treasury calls happen outside the lock.
type Engine struct {
	cfg      *config.Config
	treasury treasury.Treasury
	emitter  events.Emitter
	archive  *store.RoundStore

	selector *risk.Selector
	gen      *fairness.Generator
	seeds    *fairness.SeedManager
	tracker  *feedback.Tracker
	limits   *limiter.PlayerLimiter
	log      *slog.Logger

	now func() time.Time

	mu          sync.Mutex
	rng         *rand.Rand
	round       *Round
	ledger      *bets.Ledger
	regime      risk.Regime
	roundNumber int

	countdownEnds time.Time
	capital       decimal.Decimal
	capitalAt     time.Time

	// starting is the global start-lock: only one round creation at a time.
	starting bool

	ctx       context.Context
	cancel    context.CancelFunc
	phaseCtx  context.Context
	phaseStop context.CancelFunc
	wg        sync.WaitGroup
}

// Option customizes an Engine; used to inject clock and randomness in tests.
type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

func WithSeeds(sm *fairness.SeedManager) Option {
	return func(e *Engine) { e.seeds = sm }
}

func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		cfg:      deps.Config,
		treasury: deps.Treasury,
		emitter:  deps.Emitter,
		archive:  deps.Archive,
		selector: risk.NewSelector(deps.Config.Risk),
		gen:      fairness.NewGenerator(deps.Config.Feedback),
		seeds:    fairness.NewSeedManager(),
		tracker:  feedback.NewTracker(deps.Config.Feedback),
		limits:   limiter.NewPlayerLimiter(deps.Config.Engine.RequestRate, deps.Config.Engine.RequestBurst),
		log:      logger.With(slog.String("component", "engine")),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start begins the round cycle and the supervisory watchdog.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if e.archive != nil {
		latest, err := e.archive.LatestNumber()
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.roundNumber = latest
		e.mu.Unlock()
		e.log.Info("Resuming round cycle", "latest_round", latest)
	}

	e.beginWaiting()

	e.wg.Add(1)
	go e.watchdog()
	return nil
}

// Stop cancels all timers and waits for background loops to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	if e.phaseStop != nil {
		e.phaseStop()
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.log.Info("Engine stopped")
}

// watchdog restarts the waiting phase when neither an active round nor a
// pending countdown exists, e.g. after an unhandled fault in a timer path.
func (e *Engine) watchdog() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Engine.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.stalled() {
				e.log.Warn("No active round or pending countdown, restarting cycle")
				e.beginWaiting()
			}
		}
	}
}

func (e *Engine) stalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.starting {
		return false
	}
	if e.round == nil {
		return true
	}
	if e.round.Status == StatusCrashed {
		// Settlement schedules the next round after InterRoundDelay; give it
		// double that before declaring the cycle dead.
		return e.now().Sub(e.round.CrashedAt) > 2*e.cfg.Engine.InterRoundDelay+e.cfg.Engine.WatchdogInterval
	}
	return false
}

// beginWaiting creates the next round and arms the countdown. The start-lock
// guarantees two rounds are never created concurrently.
func (e *Engine) beginWaiting() {
	e.mu.Lock()
	if e.starting || (e.round != nil && e.round.Status != StatusCrashed) {
		e.mu.Unlock()
		return
	}
	e.starting = true
	e.mu.Unlock()

	// Capital is always refreshed at round start; the cached value is only
	// for mid-round checks.
	capital, err := e.refreshCapital(true)
	if err != nil {
		e.log.Error("Capital refresh failed, starting round under emergency regime", "err", err)
		capital = decimal.Zero
	}

	now := e.now()
	reg := e.selector.Pick(capital, now)
	snap := e.tracker.Snapshot(now)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.roundNumber++
	if e.roundNumber > e.cfg.Engine.RoundCycle {
		e.roundNumber = 1
	}

	id := uuid.NewString()
	seed := e.seeds.RoundSeed(id)

	round := &Round{
		ID:             id,
		Number:         e.roundNumber,
		Status:         StatusWaiting,
		Seed:           seed,
		Commitment:     fairness.Commitment(seed),
		crashPoint:     e.gen.CrashPoint(seed, e.roundNumber, reg, snap),
		OpenedAt:       now,
		Multiplier:     1.0,
		TotalPayout:    decimal.Zero,
		capitalAtStart: capital,
	}

	e.round = round
	e.regime = reg
	e.ledger = bets.NewLedger(e.cfg.Engine.PayoutCapMultiplier)
	e.ledger.SetAccepting(true)
	e.countdownEnds = now.Add(e.cfg.Engine.Countdown)
	e.resetPhaseLocked()
	e.starting = false

	e.log.Info("Round waiting",
		"round", round.Number,
		"commitment", round.Commitment,
		"regime", reg.Tier,
		"capital", capital,
	)
	e.emit(events.EngineEvent{
		Type:  events.TypeRoundStarted,
		Round: round.Number,
		Data: events.RoundStarted{
			RoundID:    round.ID,
			Commitment: round.Commitment,
			Countdown:  e.cfg.Engine.Countdown.Milliseconds(),
		},
	})

	e.wg.Add(1)
	go e.countdown(e.phaseCtx, round.ID)
}

// resetPhaseLocked cancels any pending phase timer before a new one is
// armed, so a stale timer can never fire into the wrong round.
func (e *Engine) resetPhaseLocked() {
	if e.phaseStop != nil {
		e.phaseStop()
	}
	e.phaseCtx, e.phaseStop = context.WithCancel(e.ctx)
}

func (e *Engine) countdown(ctx context.Context, roundID string) {
	defer e.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(e.cfg.Engine.Countdown):
	}
	e.activate(roundID)
}

// activate moves the round from waiting to active and starts the tick loop.
func (e *Engine) activate(roundID string) {
	e.mu.Lock()

	if e.round == nil || e.round.ID != roundID || e.round.Status != StatusWaiting {
		e.mu.Unlock()
		return
	}

	now := e.now()
	e.round.Status = StatusActive
	e.round.StartedAt = now
	e.round.Multiplier = 1.0
	e.round.trend = risk.NewTrend(e.rng.Float64())
	e.resetPhaseLocked()
	ctx := e.phaseCtx
	number := e.round.Number
	e.mu.Unlock()

	e.log.Info("Round active", "round", number)

	e.wg.Add(1)
	go e.tickLoop(ctx, roundID)
}

func (e *Engine) tickLoop(ctx context.Context, roundID string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Engine.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := e.tick(roundID); done {
				return
			}
		}
	}
}

// tick advances the multiplier once. It returns true when the round ended.
func (e *Engine) tick(roundID string) bool {
	e.mu.Lock()

	r := e.round
	if r == nil || r.ID != roundID || r.Status != StatusActive {
		e.mu.Unlock()
		return true
	}

	now := e.now()
	elapsed := now.Sub(r.StartedAt)

	// Instant-crash conditions come first: an oversized open bet or open
	// exposure past the capital multiple ends the round on the spot.
	if e.regime.InstantCrashStake.IsPositive() &&
		e.ledger.MaxOpenStake().GreaterThan(e.regime.InstantCrashStake) {
		return e.crashLocked(r.Multiplier, true, "oversized bet")
	}

	available := e.availablePayoutLocked()
	exposure := e.ledger.Exposure(r.Multiplier)
	if exposure.GreaterThan(available.Mul(decimal.NewFromFloat(e.cfg.Engine.ExposureMultiple))) {
		return e.crashLocked(r.Multiplier, true, "exposure spike")
	}

	// Probabilistic pull chance, scaled by the regime.
	chance := e.regime.BasePullChance * pullChance(
		r.Multiplier,
		e.ledger.CountAbove(e.regime.InstantCrashStake.Div(decimal.NewFromInt(2))),
		e.ledger.TotalStake(),
		r.capitalAtStart,
	)
	if e.rng.Float64() < chance {
		return e.crashLocked(r.Multiplier, true, "rug pull")
	}

	// Advance the multiplier under the trend walk.
	elapsedFrac := clampF(elapsed.Seconds()/60, 0, 1)
	if r.trend.Rises >= e.cfg.Engine.MaxConsecutiveRises {
		r.trend = risk.Correct(r.trend)
	}
	r.trend = risk.NextTrend(r.trend, elapsedFrac, e.rng.Float64())
	next := risk.Step(r.Multiplier, r.trend, e.rng.Float64())

	// Safety ceiling: no single tick may create unpayable exposure.
	if base := e.ledger.Exposure(1.0); base.IsPositive() {
		ceiling, _ := available.Div(base).Float64()
		if ceiling >= 1.0 && next >= ceiling {
			return e.crashLocked(ceiling, true, "safety ceiling")
		}
	}

	if next >= r.crashPoint {
		return e.crashLocked(r.crashPoint, false, "crash point")
	}

	if next > r.Multiplier {
		r.trend.Rises++
	} else {
		r.trend.Rises = 0
	}
	r.Multiplier = next
	r.Chart = append(r.Chart, Sample{
		ElapsedMs:  elapsed.Milliseconds(),
		Multiplier: next,
	})

	number := r.Number
	e.mu.Unlock()

	e.emit(events.EngineEvent{
		Type:  events.TypeTick,
		Round: number,
		Data:  events.Tick{Multiplier: next, ElapsedMs: elapsed.Milliseconds()},
	})
	return false
}

// crashLocked flips the round to crashed and hands off to settlement. The
// caller must hold e.mu; the lock is released here. The status transition is
// the gate: exactly one caller wins and runs settlement.
func (e *Engine) crashLocked(at float64, forced bool, reason string) bool {
	r := e.round
	if r == nil || r.Status == StatusCrashed {
		e.mu.Unlock()
		return true
	}

	r.Status = StatusCrashed
	r.CrashedAt = e.now()
	r.Multiplier = at
	r.Forced = forced
	e.ledger.SetAccepting(false)
	e.resetPhaseLocked()
	ledger := e.ledger
	restartCtx := e.phaseCtx
	e.mu.Unlock()

	e.log.Info("Round crashed",
		"round", r.Number,
		"at", at,
		"forced", forced,
		"reason", reason,
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// Settlement must complete before the next waiting phase begins.
		e.settle(r, ledger, at)

		select {
		case <-restartCtx.Done():
			return
		case <-time.After(e.cfg.Engine.InterRoundDelay):
		}
		e.beginWaiting()
	}()
	return true
}

// forceCrash ends the round immediately from a request path.
func (e *Engine) forceCrash(reason string) {
	e.mu.Lock()
	if e.round == nil || e.round.Status != StatusActive {
		e.mu.Unlock()
		return
	}
	e.crashLocked(e.round.Multiplier, true, reason)
}

// settle folds the round into history, archives it and publishes the reveal.
func (e *Engine) settle(r *Round, ledger *bets.Ledger, at float64) {
	settled := ledger.SettleAll()

	totalStake := decimal.Zero
	totalPayout := decimal.Zero
	for _, b := range settled {
		totalStake = totalStake.Add(b.Stake)
		if b.CashedOut && b.Valid {
			totalPayout = totalPayout.Add(b.ExitAmount)
		}
	}

	e.tracker.Record(feedback.Entry{
		Stake:     totalStake,
		Payout:    totalPayout,
		Crash:     at,
		Players:   len(settled),
		SettledAt: r.CrashedAt,
	})

	if e.archive != nil {
		err := e.archive.SaveRound(&store.ArchivedRound{
			ID:          r.ID,
			Number:      r.Number,
			Seed:        r.Seed,
			Commitment:  r.Commitment,
			CrashPoint:  at,
			StartedAt:   r.StartedAt,
			CrashedAt:   r.CrashedAt,
			TotalStake:  totalStake,
			TotalPayout: totalPayout,
			Players:     len(settled),
			Forced:      r.Forced,
			Bets:        settled,
		})
		if err != nil {
			e.log.Error("Round archive failed", "round", r.Number, "err", err)
			_ = e.emitter.EmitError(r.Number, err)
		}
	}

	e.emit(events.EngineEvent{
		Type:  events.TypeRoundCrashed,
		Round: r.Number,
		Data: events.RoundCrashed{
			RoundID:    r.ID,
			CrashPoint: at,
			Seed:       r.Seed,
			TotalStake: totalStake.String(),
			Players:    len(settled),
			Forced:     r.Forced,
		},
	})

	if _, err := e.refreshCapital(true); err != nil {
		e.log.Warn("Capital refresh after settlement failed", "err", err)
	}
}

// refreshCapital returns the cached capital, hitting the treasury when the
// cache expired or force is set.
func (e *Engine) refreshCapital(force bool) (decimal.Decimal, error) {
	e.mu.Lock()
	if !force && e.now().Sub(e.capitalAt) < e.cfg.Engine.CapitalCacheTTL {
		capital := e.capital
		e.mu.Unlock()
		return capital, nil
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Treasury.CallTimeout)
	defer cancel()

	capital, err := e.treasury.CurrentCapital(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	e.mu.Lock()
	e.capital = capital
	e.capitalAt = e.now()
	e.mu.Unlock()
	return capital, nil
}

// availablePayoutLocked is the capital the round may still commit to
// payouts: capital at round start minus the reserve and prior commitments.
func (e *Engine) availablePayoutLocked() decimal.Decimal {
	reserve := e.round.capitalAtStart.Mul(decimal.NewFromFloat(e.cfg.Engine.ReserveFraction))
	return e.round.capitalAtStart.Sub(reserve).Sub(e.round.TotalPayout)
}

func (e *Engine) emit(event events.EngineEvent) {
	if err := e.emitter.Emit(event); err != nil {
		e.log.Debug("Event emit failed", "type", event.Type, "err", err)
	}
}

// pullChance is the per-tick crash probability before regime scaling. It
// grows with multiplier height, the number of large open bets and the total
// round stake relative to house capital.
func pullChance(mult float64, largeBets int, totalStake, capital decimal.Decimal) float64 {
	chance := 0.0008 * (mult - 1.0)
	chance += 0.0015 * float64(largeBets)

	if capital.IsPositive() {
		ratio, _ := totalStake.Div(capital).Float64()
		chance += 0.004 * clampF(ratio, 0, 1)
	}
	return clampF(chance, 0, 0.05)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
