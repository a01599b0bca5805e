package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rugplay/crash-engine/internal/bets"
	"github.com/rugplay/crash-engine/internal/events"
	"github.com/rugplay/crash-engine/internal/payout"
	"github.com/rugplay/crash-engine/internal/treasury"
	"github.com/rugplay/crash-engine/pkg/retry"
)

var (
	ErrNoRound           = errors.New("no round in progress")
	ErrEntryWindowClosed = errors.New("entry window closed")
	ErrRoundNotActive    = errors.New("round is not active")
	ErrSettlementFailed  = errors.New("external settlement failed")
	ErrHouseCapacity     = errors.New("payout would exceed house capacity")
	ErrRateLimited       = errors.New("too many requests")
)

// PlaceBet admits a participant into the current round. The ledger admit is
// a fast serialized step; the stake collection happens outside any lock and
// the bet is only finalized once it confirms.
func (e *Engine) PlaceBet(ctx context.Context, player, wallet string, stake decimal.Decimal) (*bets.Bet, error) {
	if !e.limits.Allow(player) {
		return nil, ErrRateLimited
	}

	e.mu.Lock()

	r := e.round
	if r == nil || r.Status == StatusCrashed {
		e.mu.Unlock()
		return nil, ErrNoRound
	}

	now := e.now()
	entryMult := 1.0
	switch r.Status {
	case StatusWaiting:
		// Late entries are rejected once the countdown enters the grace
		// window, so a bet can never straddle the activation boundary.
		if now.After(e.countdownEnds.Add(-e.cfg.Engine.EntryGrace)) {
			e.mu.Unlock()
			return nil, ErrEntryWindowClosed
		}
	case StatusActive:
		entryMult = r.Multiplier
	}

	ledger := e.ledger
	reg := e.regime
	number := r.Number
	e.mu.Unlock()

	bet, err := ledger.Place(player, wallet, stake, entryMult, reg, now)
	if err != nil {
		return nil, err
	}

	ref, err := e.collectStake(ctx, player, wallet, stake)
	if err != nil {
		ledger.Remove(player)
		if errors.Is(err, treasury.ErrInsufficientFunds) {
			return nil, treasury.ErrInsufficientFunds
		}
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	if err := ledger.Finalize(player, ref); err != nil {
		// The round settled while the stake was in flight; the archived bet
		// keeps its pending state and the operator reconciles the transfer.
		e.log.Warn("Bet finalize after settlement", "player", player, "err", err)
		return nil, ErrNoRound
	}

	e.emit(events.EngineEvent{
		Type:  events.TypeBetAccepted,
		Round: number,
		Data: events.BetAccepted{
			Player:    player,
			Stake:     stake.String(),
			EntryMult: entryMult,
		},
	})
	return bet, nil
}

// CashOut exits a participant's bet at the current multiplier. The ledger
// transition is single-use, so of two concurrent requests exactly one wins.
func (e *Engine) CashOut(ctx context.Context, player string) (*bets.Bet, error) {
	e.mu.Lock()

	r := e.round
	if r == nil || r.Status != StatusActive {
		e.mu.Unlock()
		return nil, ErrRoundNotActive
	}

	exitMult := r.Multiplier
	reg := e.regime
	number := r.Number
	ledger := e.ledger

	stake, entryMult, err := ledger.Position(player)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	amount, err := payout.Compute(stake, entryMult, exitMult, reg)
	if errors.Is(err, payout.ErrLimitExceeded) {
		// A payout above the regime cap is never honored partially: the
		// round is crashed on the spot and the cashing-out bet pays zero.
		e.crashLocked(exitMult, true, "payout limit exceeded")
		return nil, payout.ErrLimitExceeded
	}
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	// Capacity check and commitment are serialized under the engine lock so
	// two cash-outs cannot both pass a check only one can satisfy.
	if amount.GreaterThan(e.availablePayoutLocked()) {
		e.mu.Unlock()
		e.log.Error("Cash-out rejected at capacity boundary",
			"player", player, "amount", amount, "round", number)
		return nil, ErrHouseCapacity
	}

	bet, err := ledger.MarkCashedOut(player, exitMult, amount, "", e.now())
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	r.TotalPayout = r.TotalPayout.Add(amount)
	e.mu.Unlock()

	ref, err := e.disburse(ctx, player, bet.Wallet, amount)
	if err != nil {
		// Repeated disbursement failure forces a crash with a zero-payout
		// outcome for this bet rather than leaving it in limbo.
		ledger.Void(player)
		e.mu.Lock()
		r.TotalPayout = r.TotalPayout.Sub(amount)
		e.mu.Unlock()
		e.forceCrash("disbursement failure")
		_ = e.emitter.EmitError(number, err)
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	ledger.SetSettlementRef(player, ref)

	e.emit(events.EngineEvent{
		Type:  events.TypeCashOut,
		Round: number,
		Data: events.CashOut{
			Player:   player,
			ExitMult: exitMult,
			Amount:   amount.String(),
		},
	})
	return bet, nil
}

// Snapshot returns a consistent view of the engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.round == nil {
		return Snapshot{}
	}
	return Snapshot{
		RoundID:    e.round.ID,
		Number:     e.round.Number,
		Status:     e.round.Status,
		Multiplier: e.round.Multiplier,
		Commitment: e.round.Commitment,
		Bets:       e.ledger.Count(),
		TotalStake: e.ledger.TotalStake(),
		Regime:     e.regime.Tier,
	}
}

func (e *Engine) collectStake(ctx context.Context, player, wallet string, amount decimal.Decimal) (string, error) {
	var ref string
	err := retry.Constant(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Treasury.CallTimeout)
		defer cancel()
		var err error
		ref, err = e.treasury.CollectStake(callCtx, player, wallet, amount)
		return err
	}, e.cfg.Treasury.RetryInterval, e.cfg.Treasury.MaxAttempts)
	return ref, err
}

func (e *Engine) disburse(ctx context.Context, player, wallet string, amount decimal.Decimal) (string, error) {
	var ref string
	err := retry.Constant(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Treasury.CallTimeout)
		defer cancel()
		var err error
		ref, err = e.treasury.Disburse(callCtx, player, wallet, amount)
		return err
	}, e.cfg.Treasury.RetryInterval, e.cfg.Treasury.MaxAttempts)
	return ref, err
}
