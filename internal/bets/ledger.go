package bets

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rugplay/crash-engine/internal/risk"
)

var (
	ErrNotAccepting      = errors.New("round is not accepting bets")
	ErrDuplicateBet      = errors.New("participant already has an open bet")
	ErrStakeTooSmall     = errors.New("stake below regime minimum")
	ErrStakeTooLarge     = errors.New("stake above regime maximum")
	ErrNoActiveBet       = errors.New("no active bet for participant")
	ErrAlreadyCashedOut  = errors.New("bet already cashed out")
	ErrBetNotPending     = errors.New("bet is not pending collection")
	ErrPayoutOverCeiling = errors.New("exit amount exceeds bet payout ceiling")
)

// Bet is one participant's position in the active round. Cash-out fields are
// write-once: MarkCashedOut is the only transition that sets them.
type Bet struct {
	ID        string          `json:"id"`
	Player    string          `json:"player"`
	Wallet    string          `json:"wallet"`
	Stake     decimal.Decimal `json:"stake"`
	PlacedAt  time.Time       `json:"placed_at"`
	EntryMult float64         `json:"entry_mult"`
	MaxPayout decimal.Decimal `json:"max_payout"`

	CashedOut  bool            `json:"cashed_out"`
	ExitMult   float64         `json:"exit_mult,omitempty"`
	ExitAmount decimal.Decimal `json:"exit_amount"`
	ExitAt     time.Time       `json:"exit_at,omitempty"`

	Valid         bool   `json:"valid"`
	SettlementRef string `json:"settlement_ref,omitempty"`

	pending bool // stake collection not confirmed yet
}

// Ledger is the concurrency-safe registry of the active round's bets, keyed
// by participant. It is the single source of truth for payout computation.
type Ledger struct {
	mu         sync.Mutex
	bets       map[string]*Bet
	totalStake decimal.Decimal
	accepting  bool
	payoutCap  float64
}

// NewLedger creates a ledger. payoutCap bounds each bet's payout ceiling at
// stake × payoutCap.
func NewLedger(payoutCap float64) *Ledger {
	return &Ledger{
		bets:      make(map[string]*Bet),
		payoutCap: payoutCap,
	}
}

// SetAccepting opens or closes the entry window.
func (l *Ledger) SetAccepting(accepting bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepting = accepting
}

// Place admits a bet in pending state, to be finalized once the external
// stake collection confirms. Rejections mutate nothing.
func (l *Ledger) Place(player, wallet string, stake decimal.Decimal, entryMult float64, reg risk.Regime, now time.Time) (*Bet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.accepting {
		return nil, ErrNotAccepting
	}
	if _, exists := l.bets[player]; exists {
		return nil, ErrDuplicateBet
	}
	if stake.LessThan(reg.MinStake) {
		return nil, ErrStakeTooSmall
	}
	if stake.GreaterThan(reg.MaxStake) {
		return nil, ErrStakeTooLarge
	}

	bet := &Bet{
		ID:        uuid.NewString(),
		Player:    player,
		Wallet:    wallet,
		Stake:     stake,
		PlacedAt:  now,
		EntryMult: entryMult,
		MaxPayout: stake.Mul(decimal.NewFromFloat(l.payoutCap)),
		Valid:     true,
		pending:   true,
	}
	l.bets[player] = bet
	l.totalStake = l.totalStake.Add(stake)
	return bet, nil
}

// Finalize confirms a pending bet after the stake was collected.
func (l *Ledger) Finalize(player, settlementRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bet, ok := l.bets[player]
	if !ok {
		return ErrNoActiveBet
	}
	if !bet.pending {
		return ErrBetNotPending
	}
	bet.pending = false
	bet.SettlementRef = settlementRef
	return nil
}

// Remove drops a pending bet whose stake collection failed.
func (l *Ledger) Remove(player string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bet, ok := l.bets[player]
	if !ok {
		return
	}
	l.totalStake = l.totalStake.Sub(bet.Stake)
	delete(l.bets, player)
}

// MarkCashedOut performs the single-use cash-out transition. A second call
// for the same participant is rejected, never silently ignored.
func (l *Ledger) MarkCashedOut(player string, exitMult float64, amount decimal.Decimal, ref string, now time.Time) (*Bet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bet, ok := l.bets[player]
	if !ok {
		return nil, ErrNoActiveBet
	}
	if bet.CashedOut {
		return nil, ErrAlreadyCashedOut
	}
	if bet.pending {
		return nil, ErrBetNotPending
	}
	if amount.GreaterThan(bet.MaxPayout) {
		return nil, ErrPayoutOverCeiling
	}

	bet.CashedOut = true
	bet.ExitMult = exitMult
	bet.ExitAmount = amount
	bet.ExitAt = now
	if ref != "" {
		bet.SettlementRef = ref
	}
	return bet, nil
}

// Position returns the stake and entry multiplier of a participant's open
// bet, for payout computation ahead of the cash-out transition.
func (l *Ledger) Position(player string) (decimal.Decimal, float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bet, ok := l.bets[player]
	if !ok {
		return decimal.Zero, 0, ErrNoActiveBet
	}
	if bet.CashedOut {
		return decimal.Zero, 0, ErrAlreadyCashedOut
	}
	if bet.pending {
		return decimal.Zero, 0, ErrBetNotPending
	}
	return bet.Stake, bet.EntryMult, nil
}

// SetSettlementRef records the external disbursement reference on a
// cashed-out bet. A no-op once the round has settled.
func (l *Ledger) SetSettlementRef(player, ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bet, ok := l.bets[player]; ok && bet.CashedOut {
		bet.SettlementRef = ref
	}
}

// Void invalidates a cashed-out bet whose disbursement could not complete.
// The cash-out transition itself stays consumed.
func (l *Ledger) Void(player string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if bet, ok := l.bets[player]; ok {
		bet.Valid = false
		bet.ExitAmount = decimal.Zero
	}
}

// SettleAll returns every admitted bet for settlement and clears the
// ledger. Bets that never cashed out are the round's losses.
func (l *Ledger) SettleAll() []*Bet {
	l.mu.Lock()
	defer l.mu.Unlock()

	settled := make([]*Bet, 0, len(l.bets))
	for _, bet := range l.bets {
		settled = append(settled, bet)
	}
	l.bets = make(map[string]*Bet)
	l.totalStake = decimal.Zero
	l.accepting = false
	return settled
}

// TotalStake is the aggregate stake of all admitted bets.
func (l *Ledger) TotalStake() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalStake
}

// Count returns the number of admitted bets.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bets)
}

// Exposure is the payout the house would owe if every open bet cashed out
// at mult this instant, before edge and caps.
func (l *Ledger) Exposure(mult float64) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := decimal.Zero
	for _, bet := range l.bets {
		if bet.CashedOut || !bet.Valid {
			continue
		}
		growth := mult / bet.EntryMult
		total = total.Add(bet.Stake.Mul(decimal.NewFromFloat(growth)))
	}
	return total
}

// CountAbove counts open bets whose stake exceeds threshold.
func (l *Ledger) CountAbove(threshold decimal.Decimal) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, bet := range l.bets {
		if !bet.CashedOut && bet.Valid && bet.Stake.GreaterThan(threshold) {
			n++
		}
	}
	return n
}

// MaxOpenStake returns the largest open stake, or zero when none are open.
func (l *Ledger) MaxOpenStake() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	max := decimal.Zero
	for _, bet := range l.bets {
		if !bet.CashedOut && bet.Valid && bet.Stake.GreaterThan(max) {
			max = bet.Stake
		}
	}
	return max
}
