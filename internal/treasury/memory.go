package treasury

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process treasury for tests and the demo binary. Player
// balances are unbounded credit lines unless seeded explicitly.
type Memory struct {
	mu       sync.Mutex
	capital  decimal.Decimal
	balances map[string]decimal.Decimal
	tracked  map[string]bool
}

func NewMemory(capital decimal.Decimal) *Memory {
	return &Memory{
		capital:  capital,
		balances: make(map[string]decimal.Decimal),
		tracked:  make(map[string]bool),
	}
}

// SetBalance makes a player's balance finite; stakes beyond it are rejected.
func (m *Memory) SetBalance(player string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[player] = balance
	m.tracked[player] = true
}

func (m *Memory) CollectStake(_ context.Context, player, _ string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tracked[player] {
		if m.balances[player].LessThan(amount) {
			return "", ErrInsufficientFunds
		}
		m.balances[player] = m.balances[player].Sub(amount)
	}
	m.capital = m.capital.Add(amount)
	return uuid.NewString(), nil
}

func (m *Memory) Disburse(_ context.Context, player, _ string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.capital = m.capital.Sub(amount)
	if m.tracked[player] {
		m.balances[player] = m.balances[player].Add(amount)
	}
	return uuid.NewString(), nil
}

func (m *Memory) CurrentCapital(_ context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capital, nil
}
