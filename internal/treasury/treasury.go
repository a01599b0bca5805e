package treasury

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds is returned when a participant cannot cover a stake.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Treasury moves real funds on behalf of the engine. Custody, confirmation
// and reconciliation live behind this boundary; the engine only sees
// references and failures and never assumes instantaneous settlement.
type Treasury interface {
	// CollectStake pulls a participant's stake into house custody.
	CollectStake(ctx context.Context, player, wallet string, amount decimal.Decimal) (ref string, err error)
	// Disburse pays out to a participant's wallet.
	Disburse(ctx context.Context, player, wallet string, amount decimal.Decimal) (ref string, err error)
	// CurrentCapital reports the operator's available capital.
	CurrentCapital(ctx context.Context) (decimal.Decimal, error)
}
