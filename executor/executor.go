package executor

import (
	"context"
	"errors"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

var (
	// ErrInsufficientBalance rejects an entry whose cost exceeds free margin.
	ErrInsufficientBalance = errors.New("executor: insufficient balance")
	// ErrNoPosition rejects a reduce against a symbol with nothing open.
	ErrNoPosition = errors.New("executor: no open position")
)

// Executor places and manages orders on a venue. Implementations must be safe
// for sequential use by a single pipeline; cross-symbol concurrency is the
// caller's concern. All methods honor ctx cancellation and deadlines.
type Executor interface {
	// SetLeverage applies position leverage before an entry.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceEntry submits a market entry with its protective stop-loss and
	// take-profit attached. The intent's client ID makes retries idempotent
	// on the venue side.
	PlaceEntry(ctx context.Context, intent types.OrderIntent) (types.Fill, error)

	// SetProtection replaces the stop-loss and/or take-profit on the open
	// position. Zero leaves the corresponding level unchanged.
	SetProtection(ctx context.Context, symbol string, stopLoss, takeProfit float64) error

	// ClosePartial reduces the position by qty at market.
	ClosePartial(ctx context.Context, symbol string, side types.Side, qty float64, intentID string) (types.Fill, error)

	// Close flattens the remaining position at market.
	Close(ctx context.Context, symbol string, side types.Side, qty float64, intentID string) (types.Fill, error)

	// Balance returns the available margin balance in quote currency.
	Balance(ctx context.Context) (float64, error)
}
