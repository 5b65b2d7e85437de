package feed

import (
	"context"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

// EventType discriminates feed events.
type EventType int

const (
	// EventCandle carries one closed candle.
	EventCandle EventType = iota
	// EventGap marks a stream discontinuity for one (symbol, timeframe);
	// consumers must discard rolling state and re-warm from history.
	EventGap
)

// Event is one feed delivery. For EventGap only Symbol and Timeframe are set.
type Event struct {
	Type      EventType
	Symbol    string
	Timeframe types.Timeframe
	Candle    types.Candle
}

// Feed delivers closed candles in order, each at most once per (symbol,
// timeframe), with explicit gap events after reconnects.
type Feed interface {
	// Events is the delivery channel. Closed when Run returns.
	Events() <-chan Event
	// Run blocks until ctx is cancelled, reconnecting on stream errors.
	Run(ctx context.Context) error
}
