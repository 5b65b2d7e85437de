package types

import "time"

type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Opposite returns the reducing side for a position side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Timeframe is a candle interval in Bybit notation ("1", "5", "60", "D").
type Timeframe string

// Minutes returns the interval length; 0 for unknown notations.
func (tf Timeframe) Minutes() int {
	switch tf {
	case "1":
		return 1
	case "3":
		return 3
	case "5":
		return 5
	case "15":
		return 15
	case "30":
		return 30
	case "60":
		return 60
	case "120":
		return 120
	case "240":
		return 240
	case "D":
		return 1440
	}
	return 0
}

// Candle is one OHLCV bar. Immutable once Closed is set; the unit of
// advancement for every downstream component.
type Candle struct {
	Symbol    string
	Timeframe Timeframe
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
	Closed    bool
}

// OrderIntent is a typed request to the execution collaborator. IntentID is
// client-generated so duplicate submissions are idempotent on the venue side.
type OrderIntent struct {
	IntentID string
	Symbol   string
	Side     Side
	Qty      float64
	Leverage int
	// Protective levels submitted together with a market entry; zero = none.
	StopLoss   float64
	TakeProfit float64
	Comment    string
}

// Fill is the executor's confirmation of an executed intent.
type Fill struct {
	IntentID string
	Symbol   string
	Side     Side
	Qty      float64
	Price    float64
	FilledAt time.Time
}

// TradeOutcome is the realized result of closing all or part of a position.
// Fraction is the share of the original quantity this close represents.
type TradeOutcome struct {
	Symbol   string
	Side     Side
	PnL      float64
	Fraction float64
	Final    bool
	ClosedAt time.Time
}

// Win reports whether the realized leg was profitable.
func (o TradeOutcome) Win() bool { return o.PnL > 0 }
