package indicator

import (
	"time"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

// Value is a tagged indicator reading. A zero Value means "warming up";
// callers must treat it as neutral, never as a numeric zero reading.
type Value struct {
	Ready bool
	V     float64
}

func ready(v float64) Value { return Value{Ready: true, V: v} }

func warmingUp() Value { return Value{} }

// Or returns the reading when ready, def otherwise.
func (v Value) Or(def float64) float64 {
	if v.Ready {
		return v.V
	}
	return def
}

// Snapshot is the full derived state for one (symbol, timeframe) pair at one
// closed candle. Immutable after computation.
type Snapshot struct {
	Symbol    string
	Timeframe types.Timeframe
	CloseTime time.Time
	Close     float64

	EMAFast     Value
	EMASlow     Value
	EMAFilter   Value
	EMATrend    Value
	PrevEMAFast Value
	PrevEMASlow Value

	RSI        Value
	RSIBullDiv bool
	RSIBearDiv bool

	MACDLine   Value
	MACDSignal Value
	MACDHist   Value

	ADX Value

	Supertrend    Value
	SupertrendDir int // +1 bullish, -1 bearish; meaningful only when Supertrend.Ready

	BBUpper    Value
	BBBasis    Value
	BBLower    Value
	BBWidthPct Value

	Choppiness Value
	RangePct   Value // high-low range as % of mid price over the sideways window

	Volume   float64
	VolumeMA Value
	VolumeZ  Value

	ATR Value

	HighestHigh Value // S/R lookback extremes
	LowestLow   Value
}

// EMABullishCrossover reports a fast-over-slow cross on this candle.
func (s *Snapshot) EMABullishCrossover() bool {
	if !s.EMAFast.Ready || !s.EMASlow.Ready || !s.PrevEMAFast.Ready || !s.PrevEMASlow.Ready {
		return false
	}
	return s.PrevEMAFast.V <= s.PrevEMASlow.V && s.EMAFast.V > s.EMASlow.V
}

// EMABearishCrossover reports a fast-under-slow cross on this candle.
func (s *Snapshot) EMABearishCrossover() bool {
	if !s.EMAFast.Ready || !s.EMASlow.Ready || !s.PrevEMAFast.Ready || !s.PrevEMASlow.Ready {
		return false
	}
	return s.PrevEMAFast.V >= s.PrevEMASlow.V && s.EMAFast.V < s.EMASlow.V
}

// StrongBullTrend: price and both fast/slow EMAs above the filter EMA.
func (s *Snapshot) StrongBullTrend() bool {
	if !s.EMAFast.Ready || !s.EMASlow.Ready || !s.EMAFilter.Ready {
		return false
	}
	return s.Close > s.EMAFilter.V && s.EMAFast.V > s.EMAFilter.V && s.EMASlow.V > s.EMAFilter.V
}

// StrongBearTrend: price and both fast/slow EMAs below the filter EMA.
func (s *Snapshot) StrongBearTrend() bool {
	if !s.EMAFast.Ready || !s.EMASlow.Ready || !s.EMAFilter.Ready {
		return false
	}
	return s.Close < s.EMAFilter.V && s.EMAFast.V < s.EMAFilter.V && s.EMASlow.V < s.EMAFilter.V
}

func (s *Snapshot) AboveTrendEMA() bool { return s.EMATrend.Ready && s.Close > s.EMATrend.V }
func (s *Snapshot) BelowTrendEMA() bool { return s.EMATrend.Ready && s.Close < s.EMATrend.V }

// CoreReady gates signal evaluation on the indicators every setup requires.
func (s *Snapshot) CoreReady() bool {
	return s.EMAFast.Ready && s.EMASlow.Ready && s.EMAFilter.Ready &&
		s.RSI.Ready && s.MACDLine.Ready && s.ATR.Ready
}
