package indicator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

// Data-fault sentinels. Rejected candles never mutate engine state, so the
// caller can decide whether to resync or drop the input.
var (
	ErrNotClosed  = errors.New("indicator: candle is not closed")
	ErrDuplicate  = errors.New("indicator: duplicate candle")
	ErrOutOfOrder = errors.New("indicator: out-of-order candle")
)

// Params collects every lookback the engine needs. Built from the application
// config so the engine package stays decoupled from YAML concerns.
type Params struct {
	EMAFast   int
	EMASlow   int
	EMAFilter int
	EMATrend  int

	RSIPeriod          int
	UseDivergence      bool
	DivergenceLookback int

	MACDFast   int
	MACDSlow   int
	MACDSignal int

	ADXPeriod int

	SupertrendPeriod int
	SupertrendMult   float64

	BBPeriod int
	BBStdDev float64

	ChopPeriod     int
	SidewaysPeriod int

	VolumePeriod int
	ATRPeriod    int
	SRLookback   int

	// Window caps the rolling history; must cover the longest lookback.
	Window int
}

// ParamsFromConfig maps the application config onto engine lookbacks.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		EMAFast:            cfg.Trend.EMAFast,
		EMASlow:            cfg.Trend.EMASlow,
		EMAFilter:          cfg.Trend.EMAFilter,
		EMATrend:           cfg.Trend.EMATrend,
		RSIPeriod:          cfg.RSI.Period,
		UseDivergence:      cfg.RSI.UseDivergence,
		DivergenceLookback: cfg.RSI.DivergenceLookback,
		MACDFast:           cfg.MACD.FastPeriod,
		MACDSlow:           cfg.MACD.SlowPeriod,
		MACDSignal:         cfg.MACD.SignalPeriod,
		ADXPeriod:          cfg.Trend.ADXPeriod,
		SupertrendPeriod:   cfg.Supertrend.ATRPeriod,
		SupertrendMult:     cfg.Supertrend.Multiplier,
		BBPeriod:           cfg.Bollinger.Period,
		BBStdDev:           cfg.Bollinger.StdDev,
		ChopPeriod:         cfg.MarketConditions.ChopPeriod,
		SidewaysPeriod:     cfg.MarketConditions.SidewaysPeriod,
		VolumePeriod:       cfg.Volume.Period,
		ATRPeriod:          cfg.Risk.ATRPeriod,
		SRLookback:         cfg.SR.Lookback,
		Window:             500,
	}
}

// Engine owns the rolling OHLCV window for a single (symbol, timeframe) pair
// and derives a Snapshot on every accepted closed candle. It is not safe for
// concurrent use; each pipeline owns its engines exclusively.
type Engine struct {
	symbol string
	tf     types.Timeframe
	p      Params

	highs   []float64
	lows    []float64
	closes  []float64
	volumes []float64

	count    int // total accepted candles, monotonic even after trimming
	lastTime time.Time

	st supertrendState
}

// NewEngine validates the parameters and returns an empty engine.
func NewEngine(symbol string, tf types.Timeframe, p Params) (*Engine, error) {
	if p.Window <= 0 {
		p.Window = 500
	}
	longest := p.longestLookback()
	if p.Window < longest {
		return nil, fmt.Errorf("indicator: window %d shorter than longest lookback %d", p.Window, longest)
	}
	return &Engine{symbol: symbol, tf: tf, p: p, st: newSupertrendState(p.SupertrendPeriod, p.SupertrendMult)}, nil
}

func (p Params) longestLookback() int {
	longest := p.EMATrend
	for _, n := range []int{
		p.EMAFilter, p.MACDSlow + p.MACDSignal, 2 * p.ADXPeriod,
		p.SupertrendPeriod + 1, p.BBPeriod, p.ChopPeriod + 1,
		p.SidewaysPeriod, p.VolumePeriod, p.ATRPeriod + 1, p.SRLookback,
	} {
		if n > longest {
			longest = n
		}
	}
	return longest
}

// WarmupTarget is the number of candles after which every indicator reports
// ready. Individual indicators become ready earlier.
func (e *Engine) WarmupTarget() int { return e.p.longestLookback() }

// Count returns the number of candles accepted so far.
func (e *Engine) Count() int { return e.count }

// Reset drops all rolling state, e.g. after a detected feed gap.
func (e *Engine) Reset() {
	e.highs = e.highs[:0]
	e.lows = e.lows[:0]
	e.closes = e.closes[:0]
	e.volumes = e.volumes[:0]
	e.count = 0
	e.lastTime = time.Time{}
	e.st = newSupertrendState(e.p.SupertrendPeriod, e.p.SupertrendMult)
}

// Update accepts the next closed candle for this pair and returns the derived
// snapshot. The candle must be strictly later than the last accepted one;
// duplicates and reordering are rejected without mutating any state.
func (e *Engine) Update(c types.Candle) (*Snapshot, error) {
	if !c.Closed {
		return nil, ErrNotClosed
	}
	if c.Symbol != e.symbol || c.Timeframe != e.tf {
		return nil, fmt.Errorf("indicator: candle %s/%s routed to engine %s/%s",
			c.Symbol, c.Timeframe, e.symbol, e.tf)
	}
	if !e.lastTime.IsZero() {
		if c.CloseTime.Equal(e.lastTime) {
			return nil, ErrDuplicate
		}
		if c.CloseTime.Before(e.lastTime) {
			return nil, ErrOutOfOrder
		}
	}

	e.highs = appendCapped(e.highs, c.High, e.p.Window)
	e.lows = appendCapped(e.lows, c.Low, e.p.Window)
	e.closes = appendCapped(e.closes, c.Close, e.p.Window)
	e.volumes = appendCapped(e.volumes, c.Volume, e.p.Window)
	e.count++
	e.lastTime = c.CloseTime

	snap := &Snapshot{
		Symbol:    e.symbol,
		Timeframe: e.tf,
		CloseTime: c.CloseTime,
		Close:     c.Close,
		Volume:    c.Volume,
	}
	e.computeEMAs(snap)
	e.computeRSI(snap)
	e.computeMACD(snap)
	e.computeADX(snap)
	e.computeATR(snap)
	e.computeBollinger(snap)
	e.computeChoppiness(snap)
	e.computeVolume(snap)
	e.computeSR(snap)
	e.st.update(e.highs, e.lows, e.closes, snap)
	return snap, nil
}

func appendCapped(s []float64, v float64, limit int) []float64 {
	s = append(s, v)
	if len(s) > limit {
		copy(s, s[len(s)-limit:])
		s = s[:limit]
	}
	return s
}

func (e *Engine) computeEMAs(snap *Snapshot) {
	n := len(e.closes)
	if e.count >= e.p.EMAFast {
		s := talib.Ema(e.closes, e.p.EMAFast)
		snap.EMAFast = ready(s[n-1])
		if e.count > e.p.EMAFast {
			snap.PrevEMAFast = ready(s[n-2])
		}
	}
	if e.count >= e.p.EMASlow {
		s := talib.Ema(e.closes, e.p.EMASlow)
		snap.EMASlow = ready(s[n-1])
		if e.count > e.p.EMASlow {
			snap.PrevEMASlow = ready(s[n-2])
		}
	}
	if e.count >= e.p.EMAFilter {
		snap.EMAFilter = ready(talib.Ema(e.closes, e.p.EMAFilter)[n-1])
	}
	if e.count >= e.p.EMATrend {
		snap.EMATrend = ready(talib.Ema(e.closes, e.p.EMATrend)[n-1])
	}
}

func (e *Engine) computeRSI(snap *Snapshot) {
	if e.count < e.p.RSIPeriod+1 {
		return
	}
	series := talib.Rsi(e.closes, e.p.RSIPeriod)
	snap.RSI = ready(series[len(series)-1])
	if e.p.UseDivergence {
		lb := e.p.DivergenceLookback
		if len(series) > 2*lb+1 {
			snap.RSIBullDiv, snap.RSIBearDiv = detectDivergence(e.highs, e.lows, series, e.p.RSIPeriod, lb)
		}
	}
}

func (e *Engine) computeMACD(snap *Snapshot) {
	if e.count < e.p.MACDSlow+e.p.MACDSignal {
		return
	}
	line, sig, hist := talib.Macd(e.closes, e.p.MACDFast, e.p.MACDSlow, e.p.MACDSignal)
	last := len(line) - 1
	snap.MACDLine = ready(line[last])
	snap.MACDSignal = ready(sig[last])
	snap.MACDHist = ready(hist[last])
}

func (e *Engine) computeADX(snap *Snapshot) {
	if e.count < 2*e.p.ADXPeriod {
		return
	}
	series := talib.Adx(e.highs, e.lows, e.closes, e.p.ADXPeriod)
	snap.ADX = ready(series[len(series)-1])
}

func (e *Engine) computeATR(snap *Snapshot) {
	if e.count < e.p.ATRPeriod+1 {
		return
	}
	series := talib.Atr(e.highs, e.lows, e.closes, e.p.ATRPeriod)
	snap.ATR = ready(series[len(series)-1])
}

func (e *Engine) computeBollinger(snap *Snapshot) {
	if e.count < e.p.BBPeriod {
		return
	}
	upper, basis, lower := talib.BBands(e.closes, e.p.BBPeriod, e.p.BBStdDev, e.p.BBStdDev, talib.SMA)
	last := len(basis) - 1
	snap.BBUpper = ready(upper[last])
	snap.BBBasis = ready(basis[last])
	snap.BBLower = ready(lower[last])
	if basis[last] != 0 {
		snap.BBWidthPct = ready((upper[last] - lower[last]) / basis[last] * 100)
	}
}

// Choppiness Index: 100*log10(sum(TR1,n)/(HH-LL))/log10(n). Values above the
// configured threshold mark a ranging market.
func (e *Engine) computeChoppiness(snap *Snapshot) {
	n := len(e.closes)
	p := e.p.ChopPeriod
	if e.count >= p+1 {
		trSum := 0.0
		for i := n - p; i < n; i++ {
			tr := e.highs[i] - e.lows[i]
			if i > 0 {
				tr = math.Max(tr, math.Max(
					math.Abs(e.highs[i]-e.closes[i-1]),
					math.Abs(e.lows[i]-e.closes[i-1])))
			}
			trSum += tr
		}
		hh := maxOf(e.highs[n-p:])
		ll := minOf(e.lows[n-p:])
		if hlRange := hh - ll; hlRange > 0 {
			snap.Choppiness = ready(100 * math.Log10(trSum/hlRange) / math.Log10(float64(p)))
		} else {
			snap.Choppiness = ready(50)
		}
	}

	sp := e.p.SidewaysPeriod
	if e.count >= sp {
		hh := maxOf(e.highs[n-sp:])
		ll := minOf(e.lows[n-sp:])
		if mid := (hh + ll) / 2; mid > 0 {
			snap.RangePct = ready((hh - ll) / mid * 100)
		}
	}
}

func (e *Engine) computeVolume(snap *Snapshot) {
	if e.count < e.p.VolumePeriod {
		return
	}
	n := len(e.volumes)
	window := e.volumes[n-e.p.VolumePeriod:]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(len(window))
	snap.VolumeMA = ready(mean)

	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(window)))
	if std > 0 {
		snap.VolumeZ = ready((e.volumes[n-1] - mean) / std)
	} else {
		snap.VolumeZ = ready(0)
	}
}

func (e *Engine) computeSR(snap *Snapshot) {
	n := len(e.highs)
	lb := e.p.SRLookback
	if n < lb {
		lb = n
	}
	if lb == 0 {
		return
	}
	snap.HighestHigh = ready(maxOf(e.highs[n-lb:]))
	snap.LowestLow = ready(minOf(e.lows[n-lb:]))
}

func maxOf(s []float64) float64 {
	m := s[0]
	for _, v := range s[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(s []float64) float64 {
	m := s[0]
	for _, v := range s[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
