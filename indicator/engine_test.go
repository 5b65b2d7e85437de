package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

// Short lookbacks keep the warm-up scenarios small.
func testParams() Params {
	return Params{
		EMAFast:          3,
		EMASlow:          5,
		EMAFilter:        8,
		EMATrend:         10,
		RSIPeriod:        5,
		MACDFast:         3,
		MACDSlow:         6,
		MACDSignal:       3,
		ADXPeriod:        4,
		SupertrendPeriod: 4,
		SupertrendMult:   3,
		BBPeriod:         5,
		BBStdDev:         2,
		ChopPeriod:       5,
		SidewaysPeriod:   5,
		VolumePeriod:     5,
		ATRPeriod:        4,
		SRLookback:       5,
		Window:           50,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine("BTCUSDT", "5", testParams())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func mkCandle(i int, closePx float64) types.Candle {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return types.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: "5",
		Open:      closePx - 0.4,
		High:      closePx + 0.5,
		Low:       closePx - 0.8,
		Close:     closePx,
		Volume:    10,
		CloseTime: base.Add(time.Duration(i) * 5 * time.Minute),
		Closed:    true,
	}
}

func TestNewEngineRejectsShortWindow(t *testing.T) {
	p := testParams()
	p.Window = 5 // shorter than the EMA trend lookback
	if _, err := NewEngine("BTCUSDT", "5", p); err == nil {
		t.Fatalf("expected window validation error")
	}
}

func TestEngineRejectsBadCandles(t *testing.T) {
	e := newTestEngine(t)

	c0 := mkCandle(0, 100)
	if _, err := e.Update(c0); err != nil {
		t.Fatalf("first candle: %v", err)
	}
	c1 := mkCandle(1, 101)
	if _, err := e.Update(c1); err != nil {
		t.Fatalf("second candle: %v", err)
	}

	if _, err := e.Update(c1); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate: err = %v", err)
	}
	if _, err := e.Update(c0); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("out of order: err = %v", err)
	}
	open := mkCandle(2, 102)
	open.Closed = false
	if _, err := e.Update(open); !errors.Is(err, ErrNotClosed) {
		t.Fatalf("not closed: err = %v", err)
	}
	wrong := mkCandle(2, 102)
	wrong.Symbol = "ETHUSDT"
	if _, err := e.Update(wrong); err == nil {
		t.Fatalf("mismatched symbol accepted")
	}

	// Rejections must not mutate state.
	if got := e.Count(); got != 2 {
		t.Fatalf("count after rejections = %d, want 2", got)
	}
	if _, err := e.Update(mkCandle(2, 102)); err != nil {
		t.Fatalf("valid candle after rejections: %v", err)
	}
}

func TestEngineWarmupThresholds(t *testing.T) {
	e := newTestEngine(t)
	firstReady := map[string]int{}
	mark := func(name string, ok bool) {
		if ok {
			if _, seen := firstReady[name]; !seen {
				firstReady[name] = e.Count()
			}
		}
	}

	price := 100.0
	for i := 0; i < 15; i++ {
		price += 0.5
		snap, err := e.Update(mkCandle(i, price))
		if err != nil {
			t.Fatalf("candle %d: %v", i, err)
		}
		mark("ema_fast", snap.EMAFast.Ready)
		mark("rsi", snap.RSI.Ready)
		mark("atr", snap.ATR.Ready)
		mark("macd", snap.MACDLine.Ready)
		mark("adx", snap.ADX.Ready)
		mark("core", snap.CoreReady())
	}

	want := map[string]int{
		"ema_fast": 3, // period
		"rsi":      6, // period+1
		"atr":      5, // period+1
		"macd":     9, // slow+signal
		"adx":      8, // 2*period
		"core":     9, // slowest of the core set
	}
	for name, w := range want {
		if got := firstReady[name]; got != w {
			t.Fatalf("%s first ready at count %d, want %d", name, got, w)
		}
	}
	if target := e.WarmupTarget(); target != 10 {
		t.Fatalf("warmup target = %d, want 10", target)
	}
}

func TestEngineResetClearsState(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 12; i++ {
		if _, err := e.Update(mkCandle(i, 100+float64(i))); err != nil {
			t.Fatalf("candle %d: %v", i, err)
		}
	}
	e.Reset()
	if e.Count() != 0 {
		t.Fatalf("count after reset = %d", e.Count())
	}
	// An older candle is acceptable again after reset.
	snap, err := e.Update(mkCandle(0, 100))
	if err != nil {
		t.Fatalf("update after reset: %v", err)
	}
	if snap.EMAFast.Ready {
		t.Fatalf("indicators must restart warm-up after reset")
	}
}

func TestEngineChoppinessFlatRange(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 8; i++ {
		c := mkCandle(i, 100)
		c.Open, c.High, c.Low = 100, 100, 100
		if _, err := e.Update(c); err != nil {
			t.Fatalf("candle %d: %v", i, err)
		}
	}
	c := mkCandle(8, 100)
	c.Open, c.High, c.Low = 100, 100, 100
	snap, err := e.Update(c)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !snap.Choppiness.Ready || snap.Choppiness.V != 50 {
		t.Fatalf("flat-range choppiness = %+v, want ready 50", snap.Choppiness)
	}
}

func TestEngineSRExtremesAndVolume(t *testing.T) {
	e := newTestEngine(t)
	closes := []float64{100, 104, 99, 102, 101, 103}
	var snap *Snapshot
	var err error
	for i, px := range closes {
		if snap, err = e.Update(mkCandle(i, px)); err != nil {
			t.Fatalf("candle %d: %v", i, err)
		}
	}
	// Lookback 5 covers the last five bars: highs peak at 104+0.5, lows
	// bottom at 99-0.8.
	if !snap.HighestHigh.Ready || snap.HighestHigh.V != 104.5 {
		t.Fatalf("highest high = %+v", snap.HighestHigh)
	}
	if !snap.LowestLow.Ready || snap.LowestLow.V != 98.2 {
		t.Fatalf("lowest low = %+v", snap.LowestLow)
	}
	// Constant volume: mean 10, z-score 0.
	if !snap.VolumeMA.Ready || snap.VolumeMA.V != 10 {
		t.Fatalf("volume ma = %+v", snap.VolumeMA)
	}
	if !snap.VolumeZ.Ready || snap.VolumeZ.V != 0 {
		t.Fatalf("volume z = %+v", snap.VolumeZ)
	}
}

func TestSupertrendFollowsTrendAndFlips(t *testing.T) {
	p := testParams()
	p.SupertrendMult = 1.0
	e, err := NewEngine("BTCUSDT", "5", p)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	i := 0
	price := 100.0
	var snap *Snapshot
	for ; i < 12; i++ {
		price += 1
		if snap, err = e.Update(mkCandle(i, price)); err != nil {
			t.Fatalf("candle %d: %v", i, err)
		}
	}
	if !snap.Supertrend.Ready || snap.SupertrendDir != 1 {
		t.Fatalf("uptrend supertrend: %+v dir %d", snap.Supertrend, snap.SupertrendDir)
	}
	if snap.Supertrend.V >= snap.Close {
		t.Fatalf("bullish band %v must sit below price %v", snap.Supertrend.V, snap.Close)
	}

	// A sharp selloff crosses the ratcheted band and flips the direction.
	for j := 0; j < 6; j++ {
		price -= 5
		if snap, err = e.Update(mkCandle(i+j, price)); err != nil {
			t.Fatalf("crash candle %d: %v", j, err)
		}
	}
	if snap.SupertrendDir != -1 {
		t.Fatalf("direction after crash = %d, want -1", snap.SupertrendDir)
	}
	if snap.Supertrend.V <= snap.Close {
		t.Fatalf("bearish band %v must sit above price %v", snap.Supertrend.V, snap.Close)
	}
}

func TestDetectDivergence(t *testing.T) {
	flat := []float64{0, 0, 0, 0, 0}

	// Higher price high with a lower RSI high.
	highs := []float64{1, 5, 1, 6, 1}
	rsi := []float64{1, 70, 1, 60, 1}
	bull, bear := detectDivergence(highs, flat, rsi, 0, 1)
	if bull || !bear {
		t.Fatalf("bearish case: bull=%v bear=%v", bull, bear)
	}

	// Lower price low with a higher RSI low.
	lows := []float64{5, 2, 5, 1, 5}
	rsi = []float64{50, 30, 50, 35, 50}
	bull, bear = detectDivergence([]float64{10, 10, 10, 10, 10}, lows, rsi, 0, 1)
	if !bull || bear {
		t.Fatalf("bullish case: bull=%v bear=%v", bull, bear)
	}

	// Confirming moves (higher high with higher RSI) are not divergences.
	highs = []float64{1, 5, 1, 6, 1}
	rsi = []float64{1, 60, 1, 70, 1}
	bull, bear = detectDivergence(highs, flat, rsi, 0, 1)
	if bull || bear {
		t.Fatalf("confirming case: bull=%v bear=%v", bull, bear)
	}
}

func TestEngineDeterministicValues(t *testing.T) {
	// Closes rising by exactly 1 settle every SMA-seeded EMA at a lag of
	// (period-1)/2 behind price, keep every true range at 1.5 and make all
	// moves gains, so the final readings are hand-computable:
	//   EMA(3)=30-1, EMA(5)=30-2, EMA(8)=30-3.5, EMA(10)=30-4.5,
	//   MACD = EMA(3)-EMA(6) = 1.5 on every valid bar, signal 1.5, hist 0,
	//   RSI = 100, ATR = 1.5.
	e := newTestEngine(t)
	var snap *Snapshot
	var err error
	for i := 0; i < 30; i++ {
		if snap, err = e.Update(mkCandle(i, float64(i+1))); err != nil {
			t.Fatalf("candle %d: %v", i, err)
		}
	}

	checks := []struct {
		name string
		got  Value
		want float64
	}{
		{"ema_fast", snap.EMAFast, 29},
		{"prev_ema_fast", snap.PrevEMAFast, 28},
		{"ema_slow", snap.EMASlow, 28},
		{"ema_filter", snap.EMAFilter, 26.5},
		{"ema_trend", snap.EMATrend, 25.5},
		{"rsi", snap.RSI, 100},
		{"macd_line", snap.MACDLine, 1.5},
		{"macd_signal", snap.MACDSignal, 1.5},
		{"macd_hist", snap.MACDHist, 0},
		{"atr", snap.ATR, 1.5},
	}
	for _, c := range checks {
		if !c.got.Ready {
			t.Fatalf("%s not ready", c.name)
		}
		if math.Abs(c.got.V-c.want) > 1e-6 {
			t.Fatalf("%s = %v, want %v", c.name, c.got.V, c.want)
		}
	}
}
