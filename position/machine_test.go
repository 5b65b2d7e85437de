package position

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/indicator"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/metrics"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/risk"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/testutils"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("DRY_RUN", "true")
	cfg, err := config.Load("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func snapAt(price, atr float64) *indicator.Snapshot {
	return &indicator.Snapshot{
		Symbol:    "BTCUSDT",
		Close:     price,
		CloseTime: time.Now().UTC(),
		ATR:       indicator.Value{Ready: true, V: atr},
	}
}

func openLong(t *testing.T, cfg *config.Config, ex *testutils.MockExecutor) *Machine {
	t.Helper()
	m := NewMachine("BTCUSDT", cfg, ex, nil)
	err := m.Enter(context.Background(), types.Long, 100, 2, risk.EntrySize{Qty: 1, Leverage: 5})
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if m.State() != Open {
		t.Fatalf("state after entry = %v", m.State())
	}
	return m
}

func TestEnterComputesProtectiveLevels(t *testing.T) {
	// Entry 100, ATR 2: stop = 100 - 1.5*2 = 97, TP = 100 + 3*2 = 106.
	ex := testutils.NewMockExecutor(1000, 100)
	m := openLong(t, testConfig(t), ex)

	pos := m.Position()
	if pos.Stop != 97 {
		t.Fatalf("stop = %v, want 97", pos.Stop)
	}
	if pos.TakeProfit != 106 {
		t.Fatalf("take profit = %v, want 106", pos.TakeProfit)
	}
	if pos.TP1Price != 103 || pos.TP2Price != 105 {
		t.Fatalf("tp1/tp2 = %v/%v, want 103/105", pos.TP1Price, pos.TP2Price)
	}

	entries := ex.CallsTo("PlaceEntry")
	if len(entries) != 1 || entries[0].StopLoss != 97 || entries[0].TakeProfit != 106 {
		t.Fatalf("entry intent levels: %+v", entries)
	}
	if levs := ex.CallsTo("SetLeverage"); len(levs) != 1 || levs[0].Leverage != 5 {
		t.Fatalf("leverage calls: %+v", levs)
	}
}

func TestEnterRejectedRevertsToFlat(t *testing.T) {
	ex := testutils.NewMockExecutor(1000, 100)
	ex.Fail["PlaceEntry"] = errors.New("venue down")
	m := NewMachine("BTCUSDT", testConfig(t), ex, nil)

	err := m.Enter(context.Background(), types.Long, 100, 2, risk.EntrySize{Qty: 1, Leverage: 5})
	if err == nil {
		t.Fatalf("expected entry failure")
	}
	if m.State() != Flat || m.Position() != nil {
		t.Fatalf("machine must resolve to Flat, state=%v", m.State())
	}

	// A rejected entry leaves the machine usable for the next signal.
	ex.Fail = map[string]error{}
	if err := m.Enter(context.Background(), types.Long, 100, 2, risk.EntrySize{Qty: 1, Leverage: 5}); err != nil {
		t.Fatalf("re-entry after reject: %v", err)
	}
}

func TestEnterWhileNotFlat(t *testing.T) {
	ex := testutils.NewMockExecutor(1000, 100)
	m := openLong(t, testConfig(t), ex)
	err := m.Enter(context.Background(), types.Short, 100, 2, risk.EntrySize{Qty: 1, Leverage: 5})
	if !errors.Is(err, ErrNotFlat) {
		t.Fatalf("err = %v, want ErrNotFlat", err)
	}
}

func TestBreakevenMovesStopToEntryExactlyOnce(t *testing.T) {
	// Trigger = entry + 1.5*ATR = 103. Default trailing at 1.2*ATR would put
	// the stop at 103.6-2.4=101.2 on the same candle; disable trailing to
	// observe the breakeven level itself.
	cfg := testConfig(t)
	cfg.Risk.UseTrailingStop = false
	cfg.Profit.UsePartialProfits = false
	ex := testutils.NewMockExecutor(1000, 100)
	m := openLong(t, cfg, ex)

	if _, err := m.OnCandle(context.Background(), snapAt(103.6, 2), false); err != nil {
		t.Fatalf("OnCandle: %v", err)
	}
	pos := m.Position()
	if pos.Stop != 100 || !pos.Breakeven {
		t.Fatalf("stop = %v breakeven=%v, want 100 true", pos.Stop, pos.Breakeven)
	}

	// Further favorable candles must not touch the stop again.
	if _, err := m.OnCandle(context.Background(), snapAt(104.5, 2), false); err != nil {
		t.Fatalf("OnCandle: %v", err)
	}
	if calls := ex.CallsTo("SetProtection"); len(calls) != 1 {
		t.Fatalf("SetProtection called %d times, want 1", len(calls))
	}
}

func TestBreakevenNotAppliedWhenPushFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Risk.UseTrailingStop = false
	cfg.Profit.UsePartialProfits = false
	ex := testutils.NewMockExecutor(1000, 100)
	m := openLong(t, cfg, ex)

	ex.Fail["SetProtection"] = errors.New("venue down")
	if _, err := m.OnCandle(context.Background(), snapAt(103.6, 2), false); err == nil {
		t.Fatalf("expected error from failed protection push")
	}
	pos := m.Position()
	if pos.Stop != 97 || pos.Breakeven {
		t.Fatalf("stop advanced without venue ack: %+v", pos)
	}

	// Next candle retries and succeeds.
	ex.Fail = map[string]error{}
	if _, err := m.OnCandle(context.Background(), snapAt(103.7, 2), false); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if pos := m.Position(); pos.Stop != 100 {
		t.Fatalf("stop after retry = %v, want 100", pos.Stop)
	}
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	cfg := testConfig(t)
	cfg.Risk.UseBreakeven = false
	cfg.Profit.UsePartialProfits = false
	ex := testutils.NewMockExecutor(1000, 100)
	m := openLong(t, cfg, ex)

	// Best 102, trail = 102 - 1.2*2 = 99.6.
	if _, err := m.OnCandle(context.Background(), snapAt(102, 2), false); err != nil {
		t.Fatalf("OnCandle: %v", err)
	}
	stop1 := m.Position().Stop
	if stop1 != 99.6 {
		t.Fatalf("trail stop = %v, want 99.6", stop1)
	}

	// Price falls back but stays above the stop: best price is unchanged, the
	// stop must not regress.
	if _, err := m.OnCandle(context.Background(), snapAt(100.5, 2), false); err != nil {
		t.Fatalf("OnCandle: %v", err)
	}
	if got := m.Position().Stop; got != stop1 {
		t.Fatalf("stop regressed from %v to %v", stop1, got)
	}

	// New best advances the stop again.
	if _, err := m.OnCandle(context.Background(), snapAt(104, 2), false); err != nil {
		t.Fatalf("OnCandle: %v", err)
	}
	if got := m.Position().Stop; got != 104-2.4 {
		t.Fatalf("stop = %v, want %v", got, 104-2.4)
	}
}

func TestPartialProfitsLadder(t *testing.T) {
	// TP1 at 103 closes 50% of 1.0; TP2 at 105 closes 50% of the remainder.
	cfg := testConfig(t)
	cfg.Risk.UseBreakeven = false
	cfg.Risk.UseTrailingStop = false
	ex := testutils.NewMockExecutor(1000, 100)
	m := openLong(t, cfg, ex)

	ex.Price = 103
	outs, err := m.OnCandle(context.Background(), snapAt(103, 2), false)
	if err != nil {
		t.Fatalf("tp1 candle: %v", err)
	}
	if len(outs) != 1 || outs[0].Final || outs[0].Fraction != 0.5 {
		t.Fatalf("tp1 outcomes: %+v", outs)
	}
	if m.State() != PartiallyClosed {
		t.Fatalf("state after tp1 = %v", m.State())
	}
	if qty := m.Position().Qty; qty != 0.5 {
		t.Fatalf("remaining qty = %v, want 0.5", qty)
	}

	ex.Price = 105
	outs, err = m.OnCandle(context.Background(), snapAt(105, 2), false)
	if err != nil {
		t.Fatalf("tp2 candle: %v", err)
	}
	if len(outs) != 1 || outs[0].Fraction != 0.25 {
		t.Fatalf("tp2 outcomes: %+v", outs)
	}
	if qty := m.Position().Qty; qty != 0.25 {
		t.Fatalf("remaining qty = %v, want 0.25", qty)
	}

	// TP1 and TP2 never fire twice.
	if outs, _ := m.OnCandle(context.Background(), snapAt(105.5, 2), false); len(outs) != 0 {
		t.Fatalf("repeat partials: %+v", outs)
	}
}

func TestStopTouchClosesAndEmitsFinalOutcome(t *testing.T) {
	cfg := testConfig(t)
	cfg.Profit.UsePartialProfits = false
	ex := testutils.NewMockExecutor(1000, 100)
	m := openLong(t, cfg, ex)

	ex.Price = 96.5
	outs, err := m.OnCandle(context.Background(), snapAt(96.5, 2), false)
	if err != nil {
		t.Fatalf("stop candle: %v", err)
	}
	if len(outs) != 1 || !outs[0].Final {
		t.Fatalf("outcomes: %+v", outs)
	}
	if outs[0].PnL >= 0 {
		t.Fatalf("stop-out PnL = %v, want negative", outs[0].PnL)
	}
	if m.State() != Flat || m.Position() != nil {
		t.Fatalf("machine not flat after stop-out: %v", m.State())
	}
}

func TestReversalExitClosesFullPosition(t *testing.T) {
	ex := testutils.NewMockExecutor(1000, 100)
	m := openLong(t, testConfig(t), ex)

	ex.Price = 101
	outs, err := m.OnCandle(context.Background(), snapAt(101, 2), true)
	if err != nil {
		t.Fatalf("reversal candle: %v", err)
	}
	if len(outs) != 1 || !outs[0].Final || outs[0].Fraction != 1 {
		t.Fatalf("outcomes: %+v", outs)
	}
	if m.State() != Flat {
		t.Fatalf("state = %v, want Flat", m.State())
	}
}

func TestFailedCloseRevertsState(t *testing.T) {
	cfg := testConfig(t)
	cfg.Profit.UsePartialProfits = false
	ex := testutils.NewMockExecutor(1000, 100)
	m := openLong(t, cfg, ex)

	ex.Fail["Close"] = errors.New("venue down")
	ex.Price = 96
	if _, err := m.OnCandle(context.Background(), snapAt(96, 2), false); err == nil {
		t.Fatalf("expected close failure")
	}
	if m.State() != Open {
		t.Fatalf("state after failed close = %v, want Open", m.State())
	}

	// Next candle retries the close.
	ex.Fail = map[string]error{}
	outs, err := m.OnCandle(context.Background(), snapAt(96, 2), false)
	if err != nil || len(outs) != 1 {
		t.Fatalf("retry close: outs=%+v err=%v", outs, err)
	}
	if m.State() != Flat {
		t.Fatalf("state = %v, want Flat", m.State())
	}
}

func TestShortSideLevels(t *testing.T) {
	cfg := testConfig(t)
	ex := testutils.NewMockExecutor(1000, 100)
	m := NewMachine("BTCUSDT", cfg, ex, nil)
	if err := m.Enter(context.Background(), types.Short, 100, 2, risk.EntrySize{Qty: 1, Leverage: 5}); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	pos := m.Position()
	if pos.Stop != 103 || pos.TakeProfit != 94 {
		t.Fatalf("short stop/tp = %v/%v, want 103/94", pos.Stop, pos.TakeProfit)
	}
	if pos.TP1Price != 97 || pos.TP2Price != 95 {
		t.Fatalf("short tp1/tp2 = %v/%v, want 97/95", pos.TP1Price, pos.TP2Price)
	}

	// Favorable short move books profit.
	ex.Price = 96.9
	outs, err := m.OnCandle(context.Background(), snapAt(96.9, 2), false)
	if err != nil {
		t.Fatalf("OnCandle: %v", err)
	}
	if len(outs) == 0 || outs[0].PnL <= 0 {
		t.Fatalf("short tp1 outcomes: %+v", outs)
	}
}

func TestBreakevenSkippedWhenTrailedStopIsTighter(t *testing.T) {
	// With the default multiples the trailing stop (1.2*ATR) passes entry
	// before the breakeven trigger (1.5*ATR) fires. Breakeven must then
	// latch without touching the stop; pulling it back to entry would
	// loosen protection.
	cfg := testConfig(t)
	cfg.Profit.UsePartialProfits = false
	ex := testutils.NewMockExecutor(1000, 100)
	m := openLong(t, cfg, ex)

	if _, err := m.OnCandle(context.Background(), snapAt(102.8, 2), false); err != nil {
		t.Fatalf("OnCandle: %v", err)
	}
	pos := m.Position()
	if math.Abs(pos.Stop-100.4) > 1e-9 {
		t.Fatalf("trailed stop = %v, want 100.4", pos.Stop)
	}

	if _, err := m.OnCandle(context.Background(), snapAt(103.1, 2), false); err != nil {
		t.Fatalf("OnCandle: %v", err)
	}
	pos = m.Position()
	if !pos.Breakeven {
		t.Fatalf("breakeven latch must set once the trigger is reached")
	}
	if math.Abs(pos.Stop-100.7) > 1e-9 {
		t.Fatalf("stop = %v, want 100.7", pos.Stop)
	}

	// The venue must never receive a loosening stop update.
	var last float64
	for _, c := range ex.CallsTo("SetProtection") {
		if c.StopLoss < last {
			t.Fatalf("stop pushed to venue regressed from %v to %v", last, c.StopLoss)
		}
		last = c.StopLoss
	}
}

func TestPartialConsumingFullQtyPassesThroughClosing(t *testing.T) {
	// Force the second partial to consume the whole remainder, as a venue
	// overfill would. Full consumption resolves through Closing like any
	// other full close.
	cfg := testConfig(t)
	cfg.Risk.UseTrailingStop = false
	cfg.Risk.UseBreakeven = false
	cfg.Profit.TP2Fraction = 1.0
	ex := testutils.NewMockExecutor(1000, 100)
	m := NewMachine("SOLUSDT", cfg, ex, nil)
	if err := m.Enter(context.Background(), types.Long, 100, 2, risk.EntrySize{Qty: 1, Leverage: 5}); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	before := testutil.ToFloat64(metrics.Transitions.WithLabelValues("SOLUSDT", string(Closing)))
	outs, err := m.OnCandle(context.Background(), snapAt(105.2, 2), false)
	if err != nil {
		t.Fatalf("OnCandle: %v", err)
	}
	if len(outs) != 2 || !outs[1].Final || outs[0].Final {
		t.Fatalf("outcomes = %+v, want tp1 partial then final tp2", outs)
	}
	if m.State() != Flat || m.Position() != nil {
		t.Fatalf("state = %v, want Flat with no position", m.State())
	}
	after := testutil.ToFloat64(metrics.Transitions.WithLabelValues("SOLUSDT", string(Closing)))
	if after-before != 1 {
		t.Fatalf("closing transitions = %v, want exactly one", after-before)
	}
}
