package trader

import (
	"context"
	"testing"
	"time"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/executor"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/feed"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/position"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/risk"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/signal"
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

func newTestPipeline(t *testing.T, cfg *config.Config, ex executor.Executor) *Pipeline {
	t.Helper()
	p, err := NewPipeline("BTCUSDT", cfg, ex, risk.NewController(cfg, nil),
		signal.NewNewsFilter(cfg.News), nil, testutils.NewMockLogger())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func candleAt(i int, open, closePx float64) types.Candle {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return types.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: "5",
		Open:      open,
		High:      closePx * 1.001,
		Low:       open * 0.999,
		Close:     closePx,
		Volume:    10,
		CloseTime: base.Add(time.Duration(i) * 5 * time.Minute),
		Closed:    true,
	}
}

func TestPipelineOpensLongInSteadyUptrend(t *testing.T) {
	cfg := testConfig(t)
	cfg.MTF.Enabled = false
	cfg.SR.Enabled = false
	cfg.Strategy.TradeCooldownSec = 0
	ex := executor.NewPaperExecutor(10_000, nil)
	p := newTestPipeline(t, cfg, ex)

	ctx := context.Background()
	price := 100.0
	opened := false
	for i := 0; i < p.engine.WarmupTarget()+50; i++ {
		open := price
		price *= 1.004
		p.HandleEvent(ctx, feed.Event{
			Type: feed.EventCandle, Symbol: "BTCUSDT", Timeframe: "5",
			Candle: candleAt(i, open, price),
		})
		if p.machine.State() == position.Open {
			opened = true
			break
		}
	}
	if !opened {
		t.Fatalf("no position opened in a steady uptrend; state=%v count=%d",
			p.machine.State(), p.engine.Count())
	}
	pos := p.machine.Position()
	if pos.Side != types.Long {
		t.Fatalf("side = %v, want Long", pos.Side)
	}
	if pos.Stop >= pos.EntryPrice || pos.TakeProfit <= pos.EntryPrice {
		t.Fatalf("protective levels inverted: %+v", pos)
	}
	if qty, _ := ex.Position("BTCUSDT"); qty != pos.Qty {
		t.Fatalf("executor qty %v != machine qty %v", qty, pos.Qty)
	}
}

func TestPipelineRejectsDuplicateAndOutOfOrder(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg, executor.NewPaperExecutor(1000, nil))
	ctx := context.Background()

	c1 := candleAt(1, 100, 101)
	c2 := candleAt(2, 101, 102)
	for _, c := range []types.Candle{c1, c2, c2, c1} {
		p.HandleEvent(ctx, feed.Event{Type: feed.EventCandle, Symbol: "BTCUSDT", Timeframe: "5", Candle: c})
	}
	if got := p.engine.Count(); got != 2 {
		t.Fatalf("engine accepted %d candles, want 2", got)
	}
}

func TestPipelineGapResetsEngine(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg, executor.NewPaperExecutor(1000, nil))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p.HandleEvent(ctx, feed.Event{
			Type: feed.EventCandle, Symbol: "BTCUSDT", Timeframe: "5",
			Candle: candleAt(i, 100, 100.5),
		})
	}
	if p.engine.Count() == 0 {
		t.Fatalf("setup: no candles accepted")
	}

	p.HandleEvent(ctx, feed.Event{Type: feed.EventGap, Symbol: "BTCUSDT", Timeframe: "5"})
	if got := p.engine.Count(); got != 0 {
		t.Fatalf("engine count after gap = %d, want 0 (no backfiller)", got)
	}
}

func TestPipelineCooldown(t *testing.T) {
	cfg := testConfig(t)
	p := newTestPipeline(t, cfg, executor.NewPaperExecutor(1000, nil))

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if !p.cooldownPassed(now) {
		t.Fatalf("cooldown must pass with no prior trade")
	}
	p.lastCloseAt = now
	if p.cooldownPassed(now.Add(299 * time.Second)) {
		t.Fatalf("cooldown passed too early")
	}
	if !p.cooldownPassed(now.Add(300 * time.Second)) {
		t.Fatalf("cooldown must pass after the configured interval")
	}
}

func TestPipelineHigherVotesWarmingUpWhenNoSnapshot(t *testing.T) {
	cfg := testConfig(t) // MTF enabled by default with higher timeframe 60
	p := newTestPipeline(t, cfg, executor.NewPaperExecutor(1000, nil))

	votes := p.higherVotes()
	if len(votes) != 1 || !votes[0].WarmingUp {
		t.Fatalf("votes = %+v, want one warming-up vote", votes)
	}

	// A processed higher-timeframe candle replaces the placeholder.
	c := candleAt(0, 100, 101)
	c.Timeframe = "60"
	p.HandleEvent(context.Background(), feed.Event{Type: feed.EventCandle, Symbol: "BTCUSDT", Timeframe: "60", Candle: c})
	votes = p.higherVotes()
	if len(votes) != 1 || !votes[0].WarmingUp {
		// One candle is not enough for EMAs: still warming up, but now derived
		// from a real snapshot.
		t.Fatalf("votes = %+v", votes)
	}
}

func TestTraderTimeframesUnion(t *testing.T) {
	cfg := testConfig(t)
	cfg.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	tr, err := New(cfg, executor.NewPaperExecutor(1000, nil), nil, risk.NewController(cfg, nil), testutils.NewMockLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tfs := tr.Timeframes()
	seen := map[types.Timeframe]bool{}
	for _, tf := range tfs {
		seen[tf] = true
	}
	if !seen["5"] || !seen["60"] || len(tfs) != 2 {
		t.Fatalf("timeframes = %v, want [5 60]", tfs)
	}
}
