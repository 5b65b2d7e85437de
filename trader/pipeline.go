package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/executor"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/feed"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/indicator"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/logger"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/metrics"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/position"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/risk"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/signal"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

// priceMarker is implemented by simulated executors that need the current
// price to fill orders.
type priceMarker interface {
	MarkPrice(symbol string, price float64)
}

// Pipeline drives one symbol: indicator engines per timeframe, signal fusion,
// multi-timeframe confirmation and the position machine. All processing is
// strictly sequential; exactly one goroutine calls HandleEvent.
type Pipeline struct {
	symbol    string
	primaryTF types.Timeframe
	cfg       *config.Config
	log       logger.Logger

	engine      *indicator.Engine
	higher      map[types.Timeframe]*indicator.Engine
	higherSnaps map[types.Timeframe]*indicator.Snapshot

	fuser   *signal.Fuser
	news    *signal.NewsFilter
	machine *position.Machine
	sizing  *risk.Controller
	exec    executor.Executor
	backfil *feed.Backfiller

	recent      []types.Candle // last few primary bars for pattern detection
	lastCloseAt time.Time      // cooldown anchor, set on final outcomes
}

// NewPipeline wires the per-symbol components. The news filter and sizing
// controller are shared across pipelines; everything else is owned.
func NewPipeline(symbol string, cfg *config.Config, exec executor.Executor,
	sizing *risk.Controller, news *signal.NewsFilter, backfil *feed.Backfiller,
	log logger.Logger) (*Pipeline, error) {

	if log == nil {
		log = logger.Nop()
	}
	primaryTF := types.Timeframe(cfg.Timeframe)
	params := indicator.ParamsFromConfig(cfg)

	engine, err := indicator.NewEngine(symbol, primaryTF, params)
	if err != nil {
		return nil, fmt.Errorf("primary engine %s: %w", symbol, err)
	}
	p := &Pipeline{
		symbol:      symbol,
		primaryTF:   primaryTF,
		cfg:         cfg,
		log:         log,
		engine:      engine,
		higher:      make(map[types.Timeframe]*indicator.Engine),
		higherSnaps: make(map[types.Timeframe]*indicator.Snapshot),
		fuser:       signal.NewFuser(cfg),
		news:        news,
		machine:     position.NewMachine(symbol, cfg, exec, log),
		sizing:      sizing,
		exec:        exec,
		backfil:     backfil,
	}
	if cfg.MTF.Enabled {
		for _, tf := range cfg.MTF.HigherTimeframes {
			he, err := indicator.NewEngine(symbol, types.Timeframe(tf), params)
			if err != nil {
				return nil, fmt.Errorf("higher engine %s/%s: %w", symbol, tf, err)
			}
			p.higher[types.Timeframe(tf)] = he
		}
	}
	return p, nil
}

// Timeframes lists every interval this pipeline consumes.
func (p *Pipeline) Timeframes() []types.Timeframe {
	out := []types.Timeframe{p.primaryTF}
	for tf := range p.higher {
		out = append(out, tf)
	}
	return out
}

// Warmup replays historical klines through every engine so indicators are
// ready before live candles arrive.
func (p *Pipeline) Warmup(ctx context.Context) error {
	if p.backfil == nil {
		return nil
	}
	if err := p.warmupEngine(ctx, p.engine, p.primaryTF, true); err != nil {
		return err
	}
	for tf, eng := range p.higher {
		if err := p.warmupEngine(ctx, eng, tf, false); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) warmupEngine(ctx context.Context, eng *indicator.Engine, tf types.Timeframe, primary bool) error {
	limit := eng.WarmupTarget() + 50
	candles, err := p.backfil.Klines(ctx, p.symbol, tf, limit)
	if err != nil {
		return fmt.Errorf("backfill %s/%s: %w", p.symbol, tf, err)
	}
	for _, c := range candles {
		snap, err := eng.Update(c)
		if err != nil {
			return fmt.Errorf("replay %s/%s: %w", p.symbol, tf, err)
		}
		if primary {
			p.trackRecent(c)
		} else {
			p.higherSnaps[tf] = snap
		}
	}
	p.log.Info("warmup complete",
		logger.String("symbol", p.symbol),
		logger.String("timeframe", string(tf)),
		logger.Int("candles", len(candles)))
	return nil
}

// HandleEvent routes one feed event. Candle events advance the matching
// engine; gap events reset it and re-warm from history.
func (p *Pipeline) HandleEvent(ctx context.Context, ev feed.Event) {
	switch ev.Type {
	case feed.EventGap:
		p.onGap(ctx, ev.Timeframe)
	case feed.EventCandle:
		if ev.Timeframe == p.primaryTF {
			p.onPrimary(ctx, ev.Candle)
		} else if _, ok := p.higher[ev.Timeframe]; ok {
			p.onHigher(ctx, ev.Candle)
		}
	}
}

func (p *Pipeline) onGap(ctx context.Context, tf types.Timeframe) {
	p.log.Warn("stream gap, rebuilding indicator state",
		logger.String("symbol", p.symbol),
		logger.String("timeframe", string(tf)))

	if tf == p.primaryTF {
		p.engine.Reset()
		p.recent = p.recent[:0]
		if p.backfil != nil {
			if err := p.warmupEngine(ctx, p.engine, tf, true); err != nil {
				p.log.Error("re-warm failed", logger.String("symbol", p.symbol), logger.Err(err))
			}
		}
		return
	}
	if eng, ok := p.higher[tf]; ok {
		eng.Reset()
		delete(p.higherSnaps, tf)
		if p.backfil != nil {
			if err := p.warmupEngine(ctx, eng, tf, false); err != nil {
				p.log.Error("re-warm failed", logger.String("symbol", p.symbol), logger.Err(err))
			}
		}
	}
}

func (p *Pipeline) onHigher(ctx context.Context, c types.Candle) {
	eng := p.higher[c.Timeframe]
	snap, err := eng.Update(c)
	if err != nil {
		p.rejectCandle(c, err)
		return
	}
	metrics.CandlesProcessed.WithLabelValues(p.symbol, string(c.Timeframe)).Inc()
	p.higherSnaps[c.Timeframe] = snap
}

func (p *Pipeline) onPrimary(ctx context.Context, c types.Candle) {
	snap, err := p.engine.Update(c)
	if err != nil {
		p.rejectCandle(c, err)
		return
	}
	metrics.CandlesProcessed.WithLabelValues(p.symbol, string(c.Timeframe)).Inc()
	p.trackRecent(c)

	if mk, ok := p.exec.(priceMarker); ok {
		mk.MarkPrice(p.symbol, c.Close)
	}

	pats := signal.DetectPatterns(p.recent)
	sr := signal.SRFromSnapshot(snap, p.cfg.SR.TolerancePct)
	blackout := p.news != nil && p.news.IsBlackout(c.CloseTime)

	vote := p.fuser.Fuse(snap, pats, sr, blackout)
	confirmed := vote
	if p.cfg.MTF.Enabled {
		confirmed = signal.Confirm(vote, p.higherVotes())
	}
	metrics.Votes.WithLabelValues(p.symbol, string(confirmed.Direction)).Inc()
	p.logDecision(c, confirmed, vote)

	// An open position is managed first; the raw (pre-confirmation) vote
	// drives reversal exits so a turning market closes the trade even when
	// higher timeframes lag.
	if p.machine.State() != position.Flat {
		reversal := p.isReversal(vote)
		outcomes, err := p.machine.OnCandle(ctx, snap, reversal)
		if err != nil {
			p.log.Error("position update failed",
				logger.String("symbol", p.symbol),
				logger.Err(err))
		}
		for _, out := range outcomes {
			p.sizing.RecordOutcome(out)
			if out.Final {
				p.lastCloseAt = c.CloseTime
			}
		}
		return
	}

	if confirmed.Direction == signal.None {
		return
	}
	if !p.cooldownPassed(c.CloseTime) {
		p.log.Info("entry skipped by cooldown", logger.String("symbol", p.symbol))
		return
	}
	p.enter(ctx, confirmed, snap)
}

func (p *Pipeline) enter(ctx context.Context, vote signal.Vote, snap *indicator.Snapshot) {
	if !snap.ATR.Ready {
		return
	}
	side := types.Long
	if vote.Direction == signal.Short {
		side = types.Short
	}

	balance, err := p.exec.Balance(ctx)
	if err != nil {
		p.log.Error("balance query failed", logger.String("symbol", p.symbol), logger.Err(err))
		return
	}
	size, err := p.sizing.NextEntrySize(p.symbol, balance, snap.Close)
	if err != nil {
		if errors.Is(err, risk.ErrOrderTooSmall) {
			p.log.Warn("entry below venue minimum", logger.String("symbol", p.symbol), logger.Err(err))
		} else {
			p.log.Error("sizing failed", logger.String("symbol", p.symbol), logger.Err(err))
		}
		return
	}

	if err := p.machine.Enter(ctx, side, snap.Close, snap.ATR.V, size); err != nil {
		p.log.Error("entry failed",
			logger.String("symbol", p.symbol),
			logger.String("side", string(side)),
			logger.Err(err))
	}
}

// isReversal reports a counter-signal against the open position.
func (p *Pipeline) isReversal(vote signal.Vote) bool {
	pos := p.machine.Position()
	if pos == nil {
		return false
	}
	return (pos.Side == types.Long && vote.Direction == signal.Short) ||
		(pos.Side == types.Short && vote.Direction == signal.Long)
}

func (p *Pipeline) cooldownPassed(now time.Time) bool {
	if p.lastCloseAt.IsZero() {
		return true
	}
	cooldown := time.Duration(p.cfg.Strategy.TradeCooldownSec) * time.Second
	return now.Sub(p.lastCloseAt) >= cooldown
}

func (p *Pipeline) higherVotes() []signal.Vote {
	votes := make([]signal.Vote, 0, len(p.higher))
	for tf := range p.higher {
		snap, ok := p.higherSnaps[tf]
		if !ok {
			votes = append(votes, signal.Vote{Symbol: p.symbol, Direction: signal.None, WarmingUp: true})
			continue
		}
		votes = append(votes, signal.TrendVote(snap))
	}
	return votes
}

func (p *Pipeline) rejectCandle(c types.Candle, err error) {
	reason := "invalid"
	switch {
	case errors.Is(err, indicator.ErrDuplicate):
		reason = "duplicate"
	case errors.Is(err, indicator.ErrOutOfOrder):
		reason = "out_of_order"
	case errors.Is(err, indicator.ErrNotClosed):
		reason = "not_closed"
	}
	metrics.CandlesRejected.WithLabelValues(p.symbol, reason).Inc()
	p.log.Warn("candle rejected",
		logger.String("symbol", p.symbol),
		logger.String("timeframe", string(c.Timeframe)),
		logger.String("reason", reason),
		logger.Time("close_time", c.CloseTime))
}

func (p *Pipeline) logDecision(c types.Candle, confirmed, raw signal.Vote) {
	fields := []logger.Field{
		logger.String("symbol", p.symbol),
		logger.Time("close_time", c.CloseTime),
		logger.Float64("close", c.Close),
		logger.String("direction", string(confirmed.Direction)),
		logger.String("state", string(p.machine.State())),
	}
	if raw.Veto != "" {
		fields = append(fields, logger.String("veto", raw.Veto))
	} else if confirmed.Veto != "" {
		fields = append(fields, logger.String("veto", confirmed.Veto))
	}
	if confirmed.WarmingUp || raw.WarmingUp {
		fields = append(fields, logger.Bool("warming_up", true))
	}
	if confirmed.Direction != signal.None {
		fields = append(fields,
			logger.Float64("confidence", confirmed.Confidence),
			logger.Strings("contributors", confirmed.Contributors))
	}
	p.log.Info("decision", fields...)
}

func (p *Pipeline) trackRecent(c types.Candle) {
	p.recent = append(p.recent, c)
	if len(p.recent) > 3 {
		p.recent = p.recent[len(p.recent)-3:]
	}
}
