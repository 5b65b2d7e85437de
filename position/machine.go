package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/executor"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/indicator"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/logger"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/metrics"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/risk"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

// State of the per-symbol position machine.
type State string

const (
	Flat            State = "FLAT"
	Entering        State = "ENTERING"
	Open            State = "OPEN"
	PartiallyClosed State = "PARTIALLY_CLOSED"
	Closing         State = "CLOSING"
)

// ErrNotFlat rejects an entry while a position is pending or open.
var ErrNotFlat = errors.New("position: machine is not flat")

// Position is the live position owned by the machine. Exists only while the
// machine is not Flat.
type Position struct {
	Symbol     string
	Side       types.Side
	EntryPrice float64
	Qty        float64 // remaining
	InitialQty float64
	Leverage   int

	Stop       float64
	TakeProfit float64
	TP1Price   float64
	TP2Price   float64
	TP1Done    bool
	TP2Done    bool
	Breakeven  bool

	// BestPrice is the most favorable close seen since entry: highest for a
	// long, lowest for a short. Drives breakeven and trailing.
	BestPrice float64

	EntryATR float64
	OpenedAt time.Time
}

// Machine is the position lifecycle state machine for one symbol. Exactly one
// goroutine (the symbol's pipeline) drives it; it is not safe for concurrent
// use. Every protective level moves on the venue first and locally only after
// the push succeeds, so local state never runs ahead of the exchange.
type Machine struct {
	symbol string
	cfg    *config.Config
	exec   executor.Executor
	log    logger.Logger

	state State
	pos   *Position
	seq   int
}

func NewMachine(symbol string, cfg *config.Config, exec executor.Executor, log logger.Logger) *Machine {
	if log == nil {
		log = logger.Nop()
	}
	return &Machine{symbol: symbol, cfg: cfg, exec: exec, log: log, state: Flat}
}

func (m *Machine) State() State { return m.state }

// Position returns a copy of the live position, or nil when flat.
func (m *Machine) Position() *Position {
	if m.pos == nil {
		return nil
	}
	p := *m.pos
	return &p
}

func (m *Machine) transition(to State) {
	m.log.Info("position state",
		logger.String("symbol", m.symbol),
		logger.String("from", string(m.state)),
		logger.String("to", string(to)))
	m.state = to
	metrics.Transitions.WithLabelValues(m.symbol, string(to)).Inc()
}

func (m *Machine) nextIntentID(kind string) string {
	m.seq++
	return fmt.Sprintf("%s-%s-%d-%d", m.symbol, kind, time.Now().UnixMilli(), m.seq)
}

func (m *Machine) orderTimeout() time.Duration {
	return time.Duration(m.cfg.Strategy.OrderTimeoutSec) * time.Second
}

// Enter submits a market entry with protective levels derived from the entry
// ATR. It resolves to exactly one of Open (fill) or Flat (reject, timeout);
// an error always means the machine is flat again.
func (m *Machine) Enter(ctx context.Context, side types.Side, price, atr float64, size risk.EntrySize) error {
	if m.state != Flat {
		return ErrNotFlat
	}
	if atr <= 0 {
		return fmt.Errorf("position: entry without a ready ATR on %s", m.symbol)
	}

	stop := protectiveLevel(side, price, atr*m.cfg.Risk.StopLossATR, false)
	takeProfit := protectiveLevel(side, price, atr*m.cfg.Risk.TakeProfitATR, true)

	m.transition(Entering)

	cctx, cancel := context.WithTimeout(ctx, m.orderTimeout())
	defer cancel()

	if err := m.exec.SetLeverage(cctx, m.symbol, size.Leverage); err != nil {
		m.transition(Flat)
		metrics.OrderFailures.WithLabelValues(m.symbol, "leverage").Inc()
		return fmt.Errorf("entry aborted: %w", err)
	}

	intent := types.OrderIntent{
		IntentID:   m.nextIntentID("entry"),
		Symbol:     m.symbol,
		Side:       side,
		Qty:        size.Qty,
		Leverage:   size.Leverage,
		StopLoss:   stop,
		TakeProfit: takeProfit,
		Comment:    fmt.Sprintf("margin %.2f%% streak %d", size.MarginPct, size.LossStreak),
	}
	metrics.OrdersSubmitted.WithLabelValues(m.symbol, "entry").Inc()
	fill, err := m.exec.PlaceEntry(cctx, intent)
	if err != nil {
		m.transition(Flat)
		metrics.OrderFailures.WithLabelValues(m.symbol, "entry").Inc()
		return fmt.Errorf("entry rejected: %w", err)
	}

	entry := fill.Price
	m.pos = &Position{
		Symbol:     m.symbol,
		Side:       side,
		EntryPrice: entry,
		Qty:        fill.Qty,
		InitialQty: fill.Qty,
		Leverage:   size.Leverage,
		Stop:       protectiveLevel(side, entry, atr*m.cfg.Risk.StopLossATR, false),
		TakeProfit: protectiveLevel(side, entry, atr*m.cfg.Risk.TakeProfitATR, true),
		TP1Price:   protectiveLevel(side, entry, atr*m.cfg.Profit.TP1ATR, true),
		TP2Price:   protectiveLevel(side, entry, atr*m.cfg.Profit.TP2ATR, true),
		BestPrice:  entry,
		EntryATR:   atr,
		OpenedAt:   fill.FilledAt,
	}
	m.transition(Open)
	metrics.PositionsOpen.Inc()
	m.log.Info("position opened",
		logger.String("symbol", m.symbol),
		logger.String("side", string(side)),
		logger.Float64("entry", entry),
		logger.Float64("qty", fill.Qty),
		logger.Float64("stop", m.pos.Stop),
		logger.Float64("take_profit", m.pos.TakeProfit),
		logger.Int("leverage", size.Leverage))
	return nil
}

// protectiveLevel places a level dist away from price: favorable levels sit
// with the trade, protective ones against it.
func protectiveLevel(side types.Side, price, dist float64, favorable bool) float64 {
	up := (side == types.Long) == favorable
	if up {
		return price + dist
	}
	return price - dist
}

// OnCandle advances the open position on one closed primary candle. Checks
// run in a fixed order: reversal exit, TP1, TP2, breakeven, trailing stop,
// stop/take-profit touch. Returned outcomes carry the realized legs; a
// non-nil error means a venue push failed and the affected level or close was
// not applied.
func (m *Machine) OnCandle(ctx context.Context, snap *indicator.Snapshot, reversal bool) ([]types.TradeOutcome, error) {
	if m.state != Open && m.state != PartiallyClosed {
		return nil, nil
	}
	pos := m.pos
	price := snap.Close
	atr := snap.ATR.Or(pos.EntryATR)

	if pos.Side == types.Long && price > pos.BestPrice {
		pos.BestPrice = price
	}
	if pos.Side == types.Short && price < pos.BestPrice {
		pos.BestPrice = price
	}

	if reversal {
		out, err := m.closeAll(ctx, "reversal")
		if err != nil {
			return nil, err
		}
		return []types.TradeOutcome{out}, nil
	}

	var outcomes []types.TradeOutcome

	if m.cfg.Profit.UsePartialProfits && !pos.TP1Done && reached(pos.Side, price, pos.TP1Price) {
		qty := pos.InitialQty * m.cfg.Profit.TP1Fraction
		out, err := m.closePartial(ctx, qty, "tp1")
		if err != nil {
			return outcomes, err
		}
		pos.TP1Done = true
		outcomes = append(outcomes, out)
		if m.state == Open {
			m.transition(PartiallyClosed)
		}
	}

	if m.cfg.Profit.UsePartialProfits && pos.TP1Done && !pos.TP2Done && reached(pos.Side, price, pos.TP2Price) {
		qty := pos.Qty * m.cfg.Profit.TP2Fraction
		out, err := m.closePartial(ctx, qty, "tp2")
		if err != nil {
			return outcomes, err
		}
		pos.TP2Done = true
		outcomes = append(outcomes, out)
	}

	if m.pos == nil {
		// Partial fills consumed the whole position.
		return outcomes, nil
	}

	if m.cfg.Risk.UseBreakeven && !pos.Breakeven {
		trigger := pos.EntryATR * m.cfg.Risk.BreakevenTriggerATR
		if favorableMove(pos.Side, pos.EntryPrice, pos.BestPrice) >= trigger {
			if !tightens(pos.Side, pos.EntryPrice, pos.Stop) {
				// The trailing stop already sits beyond entry; moving it
				// back would loosen protection.
				pos.Breakeven = true
			} else {
				if err := m.pushStop(ctx, pos.EntryPrice); err != nil {
					return outcomes, err
				}
				pos.Stop = pos.EntryPrice
				pos.Breakeven = true
				m.log.Info("stop moved to breakeven",
					logger.String("symbol", m.symbol),
					logger.Float64("stop", pos.Stop))
			}
		}
	}

	if m.cfg.Risk.UseTrailingStop {
		candidate := protectiveLevel(pos.Side, pos.BestPrice, atr*m.cfg.Risk.TrailingStopATR, false)
		if tightens(pos.Side, candidate, pos.Stop) {
			if err := m.pushStop(ctx, candidate); err != nil {
				return outcomes, err
			}
			pos.Stop = candidate
		}
	}

	if stopTouched(pos.Side, price, pos.Stop) {
		out, err := m.closeAll(ctx, "stop")
		if err != nil {
			return outcomes, err
		}
		return append(outcomes, out), nil
	}
	if reached(pos.Side, price, pos.TakeProfit) {
		out, err := m.closeAll(ctx, "take_profit")
		if err != nil {
			return outcomes, err
		}
		return append(outcomes, out), nil
	}
	return outcomes, nil
}

// reached reports whether price has hit a favorable level.
func reached(side types.Side, price, level float64) bool {
	if level <= 0 {
		return false
	}
	if side == types.Long {
		return price >= level
	}
	return price <= level
}

func stopTouched(side types.Side, price, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if side == types.Long {
		return price <= stop
	}
	return price >= stop
}

func favorableMove(side types.Side, entry, best float64) float64 {
	if side == types.Long {
		return best - entry
	}
	return entry - best
}

// tightens reports whether candidate moves the stop in the protective
// direction. The stop only ever advances.
func tightens(side types.Side, candidate, current float64) bool {
	if side == types.Long {
		return candidate > current
	}
	return current == 0 || candidate < current
}

func (m *Machine) pushStop(ctx context.Context, stop float64) error {
	cctx, cancel := context.WithTimeout(ctx, m.orderTimeout())
	defer cancel()
	if err := m.exec.SetProtection(cctx, m.symbol, stop, 0); err != nil {
		metrics.OrderFailures.WithLabelValues(m.symbol, "protection").Inc()
		return fmt.Errorf("stop update failed: %w", err)
	}
	return nil
}

func (m *Machine) closePartial(ctx context.Context, qty float64, reason string) (types.TradeOutcome, error) {
	pos := m.pos
	cctx, cancel := context.WithTimeout(ctx, m.orderTimeout())
	defer cancel()

	metrics.OrdersSubmitted.WithLabelValues(m.symbol, reason).Inc()
	fill, err := m.exec.ClosePartial(cctx, m.symbol, pos.Side, qty, m.nextIntentID(reason))
	if err != nil {
		metrics.OrderFailures.WithLabelValues(m.symbol, reason).Inc()
		return types.TradeOutcome{}, fmt.Errorf("%s close failed: %w", reason, err)
	}
	pos.Qty -= fill.Qty
	out := m.outcome(fill.Qty, fill.Price, fill.FilledAt, pos.Qty <= 0)
	m.log.Info("partial close",
		logger.String("symbol", m.symbol),
		logger.String("reason", reason),
		logger.Float64("qty", fill.Qty),
		logger.Float64("price", fill.Price),
		logger.Float64("pnl", out.PnL))
	if pos.Qty <= 0 {
		m.transition(Closing)
		m.finish()
	}
	return out, nil
}

func (m *Machine) closeAll(ctx context.Context, reason string) (types.TradeOutcome, error) {
	pos := m.pos
	prev := m.state
	m.transition(Closing)

	cctx, cancel := context.WithTimeout(ctx, m.orderTimeout())
	defer cancel()

	metrics.OrdersSubmitted.WithLabelValues(m.symbol, reason).Inc()
	fill, err := m.exec.Close(cctx, m.symbol, pos.Side, pos.Qty, m.nextIntentID(reason))
	if err != nil {
		// The position is still on the venue; revert and let the next candle
		// retry the close.
		m.transition(prev)
		metrics.OrderFailures.WithLabelValues(m.symbol, reason).Inc()
		return types.TradeOutcome{}, fmt.Errorf("%s close failed: %w", reason, err)
	}
	pos.Qty -= fill.Qty
	out := m.outcome(fill.Qty, fill.Price, fill.FilledAt, true)
	m.log.Info("position closed",
		logger.String("symbol", m.symbol),
		logger.String("reason", reason),
		logger.Float64("price", fill.Price),
		logger.Float64("pnl", out.PnL))
	m.finish()
	return out, nil
}

func (m *Machine) outcome(qty, price float64, at time.Time, final bool) types.TradeOutcome {
	pos := m.pos
	pnl := (price - pos.EntryPrice) * qty
	if pos.Side == types.Short {
		pnl = -pnl
	}
	result := "loss"
	if pnl > 0 {
		result = "win"
	}
	metrics.RealizedPnL.WithLabelValues(m.symbol, result).Add(absFloat(pnl))
	return types.TradeOutcome{
		Symbol:   m.symbol,
		Side:     pos.Side,
		PnL:      pnl,
		Fraction: qty / pos.InitialQty,
		Final:    final,
		ClosedAt: at,
	}
}

func (m *Machine) finish() {
	m.pos = nil
	m.transition(Flat)
	metrics.PositionsOpen.Dec()
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
