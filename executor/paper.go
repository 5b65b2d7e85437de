package executor

import (
	"context"
	"sync"
	"time"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/logger"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

// paperPosition tracks one simulated open position.
type paperPosition struct {
	side     types.Side
	qty      float64
	avgPrice float64
	leverage int
	stopLoss float64
	takeProf float64
}

// PaperExecutor fills everything instantly at the price the caller marks via
// MarkPrice. No fees, no slippage. Used in dry-run mode and in tests.
type PaperExecutor struct {
	mu        sync.Mutex
	log       logger.Logger
	balance   float64
	marks     map[string]float64
	positions map[string]*paperPosition
}

func NewPaperExecutor(startBalance float64, log logger.Logger) *PaperExecutor {
	if log == nil {
		log = logger.Nop()
	}
	return &PaperExecutor{
		log:       log,
		balance:   startBalance,
		marks:     make(map[string]float64),
		positions: make(map[string]*paperPosition),
	}
}

// MarkPrice sets the fill price for subsequent orders on symbol. Pipelines
// call this with each candle close.
func (p *PaperExecutor) MarkPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
}

func (p *PaperExecutor) SetLeverage(_ context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[symbol]; ok {
		pos.leverage = leverage
	}
	return nil
}

func (p *PaperExecutor) PlaceEntry(_ context.Context, intent types.OrderIntent) (types.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price := p.marks[intent.Symbol]
	lev := intent.Leverage
	if lev < 1 {
		lev = 1
	}
	margin := price * intent.Qty / float64(lev)
	if margin > p.balance {
		return types.Fill{}, ErrInsufficientBalance
	}
	p.balance -= margin
	p.positions[intent.Symbol] = &paperPosition{
		side:     intent.Side,
		qty:      intent.Qty,
		avgPrice: price,
		leverage: lev,
		stopLoss: intent.StopLoss,
		takeProf: intent.TakeProfit,
	}
	p.log.Info("paper entry",
		logger.String("symbol", intent.Symbol),
		logger.String("side", string(intent.Side)),
		logger.Float64("qty", intent.Qty),
		logger.Float64("price", price))
	return p.fill(intent.IntentID, intent.Symbol, intent.Side, intent.Qty, price), nil
}

func (p *PaperExecutor) SetProtection(_ context.Context, symbol string, stopLoss, takeProfit float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return ErrNoPosition
	}
	if stopLoss > 0 {
		pos.stopLoss = stopLoss
	}
	if takeProfit > 0 {
		pos.takeProf = takeProfit
	}
	return nil
}

func (p *PaperExecutor) ClosePartial(_ context.Context, symbol string, side types.Side, qty float64, intentID string) (types.Fill, error) {
	return p.reduce(symbol, side, qty, intentID)
}

func (p *PaperExecutor) Close(_ context.Context, symbol string, side types.Side, qty float64, intentID string) (types.Fill, error) {
	return p.reduce(symbol, side, qty, intentID)
}

func (p *PaperExecutor) reduce(symbol string, side types.Side, qty float64, intentID string) (types.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok || pos.side != side {
		return types.Fill{}, ErrNoPosition
	}
	if qty > pos.qty {
		qty = pos.qty
	}
	price := p.marks[symbol]

	pnl := (price - pos.avgPrice) * qty
	if side == types.Short {
		pnl = -pnl
	}
	margin := pos.avgPrice * qty / float64(pos.leverage)
	p.balance += margin + pnl

	pos.qty -= qty
	if pos.qty <= 0 {
		delete(p.positions, symbol)
	}
	p.log.Info("paper close",
		logger.String("symbol", symbol),
		logger.Float64("qty", qty),
		logger.Float64("price", price),
		logger.Float64("pnl", pnl))
	return p.fill(intentID, symbol, side.Opposite(), qty, price), nil
}

func (p *PaperExecutor) Balance(_ context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// Position reports the simulated open quantity and average price for tests.
func (p *PaperExecutor) Position(symbol string) (qty, avgPrice float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[symbol]; ok {
		return pos.qty, pos.avgPrice
	}
	return 0, 0
}

func (p *PaperExecutor) fill(id, symbol string, side types.Side, qty, price float64) types.Fill {
	return types.Fill{
		IntentID: id,
		Symbol:   symbol,
		Side:     side,
		Qty:      qty,
		Price:    price,
		FilledAt: time.Now().UTC(),
	}
}
