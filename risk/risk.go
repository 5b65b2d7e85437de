package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/logger"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/metrics"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

// ErrOrderTooSmall rejects entries whose notional stays under the venue
// minimum even at maximum leverage.
var ErrOrderTooSmall = errors.New("risk: order notional below venue minimum")

const globalScope = "global"

// EntrySize is the sizing decision for one entry.
type EntrySize struct {
	Qty       float64
	Leverage  int
	MarginPct float64
	Margin    float64
	Notional  float64
	// LossStreak is the streak the margin reduction was derived from.
	LossStreak int
}

// Controller scales entry margin down one step per consecutive losing trade
// and restores the default on the first win. Streaks are tracked per symbol
// or globally depending on configuration. Safe for concurrent use; pipelines
// for different symbols share one controller.
type Controller struct {
	mu      sync.Mutex
	cfg     *config.Config
	log     logger.Logger
	streaks map[string]int
	wins    int
	losses  int
}

func NewController(cfg *config.Config, log logger.Logger) *Controller {
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{cfg: cfg, log: log, streaks: make(map[string]int)}
}

func (c *Controller) scopeKey(symbol string) string {
	if c.cfg.Sizing.LossStreakScope == globalScope {
		return globalScope
	}
	return symbol
}

// RecordOutcome feeds a realized trade result into the streak. Only final
// closes move the streak; partial take-profits are informational. A flat
// final close leaves the streak unchanged.
func (c *Controller) RecordOutcome(o types.TradeOutcome) {
	if !o.Final {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.scopeKey(o.Symbol)
	switch {
	case o.PnL > 0:
		c.wins++
		if c.streaks[key] > 0 {
			c.log.Info("loss streak reset",
				logger.String("scope", key),
				logger.Int("streak", c.streaks[key]))
		}
		c.streaks[key] = 0
	case o.PnL < 0:
		c.losses++
		c.streaks[key]++
		c.log.Warn("losing trade recorded",
			logger.String("scope", key),
			logger.Int("streak", c.streaks[key]),
			logger.Float64("pnl", o.PnL))
	}
	metrics.ConsecutiveLosses.WithLabelValues(key).Set(float64(c.streaks[key]))
}

// LossStreak returns the current consecutive-loss count for the symbol's
// sizing scope.
func (c *Controller) LossStreak(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaks[c.scopeKey(symbol)]
}

// MarginPercent returns the adaptive margin percentage for the next entry:
// default minus one step per consecutive loss, floored at the configured
// minimum. With adaptive sizing disabled the default is returned unchanged.
func (c *Controller) MarginPercent(symbol string) float64 {
	base := c.cfg.Risk.MarginPercent
	if !c.cfg.Sizing.UseAdaptiveSizing {
		return base
	}
	reduced := base - float64(c.LossStreak(symbol))*c.cfg.Sizing.MarginStepPct
	return math.Max(c.cfg.Sizing.MinMarginPct, reduced)
}

// NextEntrySize computes quantity and leverage for an entry at price, given
// the available balance. When the default-leverage notional falls under the
// venue minimum, leverage scales up as far as the configured maximum before
// the entry is rejected.
func (c *Controller) NextEntrySize(symbol string, balance, price float64) (EntrySize, error) {
	if price <= 0 {
		return EntrySize{}, fmt.Errorf("risk: invalid price %v for %s", price, symbol)
	}
	if balance <= 0 {
		return EntrySize{}, fmt.Errorf("risk: no available balance for %s", symbol)
	}

	marginPct := c.MarginPercent(symbol)
	margin := balance * marginPct / 100

	lev := c.cfg.Risk.DefaultLeverage
	if lev < c.cfg.Risk.MinLeverage {
		lev = c.cfg.Risk.MinLeverage
	}
	notional := margin * float64(lev)
	if notional < c.cfg.Risk.MinOrderValue {
		needed := int(math.Ceil(c.cfg.Risk.MinOrderValue / margin))
		if needed > c.cfg.Risk.MaxLeverage {
			return EntrySize{}, fmt.Errorf("%w: %s margin %.4f needs x%d (max x%d)",
				ErrOrderTooSmall, symbol, margin, needed, c.cfg.Risk.MaxLeverage)
		}
		lev = needed
		notional = margin * float64(lev)
	}

	return EntrySize{
		Qty:        notional / price,
		Leverage:   lev,
		MarginPct:  marginPct,
		Margin:     margin,
		Notional:   notional,
		LossStreak: c.LossStreak(symbol),
	}, nil
}

// Stats reports totals for periodic status logging.
func (c *Controller) Stats() (wins, losses int, winRate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.wins + c.losses
	if total > 0 {
		winRate = float64(c.wins) / float64(total)
	}
	return c.wins, c.losses, winRate
}
