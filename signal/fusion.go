package signal

import (
	"math"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/indicator"
)

// Direction of a fused vote.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	None  Direction = "NONE"
)

// Vote is the fused directional decision for one symbol on one closed candle.
// Consumed immediately by the position machine; never persisted.
type Vote struct {
	Symbol       string
	Direction    Direction
	Confidence   float64
	Contributors []string
	// WarmingUp marks a vote produced before the contributing indicators were
	// ready; confirmation treats it as "not ready", not as disagreement.
	WarmingUp bool
	// Veto names the hard filter that forced the vote to None, if any.
	Veto string
}

// SRProximity is the support/resistance context filter input.
type SRProximity struct {
	NearSupport    bool
	NearResistance bool
}

// SRFromSnapshot derives proximity from the snapshot's lookback extremes.
func SRFromSnapshot(snap *indicator.Snapshot, tolerancePct float64) SRProximity {
	var sr SRProximity
	if snap.Close <= 0 || !snap.HighestHigh.Ready || !snap.LowestLow.Ready {
		return sr
	}
	sr.NearResistance = math.Abs(snap.Close-snap.HighestHigh.V)/snap.Close*100 < tolerancePct
	sr.NearSupport = math.Abs(snap.Close-snap.LowestLow.V)/snap.Close*100 < tolerancePct
	return sr
}

// Contributing-filter names. Weight overrides in the config use these keys.
const (
	FilterEMATrend     = "ema_trend"
	FilterEMAStrong    = "ema_strong"
	FilterEMA200       = "ema_200"
	FilterEMACrossover = "ema_crossover"
	FilterADX          = "adx"
	FilterSupertrend   = "supertrend"
	FilterBollinger    = "bollinger"
	FilterRSIZone      = "rsi_zone"
	FilterRSIDiv       = "rsi_divergence"
	FilterMACD         = "macd"
	FilterPattern      = "pattern"
	FilterVolumeSpike  = "volume_spike"
)

// DefaultWeights reflect the original setup/trigger priorities: trigger
// events (crossovers, divergences, patterns) weigh more than standing
// conditions.
var DefaultWeights = map[string]float64{
	FilterEMATrend:     1.0,
	FilterEMAStrong:    1.0,
	FilterEMA200:       1.0,
	FilterEMACrossover: 2.0,
	FilterADX:          1.0,
	FilterSupertrend:   1.5,
	FilterBollinger:    1.0,
	FilterRSIZone:      1.0,
	FilterRSIDiv:       1.5,
	FilterMACD:         1.0,
	FilterPattern:      1.5,
	FilterVolumeSpike:  1.0,
}

// Fuser combines an indicator snapshot, pattern flags and context filters
// into a single weighted vote. Deterministic: identical inputs always yield
// the identical vote.
type Fuser struct {
	cfg       *config.Config
	weights   map[string]float64
	threshold float64
}

func NewFuser(cfg *config.Config) *Fuser {
	w := make(map[string]float64, len(DefaultWeights))
	for k, v := range DefaultWeights {
		w[k] = v
	}
	for k, v := range cfg.Strategy.Weights {
		w[k] = v
	}
	return &Fuser{cfg: cfg, weights: w, threshold: cfg.Strategy.VoteThreshold}
}

// Fuse produces the vote for one closed candle. Not-ready indicator values
// contribute nothing. Ties and sub-threshold nets resolve to None, never to a
// default side. Blackout, chop/sideways regime and volatility band are hard
// vetoes for both sides; S/R proximity vetoes only the side trading into the
// level. Patterns adjust the net but can never trigger a vote on their own.
func (f *Fuser) Fuse(snap *indicator.Snapshot, pats Patterns, sr SRProximity, blackout bool) Vote {
	vote := Vote{Symbol: snap.Symbol, Direction: None}
	if !snap.CoreReady() {
		vote.WarmingUp = true
		return vote
	}

	if veto := f.hardVeto(snap, blackout); veto != "" {
		vote.Veto = veto
		return vote
	}

	var indicatorNet, patternNet, totalWeight float64
	add := func(name string, lean float64) {
		w := f.weights[name]
		if w == 0 || lean == 0 {
			return
		}
		signed := w * lean
		if name == FilterPattern || name == FilterVolumeSpike {
			patternNet += signed
		} else {
			indicatorNet += signed
		}
		totalWeight += w
		vote.Contributors = append(vote.Contributors, name)
	}

	add(FilterEMATrend, f.emaTrendLean(snap))
	add(FilterEMAStrong, f.emaStrongLean(snap))
	if f.cfg.Trend.UseEMA200Filter {
		add(FilterEMA200, f.ema200Lean(snap))
	}
	add(FilterEMACrossover, f.crossoverLean(snap))
	add(FilterADX, f.adxLean(snap))
	if f.cfg.Supertrend.Enabled {
		add(FilterSupertrend, f.supertrendLean(snap))
	}
	if f.cfg.Bollinger.Enabled {
		add(FilterBollinger, f.bollingerLean(snap))
	}
	if f.cfg.RSI.Enabled {
		add(FilterRSIZone, f.rsiZoneLean(snap))
		if f.cfg.RSI.UseDivergence {
			add(FilterRSIDiv, f.divergenceLean(snap))
		}
	}
	if f.cfg.MACD.Enabled {
		add(FilterMACD, f.macdLean(snap))
	}
	add(FilterPattern, patternLean(pats))
	if f.cfg.Volume.Enabled && f.cfg.Volume.DetectSpike {
		add(FilterVolumeSpike, f.volumeSpikeLean(snap, pats))
	}

	net := indicatorNet + patternNet
	switch {
	case net > f.threshold && indicatorNet > 0:
		vote.Direction = Long
	case net < -f.threshold && indicatorNet < 0:
		vote.Direction = Short
	default:
		vote.Contributors = nil
		return vote
	}

	// Trading into a nearby level is vetoed for that side only.
	if f.cfg.SR.Enabled {
		if vote.Direction == Long && sr.NearResistance {
			return Vote{Symbol: snap.Symbol, Direction: None, Veto: "near_resistance"}
		}
		if vote.Direction == Short && sr.NearSupport {
			return Vote{Symbol: snap.Symbol, Direction: None, Veto: "near_support"}
		}
	}

	if totalWeight > 0 {
		vote.Confidence = math.Min(1, math.Abs(net)/totalWeight)
	}
	return vote
}

func (f *Fuser) hardVeto(snap *indicator.Snapshot, blackout bool) string {
	if blackout {
		return "news_blackout"
	}
	mc := f.cfg.MarketConditions
	if mc.UseChoppiness && snap.Choppiness.Ready && snap.Choppiness.V > mc.ChopThreshold {
		return "choppy"
	}
	if mc.UseSideways && snap.RangePct.Ready && snap.RangePct.V < mc.SidewaysThreshold {
		return "sideways"
	}
	if f.cfg.Volatility.Enabled && snap.ATR.Ready && snap.Close > 0 {
		atrPct := snap.ATR.V / snap.Close * 100
		if atrPct < f.cfg.Volatility.MinPct || atrPct > f.cfg.Volatility.MaxPct {
			return "volatility_band"
		}
	}
	return ""
}

// Leans: +1 long, -1 short, 0 neutral (including "not ready").

func (f *Fuser) emaTrendLean(s *indicator.Snapshot) float64 {
	if !s.EMAFast.Ready || !s.EMASlow.Ready {
		return 0
	}
	switch {
	case s.EMAFast.V > s.EMASlow.V:
		return 1
	case s.EMAFast.V < s.EMASlow.V:
		return -1
	}
	return 0
}

func (f *Fuser) emaStrongLean(s *indicator.Snapshot) float64 {
	if s.StrongBullTrend() {
		return 1
	}
	if s.StrongBearTrend() {
		return -1
	}
	return 0
}

func (f *Fuser) ema200Lean(s *indicator.Snapshot) float64 {
	if s.AboveTrendEMA() {
		return 1
	}
	if s.BelowTrendEMA() {
		return -1
	}
	return 0
}

func (f *Fuser) crossoverLean(s *indicator.Snapshot) float64 {
	if s.EMABullishCrossover() {
		return 1
	}
	if s.EMABearishCrossover() {
		return -1
	}
	return 0
}

// adxLean confirms trend strength in the direction of the EMA trend; ADX
// itself carries no direction.
func (f *Fuser) adxLean(s *indicator.Snapshot) float64 {
	if !s.ADX.Ready || s.ADX.V <= f.cfg.Trend.ADXThreshold {
		return 0
	}
	return f.emaTrendLean(s)
}

func (f *Fuser) supertrendLean(s *indicator.Snapshot) float64 {
	if !s.Supertrend.Ready {
		return 0
	}
	return float64(s.SupertrendDir)
}

func (f *Fuser) bollingerLean(s *indicator.Snapshot) float64 {
	if !s.BBBasis.Ready || !s.BBWidthPct.Ready || s.BBWidthPct.V <= f.cfg.Bollinger.MinWidthPct {
		return 0
	}
	switch {
	case s.Close > s.BBBasis.V:
		return 1
	case s.Close < s.BBBasis.V:
		return -1
	}
	return 0
}

func (f *Fuser) rsiZoneLean(s *indicator.Snapshot) float64 {
	if !s.RSI.Ready {
		return 0
	}
	r := f.cfg.RSI
	switch {
	case s.RSI.V > 50 && s.RSI.V < r.Overbought:
		return 1
	case s.RSI.V < 50 && s.RSI.V > r.Oversold:
		return -1
	}
	return 0
}

func (f *Fuser) divergenceLean(s *indicator.Snapshot) float64 {
	switch {
	case s.RSIBullDiv && !s.RSIBearDiv:
		return 1
	case s.RSIBearDiv && !s.RSIBullDiv:
		return -1
	}
	return 0
}

func (f *Fuser) macdLean(s *indicator.Snapshot) float64 {
	if !s.MACDLine.Ready || !s.MACDSignal.Ready || !s.MACDHist.Ready {
		return 0
	}
	switch {
	case s.MACDLine.V > s.MACDSignal.V && s.MACDHist.V > 0:
		return 1
	case s.MACDLine.V < s.MACDSignal.V && s.MACDHist.V < 0:
		return -1
	}
	return 0
}

func patternLean(p Patterns) float64 {
	lean := 0.0
	if p.BullishEngulfing || p.Hammer || p.MorningDojiStar {
		lean++
	}
	if p.BearishEngulfing || p.ShootingStar || p.EveningDojiStar {
		lean--
	}
	return lean
}

// volumeSpikeLean directs the non-directional spike by the trigger candle's
// body.
func (f *Fuser) volumeSpikeLean(s *indicator.Snapshot, p Patterns) float64 {
	if !s.VolumeMA.Ready || s.VolumeMA.V <= 0 {
		return 0
	}
	if s.Volume < s.VolumeMA.V*f.cfg.Volume.SpikeMultiplier {
		return 0
	}
	if p.BodyBullish {
		return 1
	}
	return -1
}
