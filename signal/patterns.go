package signal

import "github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"

// Patterns holds the candlestick patterns detected on the most recent closed
// candle. Ephemeral: valid only for that candle.
type Patterns struct {
	BullishEngulfing bool
	BearishEngulfing bool
	Hammer           bool
	ShootingStar     bool
	MorningDojiStar  bool
	EveningDojiStar  bool
	// BodyBullish is the sign of the trigger candle's body, used to direct
	// non-directional weight such as volume spikes.
	BodyBullish bool
}

// DetectPatterns scans the tail of bars (up to the last three are used).
func DetectPatterns(bars []types.Candle) Patterns {
	var p Patterns
	n := len(bars)
	if n == 0 {
		return p
	}
	curr := bars[n-1]
	p.BodyBullish = curr.Close > curr.Open
	p.Hammer = hammer(curr)
	p.ShootingStar = shootingStar(curr)
	if n >= 2 {
		prev := bars[n-2]
		p.BullishEngulfing = bullishEngulfing(curr, prev)
		p.BearishEngulfing = bearishEngulfing(curr, prev)
	}
	if n >= 3 {
		p.MorningDojiStar = morningDojiStar(bars[n-3], bars[n-2], curr)
		p.EveningDojiStar = eveningDojiStar(bars[n-3], bars[n-2], curr)
	}
	return p
}

// Any reports whether any pattern fired.
func (p Patterns) Any() bool {
	return p.BullishEngulfing || p.BearishEngulfing || p.Hammer ||
		p.ShootingStar || p.MorningDojiStar || p.EveningDojiStar
}

func bullishEngulfing(curr, prev types.Candle) bool {
	return curr.Close > curr.Open &&
		prev.Close < prev.Open &&
		curr.Close > prev.Open &&
		curr.Open < prev.Close
}

func bearishEngulfing(curr, prev types.Candle) bool {
	return curr.Close < curr.Open &&
		prev.Close > prev.Open &&
		curr.Close < prev.Open &&
		curr.Open > prev.Close
}

// hammer: bullish bar with a small body and a lower wick covering most of the
// range.
func hammer(c types.Candle) bool {
	rng := c.High - c.Low
	if rng == 0 {
		return false
	}
	body := c.Close - c.Open
	lowerWick := minf(c.Close, c.Open) - c.Low
	return body > 0 && body < rng*0.3 && lowerWick > rng*0.6
}

// shootingStar: bearish bar with a small body and a long upper wick.
func shootingStar(c types.Candle) bool {
	rng := c.High - c.Low
	if rng == 0 {
		return false
	}
	body := c.Open - c.Close
	upperWick := c.High - maxf(c.Close, c.Open)
	return body > 0 && body < rng*0.3 && upperWick > rng*0.6
}

// morningDojiStar: bearish bar, doji, then a bullish bar recovering above the
// first bar's close.
func morningDojiStar(a, b, c types.Candle) bool {
	rng := b.High - b.Low
	if rng == 0 {
		return false
	}
	return a.Close < a.Open &&
		absf(b.Close-b.Open) < rng*0.1 &&
		c.Close > c.Open &&
		c.Close > a.Close
}

// eveningDojiStar: bullish bar, doji, then a bearish bar falling below the
// first bar's close.
func eveningDojiStar(a, b, c types.Candle) bool {
	rng := b.High - b.Low
	if rng == 0 {
		return false
	}
	return a.Close > a.Open &&
		absf(b.Close-b.Open) < rng*0.1 &&
		c.Close < c.Open &&
		c.Close < a.Close
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
