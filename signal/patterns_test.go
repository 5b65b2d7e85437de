package signal

import (
	"testing"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

func bar(open, high, low, closePx float64) types.Candle {
	return types.Candle{Open: open, High: high, Low: low, Close: closePx, Closed: true}
}

func TestDetectPatternsEngulfing(t *testing.T) {
	bars := []types.Candle{
		bar(105, 106, 99, 100), // bearish
		bar(99, 107, 98, 106),  // bullish bar swallowing the prior body
	}
	p := DetectPatterns(bars)
	if !p.BullishEngulfing || p.BearishEngulfing {
		t.Fatalf("got %+v, want bullish engulfing only", p)
	}
	if !p.BodyBullish {
		t.Fatalf("trigger body should be bullish")
	}

	bars = []types.Candle{
		bar(100, 107, 99, 106), // bullish
		bar(107, 108, 98, 99),  // bearish bar swallowing the prior body
	}
	p = DetectPatterns(bars)
	if !p.BearishEngulfing || p.BullishEngulfing {
		t.Fatalf("got %+v, want bearish engulfing only", p)
	}
}

func TestDetectPatternsWicks(t *testing.T) {
	// Small bullish body at the top of the range, long lower wick.
	p := DetectPatterns([]types.Candle{bar(98.8, 100, 90, 99.8)})
	if !p.Hammer {
		t.Fatalf("hammer not detected: %+v", p)
	}

	// Small bearish body at the bottom of the range, long upper wick.
	p = DetectPatterns([]types.Candle{bar(91.2, 100, 90, 90.2)})
	if !p.ShootingStar {
		t.Fatalf("shooting star not detected: %+v", p)
	}
}

func TestDetectPatternsDojiStars(t *testing.T) {
	bars := []types.Candle{
		bar(110, 111, 99, 100),     // strong bearish bar
		bar(99.5, 100.5, 98, 99.5), // doji
		bar(99, 112, 98, 111),      // bullish recovery above the first close
	}
	p := DetectPatterns(bars)
	if !p.MorningDojiStar {
		t.Fatalf("morning doji star not detected: %+v", p)
	}

	bars = []types.Candle{
		bar(100, 111, 99, 110),         // strong bullish bar
		bar(110.5, 112, 110.4, 110.5),  // doji
		bar(111, 112, 98, 99),          // bearish drop below the first close
	}
	p = DetectPatterns(bars)
	if !p.EveningDojiStar {
		t.Fatalf("evening doji star not detected: %+v", p)
	}
}

func TestDetectPatternsEmptyAndFlat(t *testing.T) {
	if p := DetectPatterns(nil); p.Any() {
		t.Fatalf("no bars should yield no patterns: %+v", p)
	}
	// Zero-range bar must not divide by zero or fire wick patterns.
	if p := DetectPatterns([]types.Candle{bar(100, 100, 100, 100)}); p.Any() {
		t.Fatalf("flat bar fired: %+v", p)
	}
}
