package indicator

// detectDivergence compares the latest two confirmed pivots of price against
// the matching RSI pivots. A bearish divergence is a higher price high with a
// lower RSI high; bullish is a lower price low with a higher RSI low. Pivots
// need lookback bars on both sides, so detection lags by lookback candles.
func detectDivergence(highs, lows, rsi []float64, rsiPeriod, lookback int) (bull, bear bool) {
	// RSI values before the period index are undefined; exclude them from
	// pivot scanning.
	valid := func(i int) bool { return i >= rsiPeriod }

	priceHighs := findPivots(highs, lookback, nil, true)
	rsiHighs := findPivots(rsi, lookback, valid, true)
	if len(priceHighs) >= 2 && len(rsiHighs) >= 2 {
		if priceHighs[len(priceHighs)-1].v > priceHighs[len(priceHighs)-2].v &&
			rsiHighs[len(rsiHighs)-1].v < rsiHighs[len(rsiHighs)-2].v {
			bear = true
		}
	}

	priceLows := findPivots(lows, lookback, nil, false)
	rsiLows := findPivots(rsi, lookback, valid, false)
	if len(priceLows) >= 2 && len(rsiLows) >= 2 {
		if priceLows[len(priceLows)-1].v < priceLows[len(priceLows)-2].v &&
			rsiLows[len(rsiLows)-1].v > rsiLows[len(rsiLows)-2].v {
			bull = true
		}
	}
	return bull, bear
}

type pivot struct {
	i int
	v float64
}

// findPivots returns local extremes: values strictly beyond every neighbour
// within lookback on both sides. valid filters out undefined indices.
func findPivots(values []float64, lookback int, valid func(int) bool, high bool) []pivot {
	var out []pivot
	for i := lookback; i < len(values)-lookback; i++ {
		if valid != nil && !valid(i) {
			continue
		}
		isPivot := true
		for j := 1; j <= lookback; j++ {
			if valid != nil && (!valid(i-j) || !valid(i+j)) {
				isPivot = false
				break
			}
			if high {
				if values[i] <= values[i-j] || values[i] <= values[i+j] {
					isPivot = false
					break
				}
			} else {
				if values[i] >= values[i-j] || values[i] >= values[i+j] {
					isPivot = false
					break
				}
			}
		}
		if isPivot {
			out = append(out, pivot{i: i, v: values[i]})
		}
	}
	return out
}
