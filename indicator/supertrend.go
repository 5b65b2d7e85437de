package indicator

import "github.com/markcheno/go-talib"

// supertrendState carries the band and direction across candles. The band
// ratchets toward price while the trend holds and flips when price crosses
// the previous band.
type supertrendState struct {
	period int
	mult   float64

	value     float64
	direction int
	seeded    bool
	seen      int
}

func newSupertrendState(period int, mult float64) supertrendState {
	return supertrendState{period: period, mult: mult, direction: 1}
}

func (st *supertrendState) update(highs, lows, closes []float64, snap *Snapshot) {
	st.seen++
	if st.seen < st.period+1 {
		return
	}
	n := len(closes)
	atr := talib.Atr(highs, lows, closes, st.period)[n-1]

	hl2 := (highs[n-1] + lows[n-1]) / 2
	upper := hl2 + st.mult*atr
	lower := hl2 - st.mult*atr

	if !st.seeded {
		st.value = lower
		st.direction = 1
		st.seeded = true
		snap.Supertrend = ready(st.value)
		snap.SupertrendDir = st.direction
		return
	}

	prevValue := st.value
	prevDir := st.direction

	if prevDir == 1 && lower < prevValue {
		lower = prevValue
	}
	if prevDir == -1 && upper > prevValue {
		upper = prevValue
	}

	switch {
	case closes[n-1] > prevValue:
		st.direction = 1
	case closes[n-1] < prevValue:
		st.direction = -1
	default:
		st.direction = prevDir
	}

	if st.direction == 1 {
		st.value = lower
	} else {
		st.value = upper
	}

	snap.Supertrend = ready(st.value)
	snap.SupertrendDir = st.direction
}
