package signal

import (
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/indicator"
)

// TrendVote reduces a higher-timeframe snapshot to a directional trend read.
// WarmingUp until the fast/slow EMAs are ready on that timeframe.
func TrendVote(snap *indicator.Snapshot) Vote {
	v := Vote{Symbol: snap.Symbol, Direction: None}
	if !snap.EMAFast.Ready || !snap.EMASlow.Ready {
		v.WarmingUp = true
		return v
	}
	switch {
	case snap.EMAFast.V > snap.EMASlow.V:
		v.Direction = Long
	case snap.EMAFast.V < snap.EMASlow.V:
		v.Direction = Short
	}
	return v
}

// Confirm gates the primary vote on higher-timeframe agreement. The primary
// passes only when at least one higher timeframe leans the same way and none
// of them is still warming up. With no higher timeframes configured the
// primary passes unchanged.
func Confirm(primary Vote, higher []Vote) Vote {
	if primary.Direction == None || len(higher) == 0 {
		return primary
	}
	agreed := false
	for _, h := range higher {
		if h.WarmingUp {
			return Vote{Symbol: primary.Symbol, Direction: None, WarmingUp: true}
		}
		if h.Direction == primary.Direction {
			agreed = true
		}
	}
	if !agreed {
		return Vote{Symbol: primary.Symbol, Direction: None, Veto: "mtf_disagreement"}
	}
	return primary
}
