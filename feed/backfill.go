package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

// Backfiller fetches historical klines over REST so indicator engines warm up
// before the live stream takes over.
type Backfiller struct {
	baseURL string
	httpc   *http.Client
}

func NewBackfiller(cfg *config.Config) *Backfiller {
	return &Backfiller{
		baseURL: cfg.Bybit.RESTURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Klines returns up to limit closed candles for the pair, oldest first. The
// newest bar Bybit returns is still forming and is dropped.
func (b *Backfiller) Klines(ctx context.Context, symbol string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	url := fmt.Sprintf("%s/v5/market/kline?category=linear&symbol=%s&interval=%s&limit=%d",
		b.baseURL, symbol, tf, limit+1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build kline request: %w", err)
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s/%s: %w", symbol, tf, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read kline response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch klines %s/%s: HTTP %d", symbol, tf, resp.StatusCode)
	}

	var payload struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse kline response: %w", err)
	}
	if payload.RetCode != 0 {
		return nil, fmt.Errorf("fetch klines %s/%s: %s (code %d)", symbol, tf, payload.RetMsg, payload.RetCode)
	}

	// Response is newest-first: [startMs, open, high, low, close, volume, turnover].
	rows := payload.Result.List
	if len(rows) == 0 {
		return nil, nil
	}
	rows = rows[1:] // newest bar is unconfirmed

	out := make([]types.Candle, 0, len(rows))
	barLen := time.Duration(tf.Minutes()) * time.Minute
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row has %d fields", len(row))
		}
		startMs, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("kline start %q: %w", row[0], err)
		}
		c, err := parseKline(symbol, tf, row[1], row[2], row[3], row[4], row[5],
			time.UnixMilli(startMs).Add(barLen).UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("kline row: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}
