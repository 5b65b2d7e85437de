package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/logger"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

// BybitFeed streams confirmed klines from the Bybit v5 public linear
// websocket. One connection carries every subscribed (symbol, timeframe)
// topic. On any stream error the feed emits a gap event per subscription,
// waits the configured delay and redials.
type BybitFeed struct {
	url            string
	pingInterval   time.Duration
	reconnectDelay time.Duration
	subs           []subscription
	log            logger.Logger
	events         chan Event
}

type subscription struct {
	symbol string
	tf     types.Timeframe
}

func NewBybitFeed(cfg *config.Config, symbols []string, timeframes []types.Timeframe, log logger.Logger) *BybitFeed {
	if log == nil {
		log = logger.Nop()
	}
	f := &BybitFeed{
		url:            cfg.Bybit.WSURL,
		pingInterval:   time.Duration(cfg.Bybit.PingIntervalSec) * time.Second,
		reconnectDelay: time.Duration(cfg.Bybit.ReconnectDelaySec) * time.Second,
		log:            log,
		events:         make(chan Event, 256),
	}
	for _, s := range symbols {
		for _, tf := range timeframes {
			f.subs = append(f.subs, subscription{symbol: s, tf: tf})
		}
	}
	return f
}

func (f *BybitFeed) Events() <-chan Event { return f.events }

// Run dials, subscribes and pumps messages until ctx is cancelled. The first
// connection emits no gap; every reconnection does.
func (f *BybitFeed) Run(ctx context.Context) error {
	defer close(f.events)

	first := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !first {
			f.emitGaps(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.reconnectDelay):
			}
		}
		first = false

		if err := f.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("stream session ended", logger.Err(err))
		}
	}
}

func (f *BybitFeed) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer conn.Close()

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.log.Info("stream connected",
		logger.String("url", f.url),
		logger.Int("topics", len(f.subs)))

	// Close the connection when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	ping := time.NewTicker(f.pingInterval)
	defer ping.Stop()
	go func() {
		for {
			select {
			case <-ping.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
				conn.WriteJSON(map[string]string{"op": "ping"})
			case <-done:
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleMessage(ctx, raw)
	}
}

func (f *BybitFeed) subscribe(conn *websocket.Conn) error {
	args := make([]string, len(f.subs))
	for i, s := range f.subs {
		args[i] = fmt.Sprintf("kline.%s.%s", s.tf, s.symbol)
	}
	msg := map[string]any{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (f *BybitFeed) emitGaps(ctx context.Context) {
	for _, s := range f.subs {
		select {
		case f.events <- Event{Type: EventGap, Symbol: s.symbol, Timeframe: s.tf}:
		case <-ctx.Done():
			return
		}
	}
}

type klineMessage struct {
	Topic string `json:"topic"`
	Data  []struct {
		End      int64  `json:"end"`
		Interval string `json:"interval"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
		Confirm  bool   `json:"confirm"`
	} `json:"data"`
}

func (f *BybitFeed) handleMessage(ctx context.Context, raw []byte) {
	var msg klineMessage
	if err := json.Unmarshal(raw, &msg); err != nil || !strings.HasPrefix(msg.Topic, "kline.") {
		return
	}
	symbol := topicSymbol(msg.Topic)
	if symbol == "" {
		return
	}
	for _, k := range msg.Data {
		// Unconfirmed updates are in-progress bars; only closed ones advance
		// the pipeline.
		if !k.Confirm {
			continue
		}
		c, err := parseKline(symbol, types.Timeframe(k.Interval),
			k.Open, k.High, k.Low, k.Close, k.Volume, k.End)
		if err != nil {
			f.log.Warn("malformed kline dropped",
				logger.String("topic", msg.Topic),
				logger.Err(err))
			continue
		}
		select {
		case f.events <- Event{Type: EventCandle, Symbol: symbol, Timeframe: c.Timeframe, Candle: c}:
		case <-ctx.Done():
			return
		}
	}
}

// topicSymbol extracts the symbol from "kline.{interval}.{symbol}".
func topicSymbol(topic string) string {
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[2]
}

func parseKline(symbol string, tf types.Timeframe, open, high, low, closePx, volume string, endMs int64) (types.Candle, error) {
	c := types.Candle{Symbol: symbol, Timeframe: tf, Closed: true}
	var err error
	if c.Open, err = strconv.ParseFloat(open, 64); err != nil {
		return c, fmt.Errorf("open %q: %w", open, err)
	}
	if c.High, err = strconv.ParseFloat(high, 64); err != nil {
		return c, fmt.Errorf("high %q: %w", high, err)
	}
	if c.Low, err = strconv.ParseFloat(low, 64); err != nil {
		return c, fmt.Errorf("low %q: %w", low, err)
	}
	if c.Close, err = strconv.ParseFloat(closePx, 64); err != nil {
		return c, fmt.Errorf("close %q: %w", closePx, err)
	}
	if c.Volume, err = strconv.ParseFloat(volume, 64); err != nil {
		return c, fmt.Errorf("volume %q: %w", volume, err)
	}
	c.CloseTime = time.UnixMilli(endMs).UTC()
	return c, nil
}
