package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/logger"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

// BybitExecutor trades linear perpetuals through the Bybit v5 private REST
// API. Requests are signed with HMAC-SHA256 over
// timestamp + apiKey + recvWindow + payload.
type BybitExecutor struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow string
	httpc      *http.Client
	log        logger.Logger
}

func NewBybitExecutor(cfg *config.Config, log logger.Logger) *BybitExecutor {
	if log == nil {
		log = logger.Nop()
	}
	return &BybitExecutor{
		baseURL:    cfg.Bybit.RESTURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		recvWindow: cfg.Bybit.RecvWindow,
		httpc:      &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// Leverage is already set: not an error for our purposes.
const retCodeLeverageNotModified = 110043

func (b *BybitExecutor) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]string{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	resp, err := b.post(ctx, "/v5/position/set-leverage", body)
	if err != nil {
		return err
	}
	if resp.RetCode != 0 && resp.RetCode != retCodeLeverageNotModified {
		return fmt.Errorf("set leverage %s x%d: %s (code %d)", symbol, leverage, resp.RetMsg, resp.RetCode)
	}
	return nil
}

func (b *BybitExecutor) PlaceEntry(ctx context.Context, intent types.OrderIntent) (types.Fill, error) {
	body := map[string]string{
		"category":    "linear",
		"symbol":      intent.Symbol,
		"side":        orderSide(intent.Side),
		"orderType":   "Market",
		"qty":         formatQty(intent.Qty),
		"orderLinkId": intent.IntentID,
	}
	if intent.StopLoss > 0 {
		body["stopLoss"] = formatPrice(intent.StopLoss)
	}
	if intent.TakeProfit > 0 {
		body["takeProfit"] = formatPrice(intent.TakeProfit)
	}
	resp, err := b.post(ctx, "/v5/order/create", body)
	if err != nil {
		return types.Fill{}, err
	}
	if resp.RetCode != 0 {
		return types.Fill{}, fmt.Errorf("place entry %s %s: %s (code %d)",
			intent.Symbol, intent.Side, resp.RetMsg, resp.RetCode)
	}
	return b.awaitFill(ctx, intent.Symbol, intent.IntentID, intent.Side, intent.Qty)
}

func (b *BybitExecutor) SetProtection(ctx context.Context, symbol string, stopLoss, takeProfit float64) error {
	body := map[string]string{
		"category":    "linear",
		"symbol":      symbol,
		"positionIdx": "0",
	}
	if stopLoss > 0 {
		body["stopLoss"] = formatPrice(stopLoss)
	}
	if takeProfit > 0 {
		body["takeProfit"] = formatPrice(takeProfit)
	}
	resp, err := b.post(ctx, "/v5/position/trading-stop", body)
	if err != nil {
		return err
	}
	if resp.RetCode != 0 {
		return fmt.Errorf("set protection %s: %s (code %d)", symbol, resp.RetMsg, resp.RetCode)
	}
	return nil
}

func (b *BybitExecutor) ClosePartial(ctx context.Context, symbol string, side types.Side, qty float64, intentID string) (types.Fill, error) {
	return b.reduce(ctx, symbol, side, qty, intentID)
}

func (b *BybitExecutor) Close(ctx context.Context, symbol string, side types.Side, qty float64, intentID string) (types.Fill, error) {
	return b.reduce(ctx, symbol, side, qty, intentID)
}

func (b *BybitExecutor) reduce(ctx context.Context, symbol string, side types.Side, qty float64, intentID string) (types.Fill, error) {
	body := map[string]string{
		"category":    "linear",
		"symbol":      symbol,
		"side":        orderSide(side.Opposite()),
		"orderType":   "Market",
		"qty":         formatQty(qty),
		"reduceOnly":  "true",
		"orderLinkId": intentID,
	}
	resp, err := b.post(ctx, "/v5/order/create", body)
	if err != nil {
		return types.Fill{}, err
	}
	if resp.RetCode != 0 {
		return types.Fill{}, fmt.Errorf("close %s %s qty %v: %s (code %d)",
			symbol, side, qty, resp.RetMsg, resp.RetCode)
	}
	return b.awaitFill(ctx, symbol, intentID, side.Opposite(), qty)
}

func (b *BybitExecutor) Balance(ctx context.Context) (float64, error) {
	resp, err := b.get(ctx, "/v5/account/wallet-balance", "accountType=UNIFIED&coin=USDT")
	if err != nil {
		return 0, err
	}
	if resp.RetCode != 0 {
		return 0, fmt.Errorf("wallet balance: %s (code %d)", resp.RetMsg, resp.RetCode)
	}
	var result struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, fmt.Errorf("parse wallet balance: %w", err)
	}
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			if c.Coin != "USDT" {
				continue
			}
			v := c.AvailableToWithdraw
			if v == "" {
				v = c.WalletBalance
			}
			bal, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return 0, fmt.Errorf("parse balance %q: %w", v, err)
			}
			return bal, nil
		}
	}
	return 0, nil
}

// awaitFill polls order history until the order link ID reports Filled or the
// context expires. Market orders on liquid symbols fill within one poll.
func (b *BybitExecutor) awaitFill(ctx context.Context, symbol, intentID string, side types.Side, qty float64) (types.Fill, error) {
	query := fmt.Sprintf("category=linear&symbol=%s&orderLinkId=%s", symbol, intentID)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		resp, err := b.get(ctx, "/v5/order/realtime", query)
		if err == nil && resp.RetCode == 0 {
			var result struct {
				List []struct {
					OrderStatus string `json:"orderStatus"`
					AvgPrice    string `json:"avgPrice"`
					CumExecQty  string `json:"cumExecQty"`
				} `json:"list"`
			}
			if err := json.Unmarshal(resp.Result, &result); err == nil && len(result.List) > 0 {
				o := result.List[0]
				if o.OrderStatus == "Filled" {
					price, _ := strconv.ParseFloat(o.AvgPrice, 64)
					filled, _ := strconv.ParseFloat(o.CumExecQty, 64)
					if filled == 0 {
						filled = qty
					}
					return types.Fill{
						IntentID: intentID,
						Symbol:   symbol,
						Side:     side,
						Qty:      filled,
						Price:    price,
						FilledAt: time.Now().UTC(),
					}, nil
				}
				if o.OrderStatus == "Rejected" || o.OrderStatus == "Cancelled" {
					return types.Fill{}, fmt.Errorf("order %s on %s ended %s", intentID, symbol, o.OrderStatus)
				}
			}
		}
		select {
		case <-ctx.Done():
			return types.Fill{}, fmt.Errorf("await fill %s on %s: %w", intentID, symbol, ctx.Err())
		case <-tick.C:
		}
	}
}

func (b *BybitExecutor) post(ctx context.Context, path string, body map[string]string) (*apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	b.sign(req, string(payload))
	return b.do(req, path)
}

func (b *BybitExecutor) get(ctx context.Context, path, query string) (*apiResponse, error) {
	url := b.baseURL + path
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	b.sign(req, query)
	return b.do(req, path)
}

func (b *BybitExecutor) sign(req *http.Request, payload string) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(ts + b.apiKey + b.recvWindow + payload))
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", b.recvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
}

func (b *BybitExecutor) do(req *http.Request, path string) (*apiResponse, error) {
	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", req.Method, path, resp.StatusCode, raw)
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", path, err)
	}
	return &out, nil
}

func orderSide(s types.Side) string {
	if s == types.Long {
		return "Buy"
	}
	return "Sell"
}

func formatQty(q float64) string { return strconv.FormatFloat(q, 'f', -1, 64) }

func formatPrice(p float64) string { return strconv.FormatFloat(p, 'f', -1, 64) }
