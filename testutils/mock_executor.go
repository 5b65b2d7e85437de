package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

// Call records one executor invocation for assertions.
type Call struct {
	Method     string
	Symbol     string
	Side       types.Side
	Qty        float64
	Leverage   int
	StopLoss   float64
	TakeProfit float64
	IntentID   string
}

// MockExecutor implements executor.Executor in-memory with scriptable
// failures. Fills happen instantly at the configured Price.
type MockExecutor struct {
	mu    sync.Mutex
	calls []Call

	// Price is the fill price for every order.
	Price float64
	// Bal is returned by Balance.
	Bal float64
	// Fail maps a method name ("PlaceEntry", "SetProtection", "ClosePartial",
	// "Close", "SetLeverage", "Balance") to the error it should return.
	Fail map[string]error
}

func NewMockExecutor(balance, price float64) *MockExecutor {
	return &MockExecutor{Bal: balance, Price: price, Fail: make(map[string]error)}
}

func (m *MockExecutor) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

// Calls returns a copy of every recorded invocation.
func (m *MockExecutor) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo returns the recorded invocations of one method.
func (m *MockExecutor) CallsTo(method string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockExecutor) SetLeverage(_ context.Context, symbol string, leverage int) error {
	m.record(Call{Method: "SetLeverage", Symbol: symbol, Leverage: leverage})
	return m.Fail["SetLeverage"]
}

func (m *MockExecutor) PlaceEntry(_ context.Context, intent types.OrderIntent) (types.Fill, error) {
	m.record(Call{
		Method:     "PlaceEntry",
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Qty:        intent.Qty,
		Leverage:   intent.Leverage,
		StopLoss:   intent.StopLoss,
		TakeProfit: intent.TakeProfit,
		IntentID:   intent.IntentID,
	})
	if err := m.Fail["PlaceEntry"]; err != nil {
		return types.Fill{}, err
	}
	return m.fill(intent.IntentID, intent.Symbol, intent.Side, intent.Qty), nil
}

func (m *MockExecutor) SetProtection(_ context.Context, symbol string, stopLoss, takeProfit float64) error {
	m.record(Call{Method: "SetProtection", Symbol: symbol, StopLoss: stopLoss, TakeProfit: takeProfit})
	return m.Fail["SetProtection"]
}

func (m *MockExecutor) ClosePartial(_ context.Context, symbol string, side types.Side, qty float64, intentID string) (types.Fill, error) {
	m.record(Call{Method: "ClosePartial", Symbol: symbol, Side: side, Qty: qty, IntentID: intentID})
	if err := m.Fail["ClosePartial"]; err != nil {
		return types.Fill{}, err
	}
	return m.fill(intentID, symbol, side.Opposite(), qty), nil
}

func (m *MockExecutor) Close(_ context.Context, symbol string, side types.Side, qty float64, intentID string) (types.Fill, error) {
	m.record(Call{Method: "Close", Symbol: symbol, Side: side, Qty: qty, IntentID: intentID})
	if err := m.Fail["Close"]; err != nil {
		return types.Fill{}, err
	}
	return m.fill(intentID, symbol, side.Opposite(), qty), nil
}

func (m *MockExecutor) Balance(_ context.Context) (float64, error) {
	m.record(Call{Method: "Balance"})
	if err := m.Fail["Balance"]; err != nil {
		return 0, err
	}
	return m.Bal, nil
}

func (m *MockExecutor) fill(id, symbol string, side types.Side, qty float64) types.Fill {
	return types.Fill{
		IntentID: id,
		Symbol:   symbol,
		Side:     side,
		Qty:      qty,
		Price:    m.Price,
		FilledAt: time.Now().UTC(),
	}
}
