package binance

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockFuturesClient is an in-memory FuturesClient used in mock mode and in
// tests. All fields are safe for concurrent use.
type MockFuturesClient struct {
	mu sync.Mutex

	Account           FuturesAccountInfo
	PositionsBySymbol map[string]FuturesPosition
	Marks             map[string]float64
	Klines            map[string][]Kline // key: symbol:interval
	Rules             map[string]SymbolRule

	// PlaceErrs are consumed one per PlaceFuturesOrder call; nil entries
	// mean success. Lets tests script transient-then-success sequences.
	PlaceErrs []error

	Placed         []FuturesOrderParams
	Canceled       []int64
	OpenOrdersList []FuturesOrder

	nextOrderID atomic.Int64
}

// NewMockFuturesClient creates a mock with sane empty state
func NewMockFuturesClient() *MockFuturesClient {
	return &MockFuturesClient{
		PositionsBySymbol: make(map[string]FuturesPosition),
		Marks:             make(map[string]float64),
		Klines:            make(map[string][]Kline),
		Rules:             make(map[string]SymbolRule),
	}
}

func (m *MockFuturesClient) GetFuturesAccountInfo() (*FuturesAccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.Account
	return &acc, nil
}

func (m *MockFuturesClient) GetPositions() ([]FuturesPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FuturesPosition, 0, len(m.PositionsBySymbol))
	for _, p := range m.PositionsBySymbol {
		out = append(out, p)
	}
	return out, nil
}

func (m *MockFuturesClient) PlaceFuturesOrder(params FuturesOrderParams) (*FuturesOrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.PlaceErrs) > 0 {
		err := m.PlaceErrs[0]
		m.PlaceErrs = m.PlaceErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	m.Placed = append(m.Placed, params)
	id := m.nextOrderID.Add(1)
	return &FuturesOrderResponse{
		OrderID:       id,
		Symbol:        params.Symbol,
		Status:        string(OrderStatusNew),
		ClientOrderID: params.NewClientOrderID,
		OrigQty:       params.Quantity,
		Side:          string(params.Side),
		Type:          string(params.Type),
		ReduceOnly:    params.ReduceOnly,
		UpdateTime:    time.Now().UnixMilli(),
	}, nil
}

func (m *MockFuturesClient) CancelFuturesOrder(symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Canceled = append(m.Canceled, orderID)
	return nil
}

func (m *MockFuturesClient) GetOpenOrders(symbol string) ([]FuturesOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if symbol == "" {
		return append([]FuturesOrder(nil), m.OpenOrdersList...), nil
	}
	var out []FuturesOrder
	for _, o := range m.OpenOrdersList {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockFuturesClient) GetMarkPrice(symbol string) (*MarkPrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.Marks[symbol]
	if !ok {
		return nil, fmt.Errorf("mock: no mark price for %s", symbol)
	}
	return &MarkPrice{Symbol: symbol, MarkPrice: price, Time: time.Now().UnixMilli()}, nil
}

func (m *MockFuturesClient) GetFuturesKlines(symbol, interval string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks := m.Klines[symbol+":"+interval]
	if limit > 0 && len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	return append([]Kline(nil), ks...), nil
}

func (m *MockFuturesClient) GetSymbolRules(symbols []string) (map[string]SymbolRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]SymbolRule, len(m.Rules))
	for k, v := range m.Rules {
		out[k] = v
	}
	return out, nil
}

// PlacedCount returns how many orders reached the exchange
func (m *MockFuturesClient) PlacedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Placed)
}
