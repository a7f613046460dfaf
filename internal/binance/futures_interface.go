package binance

// FuturesClient defines the exchange operations the trading core consumes.
// Implemented by the signed REST client and by the mock used in tests and
// mock mode.
type FuturesClient interface {
	// ==================== ACCOUNT ====================

	// GetFuturesAccountInfo retrieves futures account balances
	GetFuturesAccountInfo() (*FuturesAccountInfo, error)

	// GetPositions retrieves all futures positions
	GetPositions() ([]FuturesPosition, error)

	// ==================== TRADING ====================

	// PlaceFuturesOrder places a new futures order
	PlaceFuturesOrder(params FuturesOrderParams) (*FuturesOrderResponse, error)

	// CancelFuturesOrder cancels an order by exchange order id
	CancelFuturesOrder(symbol string, orderID int64) error

	// GetOpenOrders retrieves open orders (empty symbol for all)
	GetOpenOrders(symbol string) ([]FuturesOrder, error)

	// ==================== MARKET DATA ====================

	// GetMarkPrice retrieves the mark price for a symbol
	GetMarkPrice(symbol string) (*MarkPrice, error)

	// GetFuturesKlines retrieves recent candlesticks
	GetFuturesKlines(symbol, interval string, limit int) ([]Kline, error)

	// ==================== EXCHANGE INFO ====================

	// GetSymbolRules retrieves lot-size/notional filters per symbol
	GetSymbolRules(symbols []string) (map[string]SymbolRule, error)
}
