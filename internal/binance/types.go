package binance

// ==================== ENUMS ====================

// OrderSide represents the order direction
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// FuturesOrderType represents order types for futures
type FuturesOrderType string

const (
	OrderTypeLimit  FuturesOrderType = "LIMIT"
	OrderTypeMarket FuturesOrderType = "MARKET"
)

// OrderStatus represents order lifecycle states
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status is final; terminal states never
// transition again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// ==================== MARKET DATA ====================

// Kline represents a candlestick. IsClosed distinguishes a finished bar from
// the live, still-forming one.
type Kline struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	OpenTime  int64   `json:"openTime"`
	CloseTime int64   `json:"closeTime"`
	Open      float64 `json:"open,string"`
	High      float64 `json:"high,string"`
	Low       float64 `json:"low,string"`
	Close     float64 `json:"close,string"`
	Volume    float64 `json:"volume,string"`
	IsClosed  bool    `json:"isClosed"`
}

// MarkPrice represents the mark price for a symbol
type MarkPrice struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"markPrice,string"`
	IndexPrice      float64 `json:"indexPrice,string"`
	LastFundingRate float64 `json:"lastFundingRate,string"`
	NextFundingTime int64   `json:"nextFundingTime"`
	Time            int64   `json:"time"`
}

// ==================== ACCOUNT ====================

// FuturesAccountInfo represents the futures account balances
type FuturesAccountInfo struct {
	TotalWalletBalance      float64 `json:"totalWalletBalance,string"`
	TotalUnrealizedProfit   float64 `json:"totalUnrealizedProfit,string"`
	TotalMarginBalance      float64 `json:"totalMarginBalance,string"`
	TotalCrossWalletBalance float64 `json:"totalCrossWalletBalance,string"`
	AvailableBalance        float64 `json:"availableBalance,string"`
	UpdateTime              int64   `json:"updateTime"`
}

// FuturesPosition represents a futures position from the positionRisk endpoint
type FuturesPosition struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         int     `json:"leverage,string"`
	MarginType       string  `json:"marginType"`
	UpdateTime       int64   `json:"updateTime"`
}

// ==================== ORDERS ====================

// FuturesOrderParams represents parameters for placing a futures order
type FuturesOrderParams struct {
	Symbol           string
	Side             OrderSide
	Type             FuturesOrderType
	Quantity         float64
	Price            float64
	ReduceOnly       bool
	NewClientOrderID string
}

// FuturesOrderResponse is the exchange acknowledgement for a placed order
type FuturesOrderResponse struct {
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderID string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	UpdateTime    int64   `json:"updateTime"`
}

// FuturesOrder represents an order from the openOrders/order endpoints
type FuturesOrder struct {
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderID string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
}

// ==================== EXCHANGE INFO ====================

// SymbolRule carries the trading filters the router has to respect
type SymbolRule struct {
	Symbol      string
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
}

// FuturesExchangeInfo represents the raw exchange info payload
type FuturesExchangeInfo struct {
	ServerTime int64               `json:"serverTime"`
	Symbols    []FuturesSymbolInfo `json:"symbols"`
}

// FuturesSymbolInfo represents per-symbol metadata in exchange info
type FuturesSymbolInfo struct {
	Symbol  string         `json:"symbol"`
	Status  string         `json:"status"`
	Filters []SymbolFilter `json:"filters"`
}

// SymbolFilter is one entry of the symbol's filter list
type SymbolFilter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	MinNotional string `json:"notional"`
}

// ==================== USER DATA STREAM EVENTS ====================

// OrderTradeUpdate is a normalized ORDER_TRADE_UPDATE event
type OrderTradeUpdate struct {
	EventTime     int64
	Symbol        string
	ClientOrderID string
	OrderID       int64
	Side          string
	Status        string
	OrigQty       float64
	LastQty       float64
	LastPrice     float64
	CumQty        float64
	AvgPrice      float64
	Commission    float64
	TradeTime     int64
}

// AccountUpdate is a normalized ACCOUNT_UPDATE event
type AccountUpdate struct {
	EventTime int64
	Balances  map[string]float64 // asset -> wallet balance
	Positions []FuturesPosition
}
