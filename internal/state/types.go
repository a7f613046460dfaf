package state

import "futures-trading-agent/internal/binance"

// FeatureSet is the per (symbol, timeframe) feature vector computed on each
// closed bar. Values are finite; warmup gaps are filled with neutral
// fallbacks rather than NaN.
type FeatureSet struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	BarTime   int64   `json:"barTime"`
	Close     float64 `json:"close"`

	Ret1  float64 `json:"ret1"`
	Ret5  float64 `json:"ret5"`
	Ret15 float64 `json:"ret15"`

	EMAFast   float64 `json:"emaFast"`
	EMASlow   float64 `json:"emaSlow"`
	EMALong   float64 `json:"emaLong"`
	EMASlope  float64 `json:"emaSlope"`
	EMASpread float64 `json:"emaSpread"`

	ATR    float64 `json:"atr"`
	ATRPct float64 `json:"atrPct"`
	RSI    float64 `json:"rsi"`

	RV       float64 `json:"rv"`
	RVRank   float64 `json:"rvRank"`
	Ret1Rank float64 `json:"ret1Rank"`
	ATRRank  float64 `json:"atrRank"`

	BBZ      float64 `json:"bbZ"`
	BBWidth  float64 `json:"bbWidth"`
	BBWRank  float64 `json:"bbwRank"`
	DonchPos float64 `json:"donchPos"`
	ADX      float64 `json:"adx"`

	RangeATR float64 `json:"rangeATR"`

	Tenkan         float64 `json:"tenkan"`
	Kijun          float64 `json:"kijun"`
	SpanA          float64 `json:"spanA"`
	SpanB          float64 `json:"spanB"`
	CloudThickness float64 `json:"cloudThickness"`
	CloudThickRank float64 `json:"cloudThickRank"`
	PricePos       int     `json:"pricePos"`   // -1 below cloud, 0 inside, +1 above
	TKCross        int     `json:"tkCross"`    // -1 bearish, 0 none, +1 bullish
	TwistAhead     int     `json:"twistAhead"` // bars until projected cloud twist, -1 if none in horizon

	WarmedUp bool `json:"warmedUp"`
}

// RegimeState is the resolved market regime for a (symbol, timeframe)
type RegimeState struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	BarTime   int64  `json:"barTime"`
	Trend     string `json:"trend"` // NONE, UP, DOWN
	Vol       string `json:"vol"`   // LOW, HIGH
	Code      string `json:"code"`  // e.g. TREND_UP_LOWVOL
	DwellBars int    `json:"dwellBars"`
	Changed   bool   `json:"changed"`
}

// Forecast is the ensemble output for a (symbol, timeframe)
type Forecast struct {
	Symbol     string             `json:"symbol"`
	Timeframe  string             `json:"timeframe"`
	BarTime    int64              `json:"barTime"`
	Score      float64            `json:"score"`
	ProbUp     float64            `json:"probUp"`
	Stance     string             `json:"stance"` // LONG, SHORT, FLAT
	Strong     bool               `json:"strong"`
	Components map[string]float64 `json:"components"`
	Weights    map[string]float64 `json:"weights"`
}

// Target is the sized desired position produced by the risk engine
type Target struct {
	Symbol     string  `json:"symbol"`
	Timeframe  string  `json:"timeframe"`
	BarTime    int64   `json:"barTime"`
	Stance     string  `json:"stance"`
	Qty        float64 `json:"qty"` // signed
	Notional   float64 `json:"notional"`
	StopDist   float64 `json:"stopDist"`
	Strength   float64 `json:"strength"`
	Reason     string  `json:"reason"` // OK, CAP, MIN_NOTIONAL, DAY_CUT
	Equity     float64 `json:"equity"`
	MarkPrice  float64 `json:"markPrice"`
	CreatedAt  int64   `json:"createdAt"`
}

// Fill is a normalized execution record
type Fill struct {
	Symbol        string  `json:"symbol"`
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	Price         float64 `json:"price"`
	Commission    float64 `json:"commission"`
	SlipPct       float64 `json:"slipPct"`
	TradeTime     int64   `json:"tradeTime"`
}

// GuardAction records a protective action taken by the position guard
type GuardAction struct {
	Symbol string  `json:"symbol"`
	Action string  `json:"action"` // FORCE_FLAT, REDUCE, TRAIL_STOP
	Reason string  `json:"reason"`
	Qty    float64 `json:"qty"`
	At     int64   `json:"at"`
}

// RiskSummary is the portfolio-level risk picture at the last risk tick
type RiskSummary struct {
	Equity        float64 `json:"equity"`
	DayStartEq    float64 `json:"dayStartEq"`
	DayPnLPct     float64 `json:"dayPnlPct"`
	DayCut        bool    `json:"dayCut"`
	LongNotional  float64 `json:"longNotional"`
	ShortNotional float64 `json:"shortNotional"`
	UpdatedAt     int64   `json:"updatedAt"`
}

// Position is the bus-normalized live position
type Position struct {
	Symbol           string  `json:"symbol"`
	Qty              float64 `json:"qty"`
	EntryPrice       float64 `json:"entryPrice"`
	UnrealizedProfit float64 `json:"unrealizedProfit"`
	UpdatedAt        int64   `json:"updatedAt"`
}

// Account is the bus-normalized account view
type Account struct {
	WalletBalance    float64 `json:"walletBalance"`
	MarginBalance    float64 `json:"marginBalance"`
	AvailableBalance float64 `json:"availableBalance"`
	UnrealizedProfit float64 `json:"unrealizedProfit"`
	UpdatedAt        int64   `json:"updatedAt"`
}

// Mark is the latest mark price for a symbol
type Mark struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	UpdatedAt int64   `json:"updatedAt"`
}

// TFKey identifies a (symbol, timeframe) pair
type TFKey struct {
	Symbol    string
	Timeframe string
}

func (k TFKey) String() string { return k.Symbol + ":" + k.Timeframe }

// Snapshot is a deep copy of the bus state at one instant. Callers may read
// and mutate it freely without holding any lock.
type Snapshot struct {
	Marks        map[string]Mark
	Klines       map[TFKey][]binance.Kline
	Features     map[TFKey]FeatureSet
	Regimes      map[TFKey]RegimeState
	Forecasts    map[TFKey]Forecast
	Targets      map[TFKey]Target
	Positions    map[string]Position
	Account      Account
	OpenOrders   map[string][]binance.FuturesOrder
	GuardActions []GuardAction
	Risk         RiskSummary
	TakenAt      int64
}
