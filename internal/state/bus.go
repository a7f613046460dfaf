package state

import (
	"sync"
	"time"

	"futures-trading-agent/internal/binance"
)

const (
	klineHistoryLimit = 600
	guardActionLimit  = 200
)

// Bus is the single shared state container. All writes happen through typed
// setters under one mutex; all reads go through Snapshot, which deep-copies
// so no caller ever touches live maps. The lock is never held across I/O.
type Bus struct {
	mu sync.Mutex

	marks        map[string]Mark
	klines       map[TFKey][]binance.Kline
	features     map[TFKey]FeatureSet
	regimes      map[TFKey]RegimeState
	forecasts    map[TFKey]Forecast
	targets      map[TFKey]Target
	positions    map[string]Position
	account      Account
	openOrders   map[string][]binance.FuturesOrder
	guardActions []GuardAction
	risk         RiskSummary
}

// NewBus creates an empty state bus
func NewBus() *Bus {
	return &Bus{
		marks:      make(map[string]Mark),
		klines:     make(map[TFKey][]binance.Kline),
		features:   make(map[TFKey]FeatureSet),
		regimes:    make(map[TFKey]RegimeState),
		forecasts:  make(map[TFKey]Forecast),
		targets:    make(map[TFKey]Target),
		positions:  make(map[string]Position),
		openOrders: make(map[string][]binance.FuturesOrder),
	}
}

// UpdateMark records the latest mark price for a symbol
func (b *Bus) UpdateMark(symbol string, price float64, ts int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marks[symbol] = Mark{Symbol: symbol, Price: price, UpdatedAt: ts}
}

// UpdateKline appends a closed kline, replacing the bar if the openTime is
// already present and ignoring anything older than the newest stored bar.
// Unclosed bars are not stored.
func (b *Bus) UpdateKline(k binance.Kline) {
	if !k.IsClosed {
		return
	}
	key := TFKey{Symbol: k.Symbol, Timeframe: k.Interval}
	b.mu.Lock()
	defer b.mu.Unlock()
	series := b.klines[key]
	if n := len(series); n > 0 {
		last := series[n-1].OpenTime
		if k.OpenTime == last {
			series[n-1] = k
			return
		}
		if k.OpenTime < last {
			return
		}
	}
	series = append(series, k)
	if len(series) > klineHistoryLimit {
		series = series[len(series)-klineHistoryLimit:]
	}
	b.klines[key] = series
}

// SeedKlines replaces the stored history for a (symbol, timeframe) with a
// REST backfill. Only closed bars are kept.
func (b *Bus) SeedKlines(symbol, timeframe string, bars []binance.Kline) {
	closed := make([]binance.Kline, 0, len(bars))
	for _, k := range bars {
		if k.IsClosed {
			closed = append(closed, k)
		}
	}
	if len(closed) > klineHistoryLimit {
		closed = closed[len(closed)-klineHistoryLimit:]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.klines[TFKey{Symbol: symbol, Timeframe: timeframe}] = closed
}

// SetFeatures stores the feature vector for a (symbol, timeframe)
func (b *Bus) SetFeatures(f FeatureSet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.features[TFKey{Symbol: f.Symbol, Timeframe: f.Timeframe}] = f
}

// SetRegime stores the resolved regime for a (symbol, timeframe)
func (b *Bus) SetRegime(r RegimeState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regimes[TFKey{Symbol: r.Symbol, Timeframe: r.Timeframe}] = r
}

// SetForecast stores the ensemble forecast for a (symbol, timeframe)
func (b *Bus) SetForecast(f Forecast) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forecasts[TFKey{Symbol: f.Symbol, Timeframe: f.Timeframe}] = f
}

// SetTarget stores the sized target for a (symbol, timeframe)
func (b *Bus) SetTarget(t Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets[TFKey{Symbol: t.Symbol, Timeframe: t.Timeframe}] = t
}

// SetPositions replaces the live position map. Flat positions are dropped.
func (b *Bus) SetPositions(positions []Position) {
	fresh := make(map[string]Position, len(positions))
	for _, p := range positions {
		if p.Qty != 0 {
			fresh[p.Symbol] = p
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = fresh
}

// UpsertPosition updates a single symbol's position; zero qty removes it
func (b *Bus) UpsertPosition(p Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Qty == 0 {
		delete(b.positions, p.Symbol)
		return
	}
	b.positions[p.Symbol] = p
}

// SetAccount stores the latest account view
func (b *Bus) SetAccount(a Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account = a
}

// SetOpenOrders replaces the open-order list for a symbol
func (b *Bus) SetOpenOrders(symbol string, orders []binance.FuturesOrder) {
	cp := make([]binance.FuturesOrder, len(orders))
	copy(cp, orders)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(cp) == 0 {
		delete(b.openOrders, symbol)
		return
	}
	b.openOrders[symbol] = cp
}

// AppendGuardAction records a protective action, keeping a bounded history
func (b *Bus) AppendGuardAction(a GuardAction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.guardActions = append(b.guardActions, a)
	if len(b.guardActions) > guardActionLimit {
		b.guardActions = b.guardActions[len(b.guardActions)-guardActionLimit:]
	}
}

// SetRiskSummary stores the latest portfolio risk picture
func (b *Bus) SetRiskSummary(r RiskSummary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.risk = r
}

// Snapshot deep-copies the full bus state. The returned value is owned by
// the caller.
func (b *Bus) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Marks:      make(map[string]Mark, len(b.marks)),
		Klines:     make(map[TFKey][]binance.Kline, len(b.klines)),
		Features:   make(map[TFKey]FeatureSet, len(b.features)),
		Regimes:    make(map[TFKey]RegimeState, len(b.regimes)),
		Forecasts:  make(map[TFKey]Forecast, len(b.forecasts)),
		Targets:    make(map[TFKey]Target, len(b.targets)),
		Positions:  make(map[string]Position, len(b.positions)),
		Account:    b.account,
		OpenOrders: make(map[string][]binance.FuturesOrder, len(b.openOrders)),
		Risk:       b.risk,
		TakenAt:    time.Now().UnixMilli(),
	}
	for k, v := range b.marks {
		snap.Marks[k] = v
	}
	for k, v := range b.klines {
		cp := make([]binance.Kline, len(v))
		copy(cp, v)
		snap.Klines[k] = cp
	}
	for k, v := range b.features {
		snap.Features[k] = v
	}
	for k, v := range b.regimes {
		snap.Regimes[k] = v
	}
	for k, v := range b.forecasts {
		f := v
		f.Components = copyFloatMap(v.Components)
		f.Weights = copyFloatMap(v.Weights)
		snap.Forecasts[k] = f
	}
	for k, v := range b.targets {
		snap.Targets[k] = v
	}
	for k, v := range b.positions {
		snap.Positions[k] = v
	}
	for k, v := range b.openOrders {
		cp := make([]binance.FuturesOrder, len(v))
		copy(cp, v)
		snap.OpenOrders[k] = cp
	}
	if len(b.guardActions) > 0 {
		snap.GuardActions = make([]GuardAction, len(b.guardActions))
		copy(snap.GuardActions, b.guardActions)
	}
	return snap
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	cp := make(map[string]float64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
