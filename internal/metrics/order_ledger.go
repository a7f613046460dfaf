package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-agent/internal/binance"
	"futures-trading-agent/internal/store"
)

// OrderLedger records every submission and lifecycle update through the
// repository and keeps a windowed submit/fill view for the ops endpoints.
type OrderLedger struct {
	repo   store.Repository
	logger zerolog.Logger

	mu       sync.Mutex
	submits  map[string]time.Time // clientOrderID -> submit time
	filled   int64
	canceled int64
	total    int64
	ttfSumMs int64
	ttfCount int64

	now func() time.Time
}

// LedgerSummary is the windowed order outcome report
type LedgerSummary struct {
	Submitted       int64   `json:"submitted"`
	Filled          int64   `json:"filled"`
	Canceled        int64   `json:"canceled"`
	FillRate        float64 `json:"fillRate"`
	AvgTimeToFillMs float64 `json:"avgTimeToFillMs"`
}

// NewOrderLedger creates an order ledger writing through repo
func NewOrderLedger(repo store.Repository, logger zerolog.Logger) *OrderLedger {
	return &OrderLedger{
		repo:    repo,
		logger:  logger.With().Str("component", "OrderLedger").Logger(),
		submits: make(map[string]time.Time),
		now:     time.Now,
	}
}

// OrderSubmitted implements the router's submit sink
func (l *OrderLedger) OrderSubmitted(symbol, side string, qty float64, clientOrderID string, at time.Time) {
	l.mu.Lock()
	l.submits[clientOrderID] = at
	l.total++
	l.mu.Unlock()

	ev := store.OrderEvent{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Status:        "SUBMITTED",
		EventTime:     at.UnixMilli(),
	}
	if err := l.repo.SaveOrderEvent(context.Background(), ev); err != nil {
		l.logger.Warn().Err(err).Str("clientOrderId", clientOrderID).Msg("persist submit failed")
	}
}

// OrderUpdated records a lifecycle update from the user-data stream
func (l *OrderLedger) OrderUpdated(u binance.OrderTradeUpdate) {
	status := binance.OrderStatus(u.Status)

	l.mu.Lock()
	if submitAt, ok := l.submits[u.ClientOrderID]; ok && status.IsTerminal() {
		if status == binance.OrderStatusFilled {
			l.filled++
			l.ttfSumMs += l.now().Sub(submitAt).Milliseconds()
			l.ttfCount++
		} else if status == binance.OrderStatusCanceled || status == binance.OrderStatusExpired {
			l.canceled++
		}
		delete(l.submits, u.ClientOrderID)
	}
	l.mu.Unlock()

	ev := store.OrderEvent{
		ClientOrderID: u.ClientOrderID,
		OrderID:       u.OrderID,
		Symbol:        u.Symbol,
		Side:          u.Side,
		Qty:           u.CumQty,
		Price:         u.AvgPrice,
		Status:        u.Status,
		EventTime:     u.EventTime,
	}
	if err := l.repo.SaveOrderEvent(context.Background(), ev); err != nil {
		l.logger.Warn().Err(err).Str("clientOrderId", u.ClientOrderID).Msg("persist order update failed")
	}
}

// Summary reports cumulative order outcomes
func (l *OrderLedger) Summary() LedgerSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := LedgerSummary{
		Submitted: l.total,
		Filled:    l.filled,
		Canceled:  l.canceled,
	}
	if l.total > 0 {
		s.FillRate = float64(l.filled) / float64(l.total)
	}
	if l.ttfCount > 0 {
		s.AvgTimeToFillMs = float64(l.ttfSumMs) / float64(l.ttfCount)
	}
	return s
}
