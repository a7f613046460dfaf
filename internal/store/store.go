package store

import (
	"context"
	"sync"

	"futures-trading-agent/internal/state"
)

// OrderEvent is one row of the order ledger: a submission or a lifecycle
// update reported by the exchange.
type OrderEvent struct {
	ClientOrderID string
	OrderID       int64
	Symbol        string
	Side          string
	Qty           float64
	Price         float64
	Status        string
	EventTime     int64
}

// Repository persists fills and order events
type Repository interface {
	SaveFill(ctx context.Context, fill state.Fill) error
	SaveOrderEvent(ctx context.Context, ev OrderEvent) error
	RecentFills(ctx context.Context, symbol string, limit int) ([]state.Fill, error)
	Close()
}

// Memory is an in-process repository used in tests and when no database is
// configured.
type Memory struct {
	mu     sync.Mutex
	fills  []state.Fill
	events []OrderEvent
}

// NewMemory creates an in-process repository
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) SaveFill(_ context.Context, fill state.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, fill)
	return nil
}

func (m *Memory) SaveOrderEvent(_ context.Context, ev OrderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) RecentFills(_ context.Context, symbol string, limit int) ([]state.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []state.Fill
	for i := len(m.fills) - 1; i >= 0 && len(out) < limit; i-- {
		if symbol == "" || m.fills[i].Symbol == symbol {
			out = append(out, m.fills[i])
		}
	}
	return out, nil
}

// Fills returns a copy of every stored fill, oldest first
func (m *Memory) Fills() []state.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.Fill, len(m.fills))
	copy(out, m.fills)
	return out
}

// Events returns a copy of every stored order event, oldest first
func (m *Memory) Events() []OrderEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) Close() {}
