package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/binance"
	"futures-trading-agent/internal/store"
)

func testMetricsConfig() config.MetricsConfig {
	return config.MetricsConfig{WindowSec: 600, AlertP90Bps: 8.0, MinFills: 5}
}

func TestSideNormalizedSlippage(t *testing.T) {
	q := NewExecQuality(testMetricsConfig(), zerolog.Nop())

	// BUY above the mark is adverse: +10 bps
	q.RecordFill("BUY", 100.1, 100.0)
	// SELL below the mark is adverse too: +10 bps
	q.RecordFill("SELL", 99.9, 100.0)

	s := q.Summary()
	if s.Count != 2 {
		t.Fatalf("count = %d, want 2", s.Count)
	}
	if math.Abs(s.AvgBps-10) > 0.01 {
		t.Errorf("avg = %v bps, want ~10", s.AvgBps)
	}
}

func TestWindowEviction(t *testing.T) {
	q := NewExecQuality(testMetricsConfig(), zerolog.Nop())
	now := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return now }

	q.RecordFill("BUY", 100.1, 100.0)
	now = now.Add(11 * time.Minute) // past the 600s window
	q.RecordFill("BUY", 100.2, 100.0)

	s := q.Summary()
	if s.Count != 1 {
		t.Errorf("count = %d, want 1 after eviction", s.Count)
	}
}

func TestAlertRequiresMinFills(t *testing.T) {
	q := NewExecQuality(testMetricsConfig(), zerolog.Nop())
	for i := 0; i < 4; i++ {
		q.RecordFill("BUY", 100.2, 100.0) // 20 bps, above the p90 threshold
	}
	if q.Summary().Alert {
		t.Error("alert should need at least MinFills samples")
	}
	q.RecordFill("BUY", 100.2, 100.0)
	if !q.Summary().Alert {
		t.Error("expected alert with 5 adverse fills")
	}
}

func TestOrderLedgerFillRate(t *testing.T) {
	repo := store.NewMemory()
	l := NewOrderLedger(repo, zerolog.Nop())
	base := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return base.Add(250 * time.Millisecond) }

	l.OrderSubmitted("BTCUSDT", "BUY", 0.5, "c1", base)
	l.OrderSubmitted("BTCUSDT", "SELL", 0.5, "c2", base)

	l.OrderUpdated(binance.OrderTradeUpdate{
		Symbol: "BTCUSDT", ClientOrderID: "c1", Status: "FILLED", CumQty: 0.5, AvgPrice: 100,
	})
	l.OrderUpdated(binance.OrderTradeUpdate{
		Symbol: "BTCUSDT", ClientOrderID: "c2", Status: "CANCELED",
	})

	s := l.Summary()
	if s.Submitted != 2 || s.Filled != 1 || s.Canceled != 1 {
		t.Errorf("summary = %+v, want 2 submitted / 1 filled / 1 canceled", s)
	}
	if s.FillRate != 0.5 {
		t.Errorf("fill rate = %v, want 0.5", s.FillRate)
	}
	if math.Abs(s.AvgTimeToFillMs-250) > 1 {
		t.Errorf("time to fill = %v ms, want ~250", s.AvgTimeToFillMs)
	}

	// Everything landed in the repository: 2 submits + 2 updates
	if got := len(repo.Events()); got != 4 {
		t.Errorf("persisted events = %d, want 4", got)
	}
}
