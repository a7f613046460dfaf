package state

import (
	"testing"

	"futures-trading-agent/internal/binance"
)

func closedBar(openTime int64, close float64) binance.Kline {
	return binance.Kline{
		Symbol:   "BTCUSDT",
		Interval: "5m",
		OpenTime: openTime,
		Open:     close,
		High:     close,
		Low:      close,
		Close:    close,
		IsClosed: true,
	}
}

func TestUpdateKlineOrdering(t *testing.T) {
	bus := NewBus()
	key := TFKey{Symbol: "BTCUSDT", Timeframe: "5m"}

	bus.UpdateKline(closedBar(1000, 100))
	bus.UpdateKline(closedBar(2000, 101))

	// Stale bar must be dropped
	bus.UpdateKline(closedBar(1000, 999))
	snap := bus.Snapshot()
	if got := len(snap.Klines[key]); got != 2 {
		t.Fatalf("expected 2 bars, got %d", got)
	}
	if snap.Klines[key][0].Close != 100 {
		t.Errorf("stale bar overwrote history: close=%v", snap.Klines[key][0].Close)
	}

	// Same openTime as newest replaces in place
	bus.UpdateKline(closedBar(2000, 102))
	snap = bus.Snapshot()
	if got := len(snap.Klines[key]); got != 2 {
		t.Fatalf("expected 2 bars after replace, got %d", got)
	}
	if snap.Klines[key][1].Close != 102 {
		t.Errorf("expected replaced close 102, got %v", snap.Klines[key][1].Close)
	}

	// Unclosed bars are ignored
	live := closedBar(3000, 103)
	live.IsClosed = false
	bus.UpdateKline(live)
	if got := len(bus.Snapshot().Klines[key]); got != 2 {
		t.Errorf("unclosed bar was stored, len=%d", got)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	bus := NewBus()
	bus.UpdateMark("BTCUSDT", 50000, 1)
	bus.UpdateKline(closedBar(1000, 100))
	bus.SetForecast(Forecast{
		Symbol:    "BTCUSDT",
		Timeframe: "5m",
		Score:     0.4,
		Weights:   map[string]float64{"trend": 0.5},
	})

	snap := bus.Snapshot()
	key := TFKey{Symbol: "BTCUSDT", Timeframe: "5m"}

	// Mutating the snapshot must not leak back into the bus
	snap.Marks["BTCUSDT"] = Mark{Symbol: "BTCUSDT", Price: 1}
	snap.Klines[key][0].Close = -1
	snap.Forecasts[key].Weights["trend"] = 99

	fresh := bus.Snapshot()
	if fresh.Marks["BTCUSDT"].Price != 50000 {
		t.Errorf("mark mutated through snapshot: %v", fresh.Marks["BTCUSDT"].Price)
	}
	if fresh.Klines[key][0].Close != 100 {
		t.Errorf("kline mutated through snapshot: %v", fresh.Klines[key][0].Close)
	}
	if fresh.Forecasts[key].Weights["trend"] != 0.5 {
		t.Errorf("forecast weights mutated through snapshot: %v", fresh.Forecasts[key].Weights["trend"])
	}
}

func TestPositionsDropFlat(t *testing.T) {
	bus := NewBus()
	bus.SetPositions([]Position{
		{Symbol: "BTCUSDT", Qty: 0.5},
		{Symbol: "ETHUSDT", Qty: 0},
	})
	snap := bus.Snapshot()
	if _, ok := snap.Positions["ETHUSDT"]; ok {
		t.Error("flat position should not be stored")
	}
	if _, ok := snap.Positions["BTCUSDT"]; !ok {
		t.Error("open position missing")
	}

	bus.UpsertPosition(Position{Symbol: "BTCUSDT", Qty: 0})
	if _, ok := bus.Snapshot().Positions["BTCUSDT"]; ok {
		t.Error("upsert with zero qty should remove the position")
	}
}

func TestGuardActionHistoryBounded(t *testing.T) {
	bus := NewBus()
	for i := 0; i < guardActionLimit+50; i++ {
		bus.AppendGuardAction(GuardAction{Symbol: "BTCUSDT", Action: "FORCE_FLAT", At: int64(i)})
	}
	snap := bus.Snapshot()
	if len(snap.GuardActions) != guardActionLimit {
		t.Fatalf("expected %d actions, got %d", guardActionLimit, len(snap.GuardActions))
	}
	if snap.GuardActions[0].At != 50 {
		t.Errorf("expected oldest kept action at=50, got %d", snap.GuardActions[0].At)
	}
}
