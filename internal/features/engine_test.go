package features

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/binance"
	"futures-trading-agent/internal/state"
)

func testConfig() config.FeatureConfig {
	return config.FeatureConfig{
		EMAFast:          12,
		EMASlow:          26,
		EMALong:          100,
		ATRPeriod:        14,
		RSIPeriod:        14,
		RVPeriod:         20,
		PercentileWindow: 240,
		BollingerPeriod:  20,
		DonchianPeriod:   20,
		ADXPeriod:        14,
		IchimokuTenkan:   9,
		IchimokuKijun:    26,
		IchimokuSenkou:   52,
		TwistHorizon:     30,
	}
}

func bar(openTime int64, o, h, l, c float64) binance.Kline {
	return binance.Kline{
		Symbol:   "BTCUSDT",
		Interval: "1m",
		OpenTime: openTime,
		Open:     o,
		High:     h,
		Low:      l,
		Close:    c,
		IsClosed: true,
	}
}

func snapWith(bars ...binance.Kline) state.Snapshot {
	return state.Snapshot{
		Klines: map[state.TFKey][]binance.Kline{
			{Symbol: "BTCUSDT", Timeframe: "1m"}: bars,
		},
	}
}

func TestRet1OnSecondBar(t *testing.T) {
	eng := NewEngine(testConfig(), zerolog.Nop())

	eng.Process(snapWith(bar(1, 1, 1, 1, 1)))
	out := eng.Process(snapWith(bar(1, 1, 1, 1, 1), bar(2, 1, 1.2, 0.9, 1.1)))

	if len(out) != 1 {
		t.Fatalf("expected 1 feature set, got %d", len(out))
	}
	if math.Abs(out[0].Ret1-0.1) > 1e-9 {
		t.Errorf("ret1 = %v, want 0.1", out[0].Ret1)
	}
}

func TestBarProcessedOnce(t *testing.T) {
	eng := NewEngine(testConfig(), zerolog.Nop())
	snap := snapWith(bar(1, 1, 1, 1, 1), bar(2, 1, 1.1, 0.9, 1.05))

	first := eng.Process(snap)
	if len(first) != 2 {
		t.Fatalf("expected 2 feature sets on backfill, got %d", len(first))
	}
	again := eng.Process(snap)
	if len(again) != 0 {
		t.Errorf("reprocessing identical snapshot produced %d feature sets", len(again))
	}
}

func TestWarmupProducesFiniteValues(t *testing.T) {
	eng := NewEngine(testConfig(), zerolog.Nop())
	out := eng.Process(snapWith(bar(1, 100, 100, 100, 100)))
	if len(out) != 1 {
		t.Fatalf("expected 1 feature set, got %d", len(out))
	}
	fs := out[0]
	if fs.WarmedUp {
		t.Error("single bar should not count as warmed up")
	}
	for name, v := range map[string]float64{
		"ret1": fs.Ret1, "rv": fs.RV, "rsi": fs.RSI, "atr": fs.ATR,
		"bbz": fs.BBZ, "donchPos": fs.DonchPos, "adx": fs.ADX,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("%s is not finite: %v", name, v)
		}
	}
	if fs.RSI != 50 {
		t.Errorf("unwarmed RSI should fall back to 50, got %v", fs.RSI)
	}
	if fs.DonchPos != 0.5 {
		t.Errorf("degenerate Donchian range should fall back to 0.5, got %v", fs.DonchPos)
	}
}

func TestATRSeedAndRecurrence(t *testing.T) {
	eng := NewEngine(testConfig(), zerolog.Nop())
	cfg := testConfig()

	// Constant true range of 2 per bar; after the seed the Wilder recurrence
	// must keep ATR at 2.
	bars := make([]binance.Kline, 0, 30)
	price := 100.0
	for i := 0; i < 30; i++ {
		bars = append(bars, bar(int64(i+1), price, price+1, price-1, price))
	}
	out := eng.Process(snapWith(bars...))

	last := out[len(out)-1]
	if math.Abs(last.ATR-2.0) > 1e-9 {
		t.Errorf("ATR = %v, want 2.0", last.ATR)
	}
	seedIdx := cfg.ATRPeriod - 1
	if out[seedIdx-1].ATR != 0 {
		t.Errorf("ATR before seed should be 0, got %v", out[seedIdx-1].ATR)
	}
	if out[seedIdx].ATR == 0 {
		t.Error("ATR should be seeded once enough true ranges exist")
	}
}

func TestPercentileRankMonotone(t *testing.T) {
	s := NewRollingSeries(240)
	for i := 1; i <= 10; i++ {
		s.Append(float64(i))
	}
	if got := s.PercentileRank(10); got != 1.0 {
		t.Errorf("rank of max = %v, want 1.0", got)
	}
	if got := s.PercentileRank(0.5); got != 0 {
		t.Errorf("rank below min = %v, want 0", got)
	}
	if got := s.PercentileRank(5); got != 0.5 {
		t.Errorf("rank of median = %v, want 0.5", got)
	}
}

func TestRollingSeriesEviction(t *testing.T) {
	s := NewRollingSeries(3)
	for i := 1; i <= 5; i++ {
		s.Append(float64(i))
	}
	if s.Len() != 3 {
		t.Fatalf("len = %d, want 3", s.Len())
	}
	if v, _ := s.Last(3); v != 3 {
		t.Errorf("oldest kept = %v, want 3", v)
	}
}

func TestIchimokuTwistProjection(t *testing.T) {
	eng := NewEngine(testConfig(), zerolog.Nop())

	// Rising trend: span A climbs faster than span B, so lines diverge and
	// no twist lands inside the horizon.
	bars := make([]binance.Kline, 0, 80)
	for i := 0; i < 80; i++ {
		p := 100 + float64(i)
		bars = append(bars, bar(int64(i+1), p, p+1, p-1, p))
	}
	out := eng.Process(snapWith(bars...))
	last := out[len(out)-1]

	if last.PricePos != 1 {
		t.Errorf("price above a rising cloud should report +1, got %d", last.PricePos)
	}
	if last.TwistAhead != -1 {
		t.Errorf("diverging cloud should report no twist, got %d", last.TwistAhead)
	}
	if last.SpanA <= last.SpanB {
		t.Errorf("uptrend should have spanA > spanB, got %v <= %v", last.SpanA, last.SpanB)
	}
}
