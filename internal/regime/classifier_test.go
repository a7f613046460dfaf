package regime

import (
	"testing"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/state"
)

func testConfig() config.RegimeConfig {
	return config.RegimeConfig{
		EmaUpOn:      0.0010,
		EmaUpOff:     0.0005,
		EmaDownOn:    -0.0010,
		EmaDownOff:   -0.0005,
		RvHighOn:     0.70,
		RvHighOff:    0.60,
		RvLowOn:      0.30,
		RvLowOff:     0.40,
		MinDwellBars: 3,
	}
}

func snapFeat(barTime int64, spread, rvRank float64) state.Snapshot {
	return state.Snapshot{
		Features: map[state.TFKey]state.FeatureSet{
			{Symbol: "BTCUSDT", Timeframe: "5m"}: {
				Symbol:    "BTCUSDT",
				Timeframe: "5m",
				BarTime:   barTime,
				EMASpread: spread,
				RVRank:    rvRank,
			},
		},
	}
}

func classify(t *testing.T, c *Classifier, barTime int64, spread, rvRank float64) state.RegimeState {
	t.Helper()
	out := c.Process(snapFeat(barTime, spread, rvRank))
	if len(out) != 1 {
		t.Fatalf("expected 1 regime, got %d", len(out))
	}
	return out[0]
}

func TestTrendEntryAndHysteresis(t *testing.T) {
	c := NewClassifier(testConfig(), zerolog.Nop())

	r := classify(t, c, 1, 0.0012, 0.5)
	if r.Code != TrendUp {
		t.Fatalf("spread above up_on should enter TREND_UP, got %s", r.Code)
	}

	// Inside the hysteresis band the trend holds
	r = classify(t, c, 2, 0.0007, 0.5)
	if r.Code != TrendUp {
		t.Errorf("spread above up_off should stay TREND_UP, got %s", r.Code)
	}
}

func TestMinDwellSuppressesFlip(t *testing.T) {
	c := NewClassifier(testConfig(), zerolog.Nop())

	r := classify(t, c, 1, 0.0012, 0.5)
	if r.Code != TrendUp || !r.Changed {
		t.Fatalf("expected initial TREND_UP change, got %+v", r)
	}

	// Raw inputs flip hard to down on the very next bar; dwell must hold UP
	r = classify(t, c, 2, -0.0015, 0.5)
	if r.Code != TrendUp {
		t.Errorf("dwell should suppress immediate flip, got %s", r.Code)
	}
	if r.Changed {
		t.Error("held regime must not report a change")
	}
	r = classify(t, c, 3, -0.0015, 0.5)
	if r.Code != TrendUp {
		t.Errorf("dwell bar 2: got %s", r.Code)
	}

	// Dwell elapsed, flip goes through
	r = classify(t, c, 4, -0.0015, 0.5)
	if r.Code != TrendDown {
		t.Errorf("after dwell the flip should land, got %s", r.Code)
	}
	if !r.Changed {
		t.Error("resolved flip should report a change")
	}
}

func TestVolRegimePriorityAndSticky(t *testing.T) {
	c := NewClassifier(testConfig(), zerolog.Nop())

	// No trend, high vol
	r := classify(t, c, 1, 0, 0.80)
	if r.Code != RangeHigh {
		t.Fatalf("expected RANGE_HIGH, got %s", r.Code)
	}

	// Neutral band: neither flag set once high drops below hi_off and low
	// stays above lo_on; previous regime must stick.
	for ts, rank := range []float64{0.55, 0.55, 0.50} {
		r = classify(t, c, int64(ts)+2, 0, rank)
	}
	r = classify(t, c, 5, 0, 0.50)
	if r.Code != RangeHigh {
		t.Errorf("neutral vol band should retain previous regime, got %s", r.Code)
	}

	// Clear low-vol entry after dwell
	for ts := int64(6); ts <= 9; ts++ {
		r = classify(t, c, ts, 0, 0.10)
	}
	if r.Code != RangeLow {
		t.Errorf("expected RANGE_LOW, got %s", r.Code)
	}
}

func TestBarTimestampDedup(t *testing.T) {
	c := NewClassifier(testConfig(), zerolog.Nop())
	classify(t, c, 1, 0.0012, 0.5)
	if out := c.Process(snapFeat(1, -0.0015, 0.5)); len(out) != 0 {
		t.Errorf("same bar timestamp should be ignored, got %d results", len(out))
	}
}
