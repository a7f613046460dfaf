package forecast

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/state"
)

func testConfig() config.ForecastConfig {
	return config.ForecastConfig{
		SpreadScale:  0.0010,
		MRCenter:     50,
		MRScale:      25,
		StrongThr:    0.60,
		FlatThr:      0.15,
		LambdaPerf:   0.02,
		WeightClipLo: 0.10,
		WeightClipHi: 0.80,
	}
}

func snapFor(barTime int64, fs state.FeatureSet, regimeCode string) state.Snapshot {
	key := state.TFKey{Symbol: "BTCUSDT", Timeframe: "5m"}
	fs.Symbol = "BTCUSDT"
	fs.Timeframe = "5m"
	fs.BarTime = barTime
	return state.Snapshot{
		Features: map[state.TFKey]state.FeatureSet{key: fs},
		Regimes: map[state.TFKey]state.RegimeState{
			key: {Symbol: "BTCUSDT", Timeframe: "5m", BarTime: barTime, Code: regimeCode},
		},
	}
}

func TestStanceThresholds(t *testing.T) {
	e := NewEnsemble(testConfig(), zerolog.Nop())

	// Strong positive spread in an up-trend regime drives a LONG stance
	out := e.Process(snapFor(1, state.FeatureSet{
		EMASpread: 0.0050, RSI: 50, RV: 0.001, Close: 100,
	}, "TREND_UP"))
	if len(out) != 1 {
		t.Fatalf("expected 1 forecast, got %d", len(out))
	}
	fc := out[0]
	if fc.Stance != StanceLong {
		t.Errorf("stance = %s, want LONG (score=%v)", fc.Stance, fc.Score)
	}
	if fc.ProbUp <= 0.5 {
		t.Errorf("probUp = %v, want > 0.5 for positive score", fc.ProbUp)
	}

	// Neutral inputs resolve FLAT
	e2 := NewEnsemble(testConfig(), zerolog.Nop())
	out = e2.Process(snapFor(1, state.FeatureSet{
		EMASpread: 0, RSI: 50, RV: 0.001, Close: 100,
	}, "RANGE_LOW"))
	if out[0].Stance != StanceFlat {
		t.Errorf("neutral inputs should be FLAT, got %s", out[0].Stance)
	}
	if out[0].Score != 0 {
		t.Errorf("neutral score = %v, want 0", out[0].Score)
	}
}

func TestWeightsNormalizedAndClipped(t *testing.T) {
	e := NewEnsemble(testConfig(), zerolog.Nop())
	out := e.Process(snapFor(1, state.FeatureSet{
		EMASpread: 0.001, RSI: 40, RV: 0.001, Close: 100,
	}, "TREND_UP"))

	var sum float64
	for name, w := range out[0].Weights {
		if w < 0.10-1e-9 || w > 0.80+1e-9 {
			t.Errorf("weight %s=%v outside clip band", name, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("weights sum to %v, want 1", sum)
	}
}

func TestBarDedupIsNoOp(t *testing.T) {
	e := NewEnsemble(testConfig(), zerolog.Nop())
	snap := snapFor(1, state.FeatureSet{EMASpread: 0.001, RSI: 50, RV: 0.001, Close: 100}, "TREND_UP")
	if out := e.Process(snap); len(out) != 1 {
		t.Fatalf("first pass should produce a forecast")
	}
	if out := e.Process(snap); len(out) != 0 {
		t.Errorf("same bar timestamp reprocessed, got %d forecasts", len(out))
	}
}

func TestOnlinePerfUpdate(t *testing.T) {
	e := NewEnsemble(testConfig(), zerolog.Nop())

	// Bar 1: trend component predicts up (positive spread)
	e.Process(snapFor(1, state.FeatureSet{
		EMASpread: 0.0050, RSI: 50, RV: 0.001, Close: 100,
	}, "TREND_UP"))

	if got := e.perfOf("TREND_UP", "trend"); got != 0.5 {
		t.Fatalf("perf before any outcome = %v, want prior 0.5", got)
	}

	// Bar 2: price rose, the trend call was right
	e.Process(snapFor(2, state.FeatureSet{
		EMASpread: 0.0050, RSI: 50, RV: 0.001, Close: 101,
	}, "TREND_UP"))

	want := (1-0.02)*0.5 + 0.02*1
	if got := e.perfOf("TREND_UP", "trend"); math.Abs(got-want) > 1e-12 {
		t.Errorf("perf after correct call = %v, want %v", got, want)
	}

	// Bar 3: price fell, the trend call was wrong
	e.Process(snapFor(3, state.FeatureSet{
		EMASpread: 0.0050, RSI: 50, RV: 0.001, Close: 100.5,
	}, "TREND_UP"))

	want = (1-0.02)*want + 0.02*0
	if got := e.perfOf("TREND_UP", "trend"); math.Abs(got-want) > 1e-12 {
		t.Errorf("perf after wrong call = %v, want %v", got, want)
	}
}
