package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/forecast"
	"futures-trading-agent/internal/state"
)

func gatesConfig() config.GatesConfig {
	return config.GatesConfig{
		Enabled:            true,
		ConfirmTF:          "4h",
		TwistGuardBars:     6,
		ThickRankVeto:      0.90,
		AlignMode:          "soft",
		ReenterCooldownSec: 60,
	}
}

// gateSnap builds a snapshot whose confirm-TF features are neutral: no
// twist in the horizon, thin cloud, price inside the cloud.
func gateSnap(sym string) state.Snapshot {
	return state.Snapshot{
		Features: map[state.TFKey]state.FeatureSet{
			{Symbol: sym, Timeframe: "5m"}: {Symbol: sym, Timeframe: "5m", TwistAhead: -1},
			{Symbol: sym, Timeframe: "4h"}: {Symbol: sym, Timeframe: "4h", TwistAhead: -1},
		},
		Regimes:   map[state.TFKey]state.RegimeState{},
		Positions: map[string]state.Position{},
	}
}

func longForecast(sym string) state.Forecast {
	return state.Forecast{Symbol: sym, Timeframe: "5m", Stance: forecast.StanceLong, Score: 0.8}
}

func shortForecast(sym string) state.Forecast {
	return state.Forecast{Symbol: sym, Timeframe: "5m", Stance: forecast.StanceShort, Score: -0.8}
}

func blocked(d GateDecision, reason string) bool {
	for _, b := range d.Blocked {
		if b == reason {
			return true
		}
	}
	return false
}

func TestGatesDisabledAllowEverything(t *testing.T) {
	cfg := gatesConfig()
	cfg.Enabled = false
	g := NewGateKeeper(cfg, zerolog.Nop())
	g.MarkExit("BTCUSDT")

	d := g.Evaluate(gateSnap("BTCUSDT"), key("BTCUSDT"), longForecast("BTCUSDT"))
	if !d.Allow {
		t.Errorf("disabled gates blocked entry: %v", d.Blocked)
	}
}

func TestReenterCooldownExpires(t *testing.T) {
	g := NewGateKeeper(gatesConfig(), zerolog.Nop())
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }
	snap := gateSnap("BTCUSDT")

	g.MarkExit("BTCUSDT")

	now = now.Add(30 * time.Second)
	d := g.Evaluate(snap, key("BTCUSDT"), longForecast("BTCUSDT"))
	if d.Allow || !blocked(d, BlockCooldown) {
		t.Fatalf("re-entry 30s after exit should be blocked, got %+v", d)
	}
	if d.CooldownLeft != 30*time.Second {
		t.Errorf("cooldown left = %v, want 30s", d.CooldownLeft)
	}

	now = now.Add(31 * time.Second)
	if d := g.Evaluate(snap, key("BTCUSDT"), longForecast("BTCUSDT")); !d.Allow {
		t.Errorf("cooldown elapsed, entry still blocked: %v", d.Blocked)
	}
}

func TestStrictRegimeAlignment(t *testing.T) {
	cfg := gatesConfig()
	cfg.AlignMode = "strict"
	g := NewGateKeeper(cfg, zerolog.Nop())

	snap := gateSnap("BTCUSDT")
	snap.Regimes[key("BTCUSDT")] = state.RegimeState{Symbol: "BTCUSDT", Timeframe: "5m", Trend: "UP"}

	if d := g.Evaluate(snap, key("BTCUSDT"), shortForecast("BTCUSDT")); d.Allow || !blocked(d, BlockRegime) {
		t.Errorf("short against an UP trend should be blocked in strict mode, got %+v", d)
	}
	if d := g.Evaluate(snap, key("BTCUSDT"), longForecast("BTCUSDT")); !d.Allow {
		t.Errorf("long with the trend should pass, got %v", d.Blocked)
	}

	// Soft mode leaves the counter-trend short alone
	soft := NewGateKeeper(gatesConfig(), zerolog.Nop())
	if d := soft.Evaluate(snap, key("BTCUSDT"), shortForecast("BTCUSDT")); !d.Allow {
		t.Errorf("soft alignment should not block, got %v", d.Blocked)
	}
}

func TestCloudConsistencyVeto(t *testing.T) {
	g := NewGateKeeper(gatesConfig(), zerolog.Nop())

	snap := gateSnap("BTCUSDT")
	anchor := snap.Features[key("BTCUSDT")]
	confirm := snap.Features[state.TFKey{Symbol: "BTCUSDT", Timeframe: "4h"}]
	anchor.PricePos = 1
	confirm.PricePos = 1
	snap.Features[key("BTCUSDT")] = anchor
	snap.Features[state.TFKey{Symbol: "BTCUSDT", Timeframe: "4h"}] = confirm

	if d := g.Evaluate(snap, key("BTCUSDT"), shortForecast("BTCUSDT")); d.Allow || !blocked(d, BlockCloudConsistency) {
		t.Errorf("short with price above both clouds should be blocked, got %+v", d)
	}
	if d := g.Evaluate(snap, key("BTCUSDT"), longForecast("BTCUSDT")); !d.Allow {
		t.Errorf("long with price above both clouds should pass, got %v", d.Blocked)
	}
}

func TestThickCloudVetoesBreakoutEntry(t *testing.T) {
	g := NewGateKeeper(gatesConfig(), zerolog.Nop())

	snap := gateSnap("BTCUSDT")
	confirmKey := state.TFKey{Symbol: "BTCUSDT", Timeframe: "4h"}
	confirm := snap.Features[confirmKey]
	confirm.CloudThickRank = 0.95
	snap.Features[confirmKey] = confirm

	fc := longForecast("BTCUSDT")
	fc.Components = map[string]float64{"cross": 0.4}
	if d := g.Evaluate(snap, key("BTCUSDT"), fc); d.Allow || !blocked(d, BlockCloudThick) {
		t.Errorf("breakout entry into a thick cloud should be blocked, got %+v", d)
	}

	// Without breakout pressure the thick cloud alone does not veto
	fc.Components = map[string]float64{"cross": -0.2}
	if d := g.Evaluate(snap, key("BTCUSDT"), fc); !d.Allow {
		t.Errorf("thick cloud without breakout signal should pass, got %v", d.Blocked)
	}
}

func TestTwistGuardWindow(t *testing.T) {
	g := NewGateKeeper(gatesConfig(), zerolog.Nop())
	confirmKey := state.TFKey{Symbol: "BTCUSDT", Timeframe: "4h"}

	cases := []struct {
		twist int
		allow bool
	}{
		{0, false},
		{3, false},
		{6, false},
		{7, true},
		{-1, true},
	}
	for _, tc := range cases {
		snap := gateSnap("BTCUSDT")
		confirm := snap.Features[confirmKey]
		confirm.TwistAhead = tc.twist
		snap.Features[confirmKey] = confirm

		d := g.Evaluate(snap, key("BTCUSDT"), longForecast("BTCUSDT"))
		if d.Allow != tc.allow {
			t.Errorf("twist %d bars ahead: allow = %v, want %v", tc.twist, d.Allow, tc.allow)
		}
	}
}

func TestPositionConflictBlocksOpposingEntry(t *testing.T) {
	g := NewGateKeeper(gatesConfig(), zerolog.Nop())

	snap := gateSnap("BTCUSDT")
	snap.Positions["BTCUSDT"] = state.Position{Symbol: "BTCUSDT", Qty: 0.5}

	if d := g.Evaluate(snap, key("BTCUSDT"), shortForecast("BTCUSDT")); d.Allow || !blocked(d, BlockPositionConflict) {
		t.Errorf("short against an open long should be blocked, got %+v", d)
	}
	if d := g.Evaluate(snap, key("BTCUSDT"), longForecast("BTCUSDT")); !d.Allow {
		t.Errorf("adding to the long should pass, got %v", d.Blocked)
	}
}

func TestFlatForecastSkipsGates(t *testing.T) {
	g := NewGateKeeper(gatesConfig(), zerolog.Nop())
	g.MarkExit("BTCUSDT")

	fc := state.Forecast{Symbol: "BTCUSDT", Timeframe: "5m", Stance: forecast.StanceFlat}
	if d := g.Evaluate(gateSnap("BTCUSDT"), key("BTCUSDT"), fc); !d.Allow {
		t.Errorf("flat forecast should never be gated, got %v", d.Blocked)
	}
}
