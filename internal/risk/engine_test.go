package risk

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/state"
)

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskTargetPct:  0.5,
		CorrCapPerSide: 0.5,
		DayMaxLossPct:  3.0,
		ATRMultiple:    2.0,
		MinNotional:    20,
		EquityDefault:  1000,
	}
}

func key(sym string) state.TFKey { return state.TFKey{Symbol: sym, Timeframe: "5m"} }

func snapOne(sym string, score float64, stance string, atr, mark float64) state.Snapshot {
	k := key(sym)
	return state.Snapshot{
		Features: map[state.TFKey]state.FeatureSet{
			k: {Symbol: sym, Timeframe: "5m", BarTime: 1, ATR: atr, Close: mark},
		},
		Forecasts: map[state.TFKey]state.Forecast{
			k: {Symbol: sym, Timeframe: "5m", BarTime: 1, Score: score, Stance: stance},
		},
		Marks: map[string]state.Mark{sym: {Symbol: sym, Price: mark}},
	}
}

func findTarget(t *testing.T, targets []state.Target, sym string) state.Target {
	t.Helper()
	for _, tg := range targets {
		if tg.Symbol == sym {
			return tg
		}
	}
	t.Fatalf("no target for %s", sym)
	return state.Target{}
}

func TestSizingAndCorrCap(t *testing.T) {
	e := NewEngine(testConfig(), "5m", 0.60, nil, zerolog.Nop())
	now := time.Unix(1_700_000_000, 0)

	// Strong long: strength 1, budget = 1000*0.5 = 500, stop = 2*2 = 4,
	// qty = 125, notional at mark 8 = 1000 -> side cap 500 halves it.
	snap := snapOne("BTCUSDT", 0.9, "LONG", 2.0, 8.0)
	targets, summary := e.Process(snap, now)

	tg := findTarget(t, targets, "BTCUSDT")
	if tg.Reason != ReasonCap {
		t.Errorf("reason = %s, want CAP", tg.Reason)
	}
	if math.Abs(tg.Notional-500) > 1e-9 {
		t.Errorf("notional = %v, want 500", tg.Notional)
	}
	if math.Abs(tg.Qty-62.5) > 1e-9 {
		t.Errorf("qty = %v, want 62.5", tg.Qty)
	}
	if summary.Equity != 1000 {
		t.Errorf("equity fallback = %v, want default 1000", summary.Equity)
	}
	if summary.LongNotional != tg.Notional {
		t.Errorf("summary long notional = %v, want %v", summary.LongNotional, tg.Notional)
	}
}

func TestUncappedTargetKeepsOK(t *testing.T) {
	cfg := testConfig()
	cfg.RiskTargetPct = 0.1 // budget 100, notional 200 < cap 500
	e := NewEngine(cfg, "5m", 0.60, nil, zerolog.Nop())

	targets, _ := e.Process(snapOne("BTCUSDT", 0.9, "LONG", 2.0, 8.0), time.Unix(0, 0))
	tg := findTarget(t, targets, "BTCUSDT")
	if tg.Reason != ReasonOK {
		t.Errorf("reason = %s, want OK", tg.Reason)
	}
	if tg.Qty <= 0 {
		t.Errorf("long target should have positive qty, got %v", tg.Qty)
	}
}

func TestMinNotionalCollapse(t *testing.T) {
	cfg := testConfig()
	cfg.RiskTargetPct = 0.0001
	e := NewEngine(cfg, "5m", 0.60, nil, zerolog.Nop())

	targets, _ := e.Process(snapOne("BTCUSDT", 0.9, "LONG", 2.0, 8.0), time.Unix(0, 0))
	tg := findTarget(t, targets, "BTCUSDT")
	if tg.Reason != ReasonMinNotional {
		t.Errorf("reason = %s, want MIN_NOTIONAL", tg.Reason)
	}
	if tg.Qty != 0 {
		t.Errorf("collapsed target qty = %v, want 0", tg.Qty)
	}
}

func TestDayCutZeroesAllTargets(t *testing.T) {
	e := NewEngine(testConfig(), "5m", 0.60, nil, zerolog.Nop())
	day1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	// Anchor the day at equity 1000
	snap := snapOne("BTCUSDT", 0.9, "LONG", 2.0, 8.0)
	snap.Account = state.Account{MarginBalance: 1000}
	e.Process(snap, day1)

	// Equity drops 3.5% intraday
	snap.Account = state.Account{MarginBalance: 965}
	targets, summary := e.Process(snap, day1.Add(2*time.Hour))

	if !summary.DayCut {
		t.Fatal("expected day cut at -3.5%")
	}
	tg := findTarget(t, targets, "BTCUSDT")
	if tg.Qty != 0 || tg.Reason != ReasonDayCut {
		t.Errorf("target = %+v, want zero qty with DAY_CUT", tg)
	}

	// Next calendar day resets the anchor, trading resumes
	targets, summary = e.Process(snap, day1.Add(24*time.Hour))
	if summary.DayCut {
		t.Error("day cut should reset at the day boundary")
	}
	tg = findTarget(t, targets, "BTCUSDT")
	if tg.Qty == 0 {
		t.Error("target should size again after the anchor reset")
	}
}

func TestShortSideSign(t *testing.T) {
	cfg := testConfig()
	cfg.RiskTargetPct = 0.1
	e := NewEngine(cfg, "5m", 0.60, nil, zerolog.Nop())

	targets, _ := e.Process(snapOne("BTCUSDT", -0.9, "SHORT", 2.0, 8.0), time.Unix(0, 0))
	tg := findTarget(t, targets, "BTCUSDT")
	if tg.Qty >= 0 {
		t.Errorf("short target qty = %v, want negative", tg.Qty)
	}
}

func TestFlatForecastProducesZeroTarget(t *testing.T) {
	e := NewEngine(testConfig(), "5m", 0.60, nil, zerolog.Nop())
	targets, _ := e.Process(snapOne("BTCUSDT", 0.05, "FLAT", 2.0, 8.0), time.Unix(0, 0))
	tg := findTarget(t, targets, "BTCUSDT")
	if tg.Qty != 0 || tg.Reason != ReasonFlat {
		t.Errorf("flat forecast target = %+v, want zero qty FLAT", tg)
	}
}

func TestGatedEntryProducesZeroTarget(t *testing.T) {
	gates := NewGateKeeper(gatesConfig(), zerolog.Nop())
	e := NewEngine(testConfig(), "5m", 0.60, gates, zerolog.Nop())

	// Existing long position gates the fresh short entry
	snap := snapOne("BTCUSDT", -0.9, "SHORT", 2.0, 8.0)
	snap.Positions = map[string]state.Position{
		"BTCUSDT": {Symbol: "BTCUSDT", Qty: 0.5},
	}
	targets, _ := e.Process(snap, time.Unix(0, 0))
	tg := findTarget(t, targets, "BTCUSDT")
	if tg.Qty != 0 || tg.Reason != ReasonGate {
		t.Errorf("gated target = %+v, want zero qty GATE", tg)
	}
}

func TestExitStartsReentryCooldown(t *testing.T) {
	gates := NewGateKeeper(gatesConfig(), zerolog.Nop())
	now := time.Unix(1_700_000_000, 0)
	gates.now = func() time.Time { return now }
	e := NewEngine(testConfig(), "5m", 0.60, gates, zerolog.Nop())

	// Live long, then the forecast flattens: the target transition to zero
	// starts the symbol's re-entry cooldown.
	e.Process(snapOne("BTCUSDT", 0.9, "LONG", 2.0, 8.0), now)
	e.Process(snapOne("BTCUSDT", 0.05, "FLAT", 2.0, 8.0), now)

	now = now.Add(10 * time.Second)
	targets, _ := e.Process(snapOne("BTCUSDT", 0.9, "LONG", 2.0, 8.0), now)
	tg := findTarget(t, targets, "BTCUSDT")
	if tg.Qty != 0 || tg.Reason != ReasonGate {
		t.Errorf("re-entry 10s after exit = %+v, want zero qty GATE", tg)
	}

	now = now.Add(time.Duration(gatesConfig().ReenterCooldownSec+1) * time.Second)
	targets, _ = e.Process(snapOne("BTCUSDT", 0.9, "LONG", 2.0, 8.0), now)
	tg = findTarget(t, targets, "BTCUSDT")
	if tg.Qty == 0 {
		t.Errorf("cooldown elapsed, target = %+v, want sized entry", tg)
	}
}

func TestReconfigureTightensDayLossLimit(t *testing.T) {
	cfg := testConfig()
	cfg.DayMaxLossPct = 50
	e := NewEngine(cfg, "5m", 0.60, nil, zerolog.Nop())
	day1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	// Anchor the day at equity 1000 under the loose limit
	snap := snapOne("BTCUSDT", 0.9, "LONG", 2.0, 8.0)
	snap.Account = state.Account{MarginBalance: 1000}
	e.Process(snap, day1)

	// Tighten mid-day to 1%; a 2% drawdown must now cut
	cfg.DayMaxLossPct = 1
	e.Reconfigure(cfg, 0.60)

	snap.Account = state.Account{MarginBalance: 980}
	targets, summary := e.Process(snap, day1.Add(time.Hour))
	if !summary.DayCut {
		t.Fatal("tightened day loss limit not applied on reload")
	}
	tg := findTarget(t, targets, "BTCUSDT")
	if tg.Qty != 0 || tg.Reason != ReasonDayCut {
		t.Errorf("target = %+v, want zero qty DAY_CUT", tg)
	}
}
