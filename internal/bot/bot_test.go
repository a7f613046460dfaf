package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/binance"
	"futures-trading-agent/internal/forecast"
	"futures-trading-agent/internal/guard"
	"futures-trading-agent/internal/reconcile"
	"futures-trading-agent/internal/regime"
	"futures-trading-agent/internal/risk"
	"futures-trading-agent/internal/router"
	"futures-trading-agent/internal/state"
)

func writeConfig(t *testing.T, path string, dayMaxLossPct float64) {
	t.Helper()
	body := fmt.Sprintf(`{"risk":{"day_max_loss_pct":%v,"equity_default":1000}}`, dayMaxLossPct)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func anchorSnapshot(tf string, equity float64) state.Snapshot {
	k := state.TFKey{Symbol: "BTCUSDT", Timeframe: tf}
	return state.Snapshot{
		Features: map[state.TFKey]state.FeatureSet{
			k: {Symbol: "BTCUSDT", Timeframe: tf, BarTime: 1, ATR: 2.0, Close: 8.0},
		},
		Forecasts: map[state.TFKey]state.Forecast{
			k: {Symbol: "BTCUSDT", Timeframe: tf, BarTime: 1, Score: 0.9, Stance: "LONG"},
		},
		Marks:   map[string]state.Mark{"BTCUSDT": {Symbol: "BTCUSDT", Price: 8.0}},
		Account: state.Account{MarginBalance: equity},
	}
}

// A reloaded config file must change live component behavior, not just the
// stored struct.
func TestReloadPushesThresholdsIntoComponents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, 50)

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfgStore := config.NewStore(path, cfg)

	riskEngine := risk.NewEngine(cfg.RiskConfig, cfg.MarketConfig.AnchorTF, cfg.ForecastConfig.StrongThr, nil, zerolog.Nop())
	agent := New(Deps{
		Config:    cfgStore,
		Regimes:   regime.NewClassifier(cfg.RegimeConfig, zerolog.Nop()),
		Ensemble:  forecast.NewEnsemble(cfg.ForecastConfig, zerolog.Nop()),
		Risk:      riskEngine,
		Router:    router.New(cfg.ExecConfig, binance.NewMockFuturesClient(), router.NewMemoryIdem(), nil, zerolog.Nop()),
		Reconcile: reconcile.New(cfg.ReconcileConfig, nil, nil, nil, nil, nil, zerolog.Nop()),
		Guard:     guard.New(cfg.GuardConfig, nil, nil, nil, 1000, zerolog.Nop()),
	}, zerolog.Nop())

	// Anchor the risk day at equity 1000 under the loose 50% limit
	tf := cfg.MarketConfig.AnchorTF
	day := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	riskEngine.Process(anchorSnapshot(tf, 1000), day)

	// Operator tightens the daily loss cut to 1% on disk
	writeConfig(t, path, 1)
	agent.tickReload(context.Background())

	if got := cfgStore.Current().RiskConfig.DayMaxLossPct; got != 1 {
		t.Fatalf("store not reloaded, day_max_loss_pct = %v", got)
	}

	// A 2% intraday drawdown must now trip the cut
	_, summary := riskEngine.Process(anchorSnapshot(tf, 980), day.Add(time.Hour))
	if !summary.DayCut {
		t.Error("reloaded day loss limit did not reach the risk engine")
	}
}
