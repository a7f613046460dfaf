package bot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/binance"
	"futures-trading-agent/internal/features"
	"futures-trading-agent/internal/forecast"
	"futures-trading-agent/internal/guard"
	"futures-trading-agent/internal/metrics"
	"futures-trading-agent/internal/reconcile"
	"futures-trading-agent/internal/regime"
	"futures-trading-agent/internal/risk"
	"futures-trading-agent/internal/router"
	"futures-trading-agent/internal/state"
)

// Bot schedules every component as an independent periodic task over bus
// snapshots. A panic or I/O failure in one task's tick never stalls the
// others; each task just retries on its next tick.
type Bot struct {
	cfg      *config.Store
	bus      *state.Bus
	client   binance.FuturesClient
	engine   *features.Engine
	regimes  *regime.Classifier
	ensemble *forecast.Ensemble
	risk     *risk.Engine
	gates    *risk.GateKeeper
	router   *router.Router
	rec      *reconcile.Reconciler
	guard    *guard.Guard
	quality  *metrics.ExecQuality
	accounts <-chan binance.AccountUpdate
	logger   zerolog.Logger
}

// Deps wires the bot's collaborators
type Deps struct {
	Config    *config.Store
	Bus       *state.Bus
	Client    binance.FuturesClient
	Features  *features.Engine
	Regimes   *regime.Classifier
	Ensemble  *forecast.Ensemble
	Risk      *risk.Engine
	Gates     *risk.GateKeeper
	Router    *router.Router
	Reconcile *reconcile.Reconciler
	Guard     *guard.Guard
	Quality   *metrics.ExecQuality
	Accounts  <-chan binance.AccountUpdate
}

// New creates the orchestrator
func New(d Deps, logger zerolog.Logger) *Bot {
	return &Bot{
		cfg:      d.Config,
		bus:      d.Bus,
		client:   d.Client,
		engine:   d.Features,
		regimes:  d.Regimes,
		ensemble: d.Ensemble,
		risk:     d.Risk,
		gates:    d.Gates,
		router:   d.Router,
		rec:      d.Reconcile,
		guard:    d.Guard,
		quality:  d.Quality,
		accounts: d.Accounts,
		logger:   logger.With().Str("component", "Bot").Logger(),
	}
}

// Bootstrap seeds kline history and exchange rules before the tasks start
func (b *Bot) Bootstrap(ctx context.Context) error {
	cfg := b.cfg.Current()

	rules, err := b.client.GetSymbolRules(cfg.MarketConfig.Symbols)
	if err != nil {
		b.logger.Warn().Err(err).Msg("symbol rules unavailable, routing without filters")
	} else {
		b.router.SetRules(rules)
	}

	for _, sym := range cfg.MarketConfig.Symbols {
		for _, tf := range cfg.MarketConfig.Timeframes {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			bars, err := b.client.GetFuturesKlines(sym, tf, 400)
			if err != nil {
				b.logger.Warn().Err(err).Str("symbol", sym).Str("tf", tf).Msg("kline backfill failed")
				continue
			}
			b.bus.SeedKlines(sym, tf, bars)
		}
	}

	for _, sym := range cfg.MarketConfig.Symbols {
		mp, err := b.client.GetMarkPrice(sym)
		if err != nil {
			b.logger.Warn().Err(err).Str("symbol", sym).Msg("mark price seed failed")
			continue
		}
		b.bus.UpdateMark(sym, mp.MarkPrice, mp.Time)
	}

	b.refreshAccount()
	return nil
}

// Run starts every periodic task and blocks until ctx is canceled
func (b *Bot) Run(ctx context.Context) {
	sched := b.cfg.Current().SchedulerConfig

	var wg sync.WaitGroup
	start := func(name string, sec float64, tick func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.runPeriodic(ctx, name, config.SchedulerPeriod(sec), tick)
		}()
	}

	start("features", sched.FeaturesSec, b.tickFeatures)
	start("regime", sched.RegimeSec, b.tickRegime)
	start("forecast", sched.ForecastSec, b.tickForecast)
	start("risk", sched.RiskSec, b.tickRisk)
	start("router", sched.RouterSec, b.tickRouter)
	start("reconcile", sched.ReconcileSec, b.tickReconcile)
	start("guard", sched.GuardSec, b.tickGuard)
	start("account", sched.AccountSec, func(context.Context) { b.refreshAccount() })
	start("reload", sched.ReloadSec, b.tickReload)

	if b.accounts != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.pumpAccountUpdates(ctx)
		}()
	}

	b.logger.Info().Msg("bot running")
	wg.Wait()
	b.logger.Info().Msg("bot stopped")
}

// runPeriodic ticks fn at the given period, isolating panics per tick
func (b *Bot) runPeriodic(ctx context.Context, name string, period time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.safeTick(ctx, name, tick)
		}
	}
}

func (b *Bot) safeTick(ctx context.Context, name string, tick func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("task", name).Msg("task tick panicked")
		}
	}()
	tick(ctx)
}

func (b *Bot) tickFeatures(context.Context) {
	snap := b.bus.Snapshot()
	for _, fs := range b.engine.Process(snap) {
		b.bus.SetFeatures(fs)
	}
}

func (b *Bot) tickRegime(context.Context) {
	snap := b.bus.Snapshot()
	for _, r := range b.regimes.Process(snap) {
		b.bus.SetRegime(r)
	}
}

func (b *Bot) tickForecast(context.Context) {
	snap := b.bus.Snapshot()
	for _, fc := range b.ensemble.Process(snap) {
		b.bus.SetForecast(fc)
	}
}

func (b *Bot) tickRisk(context.Context) {
	snap := b.bus.Snapshot()
	targets, summary := b.risk.Process(snap, time.Now())
	for _, t := range targets {
		b.bus.SetTarget(t)
	}
	b.bus.SetRiskSummary(summary)
}

func (b *Bot) tickRouter(ctx context.Context) {
	b.router.Process(ctx, b.bus.Snapshot())
}

func (b *Bot) tickReconcile(ctx context.Context) {
	b.rec.Tick(ctx, b.bus.Snapshot())
}

func (b *Bot) tickGuard(ctx context.Context) {
	b.guard.Tick(ctx, b.bus.Snapshot())
}

// refreshAccount polls balances, positions and open orders over REST. A
// failed fetch simply leaves the previous values in place.
func (b *Bot) refreshAccount() {
	if info, err := b.client.GetFuturesAccountInfo(); err == nil {
		b.bus.SetAccount(state.Account{
			WalletBalance:    info.TotalWalletBalance,
			MarginBalance:    info.TotalMarginBalance,
			AvailableBalance: info.AvailableBalance,
			UnrealizedProfit: info.TotalUnrealizedProfit,
			UpdatedAt:        time.Now().UnixMilli(),
		})
	} else {
		b.logger.Debug().Err(err).Msg("account fetch failed")
	}

	if positions, err := b.client.GetPositions(); err == nil {
		converted := make([]state.Position, 0, len(positions))
		for _, p := range positions {
			converted = append(converted, state.Position{
				Symbol:           p.Symbol,
				Qty:              p.PositionAmt,
				EntryPrice:       p.EntryPrice,
				UnrealizedProfit: p.UnrealizedProfit,
				UpdatedAt:        time.Now().UnixMilli(),
			})
		}
		b.bus.SetPositions(converted)
	} else {
		b.logger.Debug().Err(err).Msg("position fetch failed")
	}

	for _, sym := range b.cfg.Current().MarketConfig.Symbols {
		orders, err := b.client.GetOpenOrders(sym)
		if err != nil {
			b.logger.Debug().Err(err).Str("symbol", sym).Msg("open orders fetch failed")
			continue
		}
		b.bus.SetOpenOrders(sym, orders)
	}
}

// tickReload re-reads the config file and, on change, pushes the updated
// thresholds into every running component. Structural settings (symbols,
// timeframes, endpoints, scheduler periods) still need a restart.
func (b *Bot) tickReload(context.Context) {
	changed, err := b.cfg.Reload()
	if err != nil {
		b.logger.Warn().Err(err).Msg("config reload failed")
		return
	}
	if !changed {
		return
	}

	cfg := b.cfg.Current()
	b.regimes.Reconfigure(cfg.RegimeConfig)
	b.ensemble.Reconfigure(cfg.ForecastConfig)
	b.risk.Reconfigure(cfg.RiskConfig, cfg.ForecastConfig.StrongThr)
	if b.gates != nil {
		b.gates.Reconfigure(cfg.GatesConfig)
	}
	b.router.Reconfigure(cfg.ExecConfig)
	b.rec.Reconfigure(cfg.ReconcileConfig)
	b.guard.Reconfigure(cfg.GuardConfig)
	if b.quality != nil {
		b.quality.Reconfigure(cfg.MetricsConfig)
	}
	b.logger.Info().Msg("config reloaded, thresholds applied")
}

func (b *Bot) pumpAccountUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-b.accounts:
			if !ok {
				return
			}
			for _, p := range u.Positions {
				b.bus.UpsertPosition(state.Position{
					Symbol:           p.Symbol,
					Qty:              p.PositionAmt,
					EntryPrice:       p.EntryPrice,
					UnrealizedProfit: p.UnrealizedProfit,
					UpdatedAt:        u.EventTime,
				})
			}
		}
	}
}
