package guard

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/state"
)

// Guard actions
const (
	ActionForceFlat = "FORCE_FLAT"
	ActionReduce    = "REDUCE"
)

// orderControl is the slice of the router the guard drives directly,
// bypassing the normal target pipeline.
type orderControl interface {
	ForceFlat(ctx context.Context, symbol string, posQty float64)
	ForceReduce(ctx context.Context, symbol string, posQty, reduceQty float64)
}

// actionSink records protective actions for the state snapshot
type actionSink interface {
	AppendGuardAction(a state.GuardAction)
}

// exitMarker starts a symbol's re-entry cooldown after a forced flatten
type exitMarker interface {
	MarkExit(symbol string)
}

type trailState struct {
	active bool
	best   float64
}

// Guard is the independent safety layer: it reads live positions and marks
// each tick and force-reduces or flattens regardless of what the forecast
// pipeline wants.
type Guard struct {
	mu            sync.Mutex
	cfg           config.GuardConfig
	router        orderControl
	sink          actionSink
	exits         exitMarker
	equityDefault float64
	logger        zerolog.Logger

	trails map[string]*trailState

	now func() time.Time
}

// New creates a position guard. exits may be nil.
func New(cfg config.GuardConfig, router orderControl, sink actionSink, exits exitMarker, equityDefault float64, logger zerolog.Logger) *Guard {
	return &Guard{
		cfg:           cfg,
		router:        router,
		sink:          sink,
		exits:         exits,
		equityDefault: equityDefault,
		logger:        logger.With().Str("component", "PositionGuard").Logger(),
		trails:        make(map[string]*trailState),
		now:           time.Now,
	}
}

// Reconfigure swaps in updated guard thresholds
func (g *Guard) Reconfigure(cfg config.GuardConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// Tick runs all guard checks over the snapshot
func (g *Guard) Tick(ctx context.Context, snap state.Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.cfg.Enabled {
		return
	}

	// trailing state resets whenever a symbol is flat
	for sym := range g.trails {
		if snap.Positions[sym].Qty == 0 {
			delete(g.trails, sym)
		}
	}

	equity := g.resolveEquity(snap.Account)
	var totalNotional float64
	flattened := make(map[string]bool)

	for sym, pos := range snap.Positions {
		mark, ok := snap.Marks[sym]
		if !ok || mark.Price <= 0 {
			continue
		}
		notional := math.Abs(pos.Qty) * mark.Price
		totalNotional += notional

		if g.checkStopLoss(ctx, sym, pos, notional) {
			flattened[sym] = true
			continue
		}
		if g.checkTrailing(ctx, sym, pos, mark.Price) {
			flattened[sym] = true
			continue
		}
		g.checkSymbolLeverage(ctx, sym, pos, mark.Price, notional, equity)
	}

	g.checkPortfolioLeverage(ctx, snap, totalNotional, equity, flattened)
}

// checkStopLoss flattens a position whose unrealized loss reaches the stop
// percentage of its notional.
func (g *Guard) checkStopLoss(ctx context.Context, sym string, pos state.Position, notional float64) bool {
	if g.cfg.StopPct <= 0 || notional <= 0 {
		return false
	}
	pnlPct := pos.UnrealizedProfit / notional * 100
	if pnlPct > -g.cfg.StopPct {
		return false
	}
	g.logger.Warn().
		Str("symbol", sym).
		Float64("pnlPct", pnlPct).
		Float64("qty", pos.Qty).
		Msg("stop loss hit, force flattening")
	g.router.ForceFlat(ctx, sym, pos.Qty)
	if g.exits != nil {
		g.exits.MarkExit(sym)
	}
	g.record(sym, ActionForceFlat, "STOP_LOSS", pos.Qty)
	return true
}

// checkTrailing arms on unrealized profit and flattens once price retraces
// from the best seen level by the trail width.
func (g *Guard) checkTrailing(ctx context.Context, sym string, pos state.Position, mark float64) bool {
	if g.cfg.TrailActivatePct <= 0 || pos.EntryPrice <= 0 {
		return false
	}

	long := pos.Qty > 0
	profitPct := (mark - pos.EntryPrice) / pos.EntryPrice * 100
	if !long {
		profitPct = -profitPct
	}

	tr := g.trails[sym]
	if tr == nil {
		tr = &trailState{}
		g.trails[sym] = tr
	}

	if !tr.active {
		if profitPct < g.cfg.TrailActivatePct {
			return false
		}
		tr.active = true
		tr.best = mark
		g.logger.Info().Str("symbol", sym).Float64("profitPct", profitPct).Msg("trailing stop armed")
		return false
	}

	if (long && mark > tr.best) || (!long && mark < tr.best) {
		tr.best = mark
		return false
	}

	retracePct := (tr.best - mark) / tr.best * 100
	if !long {
		retracePct = -retracePct
	}
	if retracePct < g.cfg.TrailWidthPct {
		return false
	}

	g.logger.Warn().
		Str("symbol", sym).
		Float64("best", tr.best).
		Float64("mark", mark).
		Float64("retracePct", retracePct).
		Msg("trailing stop triggered, force flattening")
	g.router.ForceFlat(ctx, sym, pos.Qty)
	if g.exits != nil {
		g.exits.MarkExit(sym)
	}
	g.record(sym, ActionForceFlat, "TRAIL_STOP", pos.Qty)
	return true
}

// checkSymbolLeverage reduces a position down to the per-symbol cap
func (g *Guard) checkSymbolLeverage(ctx context.Context, sym string, pos state.Position, mark, notional, equity float64) {
	if g.cfg.MaxLeverPerSym <= 0 || equity <= 0 {
		return
	}
	lever := notional / equity
	if lever <= g.cfg.MaxLeverPerSym {
		return
	}
	excessNotional := notional - g.cfg.MaxLeverPerSym*equity
	reduceQty := excessNotional / mark
	g.logger.Warn().
		Str("symbol", sym).
		Float64("lever", lever).
		Float64("reduceQty", reduceQty).
		Msg("per-symbol leverage cap exceeded, reducing")
	g.router.ForceReduce(ctx, sym, pos.Qty, reduceQty)
	g.record(sym, ActionReduce, "SYMBOL_LEVER_CAP", reduceQty)
}

// checkPortfolioLeverage scales every surviving position proportionally when
// aggregate leverage exceeds the total cap.
func (g *Guard) checkPortfolioLeverage(ctx context.Context, snap state.Snapshot, totalNotional, equity float64, flattened map[string]bool) {
	if g.cfg.MaxLeverTotal <= 0 || equity <= 0 {
		return
	}
	lever := totalNotional / equity
	if lever <= g.cfg.MaxLeverTotal {
		return
	}
	factor := g.cfg.MaxLeverTotal / lever
	g.logger.Warn().
		Float64("lever", lever).
		Float64("factor", factor).
		Msg("portfolio leverage cap exceeded, scaling down")
	for sym, pos := range snap.Positions {
		if flattened[sym] || pos.Qty == 0 {
			continue
		}
		reduceQty := math.Abs(pos.Qty) * (1 - factor)
		if reduceQty <= 0 {
			continue
		}
		g.router.ForceReduce(ctx, sym, pos.Qty, reduceQty)
		g.record(sym, ActionReduce, "TOTAL_LEVER_CAP", reduceQty)
	}
}

func (g *Guard) record(sym, action, reason string, qty float64) {
	if g.sink == nil {
		return
	}
	g.sink.AppendGuardAction(state.GuardAction{
		Symbol: sym,
		Action: action,
		Reason: reason,
		Qty:    qty,
		At:     g.now().UnixMilli(),
	})
}

func (g *Guard) resolveEquity(acct state.Account) float64 {
	if acct.MarginBalance > 0 {
		return acct.MarginBalance
	}
	if acct.WalletBalance > 0 {
		return acct.WalletBalance
	}
	return g.equityDefault
}
