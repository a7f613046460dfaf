package reconcile

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/binance"
	"futures-trading-agent/internal/metrics"
	"futures-trading-agent/internal/state"
	"futures-trading-agent/internal/store"
)

// routerControl is the slice of the order router the reconciler drives
type routerControl interface {
	ClearCooldown(symbol string)
	LastSubmitAt(symbol string) time.Time
	Cancel(ctx context.Context, symbol string, orderID int64) error
}

type trackedOrder struct {
	symbol        string
	clientOrderID string
	cumQty        float64
	origQty       float64
	status        string
	firstSeen     time.Time
}

// Reconciler drains order-trade events, persists fills, audits slippage and
// closes the loop between targets and actual positions: stale gaps clear the
// router cooldown, residuals are reported, and orders stuck partially filled
// get canceled.
type Reconciler struct {
	mu      sync.Mutex
	cfg     config.ReconcileConfig
	events  <-chan binance.OrderTradeUpdate
	repo    store.Repository
	quality *metrics.ExecQuality
	ledger  *metrics.OrderLedger
	router  routerControl
	logger  zerolog.Logger

	tracked    map[int64]*trackedOrder
	lastReport time.Time

	now func() time.Time
}

// New creates a reconciler. quality and ledger may be nil.
func New(cfg config.ReconcileConfig, events <-chan binance.OrderTradeUpdate, repo store.Repository,
	quality *metrics.ExecQuality, ledger *metrics.OrderLedger, router routerControl, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		events:  events,
		repo:    repo,
		quality: quality,
		ledger:  ledger,
		router:  router,
		logger:  logger.With().Str("component", "Reconciler").Logger(),
		tracked: make(map[int64]*trackedOrder),
		now:     time.Now,
	}
}

// Reconfigure swaps in reloaded thresholds for the next tick
func (r *Reconciler) Reconfigure(cfg config.ReconcileConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Tick runs one reconciliation pass over the snapshot
func (r *Reconciler) Tick(ctx context.Context, snap state.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drainEvents(ctx, snap)
	r.nudgeStale(snap)
	r.reportEpsilon(snap)
	r.cancelStuckOrders(ctx)
}

func (r *Reconciler) drainEvents(ctx context.Context, snap state.Snapshot) {
	batch := r.cfg.DrainBatch
	if batch <= 0 {
		batch = 200
	}
	for i := 0; i < batch; i++ {
		select {
		case u, ok := <-r.events:
			if !ok {
				return
			}
			r.handleUpdate(ctx, snap, u)
		default:
			return
		}
	}
}

func (r *Reconciler) handleUpdate(ctx context.Context, snap state.Snapshot, u binance.OrderTradeUpdate) {
	if r.ledger != nil {
		r.ledger.OrderUpdated(u)
	}

	ord := r.tracked[u.OrderID]
	if ord == nil {
		ord = &trackedOrder{
			symbol:        u.Symbol,
			clientOrderID: u.ClientOrderID,
			firstSeen:     r.now(),
		}
		r.tracked[u.OrderID] = ord
	}
	ord.status = u.Status
	if u.OrigQty > ord.origQty {
		ord.origQty = u.OrigQty
	}
	switch {
	case u.CumQty < ord.cumQty:
		r.logger.Warn().
			Str("symbol", u.Symbol).
			Int64("orderId", u.OrderID).
			Float64("cum", u.CumQty).
			Float64("prev", ord.cumQty).
			Msg("cumulative qty decreased, keeping previous")
	case ord.origQty > 0 && u.CumQty > ord.origQty:
		r.logger.Warn().
			Str("symbol", u.Symbol).
			Int64("orderId", u.OrderID).
			Float64("cum", u.CumQty).
			Float64("orig", ord.origQty).
			Msg("cumulative qty above submitted qty, clamping")
		ord.cumQty = ord.origQty
	default:
		ord.cumQty = u.CumQty
	}

	if u.LastQty > 0 && u.LastPrice > 0 {
		r.handleFill(ctx, snap, u)
	}

	if binance.OrderStatus(u.Status).IsTerminal() {
		delete(r.tracked, u.OrderID)
	}
}

func (r *Reconciler) handleFill(ctx context.Context, snap state.Snapshot, u binance.OrderTradeUpdate) {
	slip := 0.0
	mark, hasMark := snap.Marks[u.Symbol]
	if hasMark && mark.Price > 0 {
		slip = math.Abs(u.LastPrice-mark.Price) / mark.Price
	}

	fill := state.Fill{
		Symbol:        u.Symbol,
		OrderID:       u.OrderID,
		ClientOrderID: u.ClientOrderID,
		Side:          u.Side,
		Qty:           u.LastQty,
		Price:         u.LastPrice,
		Commission:    u.Commission,
		SlipPct:       slip,
		TradeTime:     u.TradeTime,
	}
	if err := r.repo.SaveFill(ctx, fill); err != nil {
		r.logger.Warn().Err(err).Str("symbol", u.Symbol).Msg("persist fill failed")
	}
	if r.quality != nil && hasMark {
		r.quality.RecordFill(u.Side, u.LastPrice, mark.Price)
	}

	switch {
	case slip >= r.cfg.SlipMaxPct:
		r.logger.Error().
			Str("symbol", u.Symbol).
			Float64("slipPct", slip).
			Float64("fill", u.LastPrice).
			Float64("mark", mark.Price).
			Msg("fill slippage above max threshold")
	case slip >= r.cfg.SlipWarnPct:
		r.logger.Warn().
			Str("symbol", u.Symbol).
			Float64("slipPct", slip).
			Msg("fill slippage above warn threshold")
	}
}

// nudgeStale clears the router cooldown for symbols whose position trails
// the target and which have not submitted anything recently.
func (r *Reconciler) nudgeStale(snap state.Snapshot) {
	staleAfter := time.Duration(r.cfg.StaleSec * float64(time.Second))
	now := r.now()
	for key, target := range snap.Targets {
		if target.Qty == 0 && snap.Positions[key.Symbol].Qty == 0 {
			continue
		}
		gap := math.Abs(target.Qty - snap.Positions[key.Symbol].Qty)
		ref := math.Abs(target.Qty)
		if ref == 0 || gap <= ref*r.cfg.StaleRel {
			continue
		}
		last := r.router.LastSubmitAt(key.Symbol)
		if !last.IsZero() && now.Sub(last) < staleAfter {
			continue
		}
		r.router.ClearCooldown(key.Symbol)
		if r.quality != nil {
			r.quality.RecordNudge()
		}
		r.logger.Info().
			Str("symbol", key.Symbol).
			Float64("target", target.Qty).
			Float64("position", snap.Positions[key.Symbol].Qty).
			Msg("stale gap, cooldown cleared")
	}
}

// reportEpsilon periodically logs target-minus-position residuals. This is
// diagnostic only.
func (r *Reconciler) reportEpsilon(snap state.Snapshot) {
	period := time.Duration(r.cfg.EpsilonReportSec * float64(time.Second))
	if period <= 0 {
		return
	}
	now := r.now()
	if now.Sub(r.lastReport) < period {
		return
	}
	r.lastReport = now

	for key, target := range snap.Targets {
		residual := target.Qty - snap.Positions[key.Symbol].Qty
		abs := math.Abs(residual)
		if abs <= r.cfg.EpsilonAbs && (target.Qty == 0 || abs <= math.Abs(target.Qty)*r.cfg.EpsilonRel) {
			continue
		}
		r.logger.Info().
			Str("symbol", key.Symbol).
			Float64("residual", residual).
			Float64("target", target.Qty).
			Msg("position residual")
	}
}

// cancelStuckOrders cancels anything sitting NEW or PARTIALLY_FILLED past
// the partial-fill timeout.
func (r *Reconciler) cancelStuckOrders(ctx context.Context) {
	timeout := time.Duration(r.cfg.PartialTimeoutSec * float64(time.Second))
	if timeout <= 0 {
		return
	}
	now := r.now()
	for orderID, ord := range r.tracked {
		if ord.status != string(binance.OrderStatusNew) && ord.status != string(binance.OrderStatusPartiallyFilled) {
			continue
		}
		if now.Sub(ord.firstSeen) < timeout {
			continue
		}
		if err := r.router.Cancel(ctx, ord.symbol, orderID); err != nil {
			r.logger.Warn().Err(err).Str("symbol", ord.symbol).Int64("orderId", orderID).Msg("timeout cancel failed")
			continue
		}
		if r.quality != nil {
			r.quality.RecordCancel()
		}
		r.logger.Warn().
			Str("symbol", ord.symbol).
			Int64("orderId", orderID).
			Float64("cumQty", ord.cumQty).
			Msg("order stuck past partial-fill timeout, canceled")
		delete(r.tracked, orderID)
	}
}
