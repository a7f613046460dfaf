package router

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/binance"
	"futures-trading-agent/internal/state"
)

// SubmitSink observes accepted submissions (order ledger, metrics)
type SubmitSink interface {
	OrderSubmitted(symbol, side string, qty float64, clientOrderID string, at time.Time)
}

// Router turns position targets into exchange orders. Every submission is
// gated by an idempotency key, a per-symbol cooldown and a slippage
// preflight; only whitelisted transient exchange errors are retried.
type Router struct {
	cfg    config.ExecConfig
	client binance.FuturesClient
	idem   IdemStore
	sink   SubmitSink
	logger zerolog.Logger

	mu         sync.Mutex
	rules      map[string]binance.SymbolRule
	lastSubmit map[string]time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates an order router. sink may be nil.
func New(cfg config.ExecConfig, client binance.FuturesClient, idem IdemStore, sink SubmitSink, logger zerolog.Logger) *Router {
	return &Router{
		cfg:        cfg,
		client:     client,
		idem:       idem,
		sink:       sink,
		logger:     logger.With().Str("component", "OrderRouter").Logger(),
		rules:      make(map[string]binance.SymbolRule),
		lastSubmit: make(map[string]time.Time),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// SetRules installs the exchange trading filters
func (r *Router) SetRules(rules map[string]binance.SymbolRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = rules
}

// Reconfigure swaps in reloaded routing parameters. In-flight submissions
// finish under the config they started with.
func (r *Router) Reconfigure(cfg config.ExecConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// conf snapshots the routing config for one operation
func (r *Router) conf() config.ExecConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// ClearCooldown removes a symbol's cooldown so the next tick may submit
// immediately. Used by the reconciler's staleness nudge.
func (r *Router) ClearCooldown(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastSubmit, symbol)
}

// LastSubmitAt reports when the symbol last submitted, zero if never
func (r *Router) LastSubmitAt(symbol string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSubmit[symbol]
}

// Process reconciles every target in the snapshot against the live position
// and submits the delta orders.
func (r *Router) Process(ctx context.Context, snap state.Snapshot) {
	cfg := r.conf()
	for key, target := range snap.Targets {
		if ctx.Err() != nil {
			return
		}
		r.processTarget(ctx, cfg, snap, key, target)
	}
}

func (r *Router) processTarget(ctx context.Context, cfg config.ExecConfig, snap state.Snapshot, key state.TFKey, target state.Target) {
	posQty := snap.Positions[key.Symbol].Qty
	delta := target.Qty - posQty

	tolerance := math.Max(cfg.ToleranceAbs, math.Abs(target.Qty)*cfg.ToleranceRel)
	if math.Abs(delta) <= tolerance {
		return
	}

	if !r.cooldownElapsed(key.Symbol, cfg.CooldownSec) {
		r.logger.Debug().Str("symbol", key.Symbol).Msg("cooldown active, skipping")
		return
	}

	// slippage preflight against the signal's reference price
	if mark, ok := snap.Marks[key.Symbol]; ok && target.MarkPrice > 0 && mark.Price > 0 {
		bps := math.Abs(mark.Price-target.MarkPrice) / target.MarkPrice * 10000
		if bps > cfg.MaxSlippageBps {
			r.logger.Warn().
				Str("symbol", key.Symbol).
				Float64("bps", bps).
				Float64("ref", target.MarkPrice).
				Float64("mark", mark.Price).
				Msg("projected slippage too high, skipping")
			return
		}
	}

	side := binance.SideBuy
	if delta < 0 {
		side = binance.SideSell
	}
	qty, ok := r.conformQty(cfg, key.Symbol, math.Abs(delta))
	if !ok {
		return
	}

	reducing := posQty*delta < 0 && math.Abs(delta) <= math.Abs(posQty)
	reduceOnly := cfg.ReduceOnly && reducing
	action := ActionOpen
	if reducing {
		action = ActionReduce
	}

	// reserve the bar's intent key only once everything else clears, so a
	// skipped tick can still submit on a later one
	idemKey := IdemKey(key.Symbol, key.Timeframe, target.BarTime, string(side), action)
	ttl := time.Duration(cfg.IdemTTLSec) * time.Second
	ok, err := r.idem.Reserve(ctx, idemKey, ttl)
	if err != nil {
		r.logger.Error().Err(err).Str("key", idemKey).Msg("idempotency reserve failed")
		return
	}
	if !ok {
		return // this bar's intent already submitted
	}

	r.submit(ctx, cfg, key.Symbol, side, qty, reduceOnly, target.Reason)
}

// ForceFlat closes the symbol's entire position with a reduce-only market
// order, bypassing targets, idempotency and cooldown. Used by the guard.
func (r *Router) ForceFlat(ctx context.Context, symbol string, posQty float64) {
	if posQty == 0 {
		return
	}
	cfg := r.conf()
	side := binance.SideSell
	if posQty < 0 {
		side = binance.SideBuy
	}
	qty, ok := r.conformQty(cfg, symbol, math.Abs(posQty))
	if !ok {
		return
	}
	r.submit(ctx, cfg, symbol, side, qty, true, "FORCE_FLAT")
}

// ForceReduce trims |reduceQty| off the symbol's position, reduce-only
func (r *Router) ForceReduce(ctx context.Context, symbol string, posQty, reduceQty float64) {
	if posQty == 0 || reduceQty <= 0 {
		return
	}
	cfg := r.conf()
	side := binance.SideSell
	if posQty < 0 {
		side = binance.SideBuy
	}
	qty, ok := r.conformQty(cfg, symbol, math.Min(reduceQty, math.Abs(posQty)))
	if !ok {
		return
	}
	r.submit(ctx, cfg, symbol, side, qty, true, "REDUCE")
}

// Cancel cancels an open order
func (r *Router) Cancel(ctx context.Context, symbol string, orderID int64) error {
	if !r.conf().Active {
		r.logger.Info().Str("symbol", symbol).Int64("orderId", orderID).Msg("[dry-run] cancel order")
		return nil
	}
	return r.client.CancelFuturesOrder(symbol, orderID)
}

func (r *Router) cooldownElapsed(symbol string, cooldownSec float64) bool {
	cooldown := time.Duration(cooldownSec * float64(time.Second))
	if cooldown <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastSubmit[symbol]
	return !ok || r.now().Sub(last) >= cooldown
}

// conformQty rounds the quantity down to the lot step and applies the
// min/max bounds. Below-minimum quantities are bumped or skipped per policy.
func (r *Router) conformQty(cfg config.ExecConfig, symbol string, qty float64) (float64, bool) {
	r.mu.Lock()
	rule, ok := r.rules[symbol]
	r.mu.Unlock()
	if !ok {
		return qty, qty > 0
	}

	if rule.StepSize > 0 {
		qty = math.Floor(qty/rule.StepSize) * rule.StepSize
	}
	if rule.MaxQty > 0 && qty > rule.MaxQty {
		qty = rule.MaxQty
	}
	if rule.MinQty > 0 && qty < rule.MinQty {
		if cfg.MinQtyPolicy == "bump" {
			qty = rule.MinQty
		} else {
			r.logger.Debug().Str("symbol", symbol).Float64("qty", qty).Msg("below min qty, skipping")
			return 0, false
		}
	}
	return qty, qty > 0
}

func (r *Router) submit(ctx context.Context, cfg config.ExecConfig, symbol string, side binance.OrderSide, qty float64, reduceOnly bool, reason string) {
	clientOrderID := "fta-" + uuid.NewString()[:18]
	now := r.now()

	r.mu.Lock()
	r.lastSubmit[symbol] = now
	r.mu.Unlock()

	if !cfg.Active {
		r.logger.Info().
			Str("symbol", symbol).
			Str("side", string(side)).
			Float64("qty", qty).
			Bool("reduceOnly", reduceOnly).
			Str("reason", reason).
			Msg("[dry-run] order")
		if r.sink != nil {
			r.sink.OrderSubmitted(symbol, string(side), qty, clientOrderID, now)
		}
		return
	}

	params := binance.FuturesOrderParams{
		Symbol:           symbol,
		Side:             side,
		Type:             binance.OrderTypeMarket,
		Quantity:         qty,
		ReduceOnly:       reduceOnly,
		NewClientOrderID: clientOrderID,
	}

	attempts := maxAttempts(cfg)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := r.client.PlaceFuturesOrder(params)
		if err == nil {
			r.logger.Info().
				Str("symbol", symbol).
				Str("side", string(side)).
				Float64("qty", qty).
				Int64("orderId", resp.OrderID).
				Str("status", resp.Status).
				Str("reason", reason).
				Msg("order submitted")
			if r.sink != nil {
				r.sink.OrderSubmitted(symbol, string(side), qty, clientOrderID, now)
			}
			return
		}
		lastErr = err
		if !binance.IsTransient(err) {
			r.logger.Error().Err(err).Str("symbol", symbol).Msg("order rejected")
			return
		}
		if attempt < attempts {
			backoff := time.Duration(attempt*cfg.RetryBackoffMs) * time.Millisecond
			r.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("transient order error, retrying")
			select {
			case <-ctx.Done():
				return
			default:
			}
			r.sleep(backoff)
		}
	}
	r.logger.Error().Err(lastErr).Str("symbol", symbol).Msgf("order failed after %d attempts", attempts)
}

func maxAttempts(cfg config.ExecConfig) int {
	if cfg.MaxAttempts < 1 {
		return 1
	}
	return cfg.MaxAttempts
}
