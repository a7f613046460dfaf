package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/forecast"
	"futures-trading-agent/internal/state"
)

// Gate block reasons
const (
	BlockCooldown         = "cooldown"
	BlockRegime           = "regime"
	BlockCloudConsistency = "cloud_consistency"
	BlockCloudThick       = "cloud_thick"
	BlockTwistGuard       = "twist_guard"
	BlockPositionConflict = "position_conflict"
)

// GateDecision reports whether an entry may proceed and what blocked it
type GateDecision struct {
	Allow        bool
	Blocked      []string
	CooldownLeft time.Duration
}

// GateKeeper vetoes entries the sizing math alone would allow: re-entry too
// soon after an exit, stances fighting the regime or an existing position,
// and Ichimoku cloud conditions on the confirm timeframe (entering against
// a consistent cloud, breakout entries into a historically thick cloud, or
// any entry with a cloud twist projected within the guard window).
type GateKeeper struct {
	mu       sync.Mutex
	cfg      config.GatesConfig
	lastExit map[string]time.Time
	logger   zerolog.Logger
	now      func() time.Time
}

// NewGateKeeper creates an entry gate keeper
func NewGateKeeper(cfg config.GatesConfig, logger zerolog.Logger) *GateKeeper {
	return &GateKeeper{
		cfg:      cfg,
		lastExit: make(map[string]time.Time),
		logger:   logger.With().Str("component", "GateKeeper").Logger(),
		now:      time.Now,
	}
}

// Reconfigure swaps in reloaded gate thresholds
func (g *GateKeeper) Reconfigure(cfg config.GatesConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// MarkExit starts the symbol's re-entry cooldown
func (g *GateKeeper) MarkExit(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastExit[symbol] = g.now()
}

// Evaluate checks every gate for a non-flat forecast. key is the anchor
// (symbol, timeframe) being sized.
func (g *GateKeeper) Evaluate(snap state.Snapshot, key state.TFKey, fc state.Forecast) GateDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := GateDecision{Allow: true}
	if !g.cfg.Enabled || fc.Stance == forecast.StanceFlat {
		return d
	}

	block := func(reason string) {
		d.Allow = false
		d.Blocked = append(d.Blocked, reason)
	}

	if last, ok := g.lastExit[key.Symbol]; ok {
		cooldown := time.Duration(g.cfg.ReenterCooldownSec * float64(time.Second))
		elapsed := g.now().Sub(last)
		if elapsed < cooldown {
			block(BlockCooldown)
			d.CooldownLeft = cooldown - elapsed
		}
	}

	if g.cfg.AlignMode == "strict" {
		if rg, ok := snap.Regimes[key]; ok {
			if rg.Trend == "UP" && fc.Stance == forecast.StanceShort {
				block(BlockRegime)
			}
			if rg.Trend == "DOWN" && fc.Stance == forecast.StanceLong {
				block(BlockRegime)
			}
		}
	}

	anchor, hasAnchor := snap.Features[key]
	confirm, hasConfirm := snap.Features[state.TFKey{Symbol: key.Symbol, Timeframe: g.cfg.ConfirmTF}]
	if hasConfirm {
		if hasAnchor {
			if confirm.PricePos == 1 && anchor.PricePos == 1 && fc.Stance == forecast.StanceShort {
				block(BlockCloudConsistency)
			}
			if confirm.PricePos == -1 && anchor.PricePos == -1 && fc.Stance == forecast.StanceLong {
				block(BlockCloudConsistency)
			}
		}
		if confirm.CloudThickRank >= g.cfg.ThickRankVeto && fc.Components["cross"] > 0 {
			block(BlockCloudThick)
		}
		if confirm.TwistAhead >= 0 && confirm.TwistAhead <= g.cfg.TwistGuardBars {
			block(BlockTwistGuard)
		}
	}

	if pos, ok := snap.Positions[key.Symbol]; ok {
		if pos.Qty > 0 && fc.Stance == forecast.StanceShort {
			block(BlockPositionConflict)
		}
		if pos.Qty < 0 && fc.Stance == forecast.StanceLong {
			block(BlockPositionConflict)
		}
	}

	if !d.Allow {
		g.logger.Debug().
			Str("symbol", key.Symbol).
			Str("stance", fc.Stance).
			Strs("blocked", d.Blocked).
			Msg("entry gated")
	}
	return d
}
