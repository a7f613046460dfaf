package risk

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/forecast"
	"futures-trading-agent/internal/state"
)

// Target reasons
const (
	ReasonOK          = "OK"
	ReasonFlat        = "FLAT"
	ReasonCap         = "CAP"
	ReasonMinNotional = "MIN_NOTIONAL"
	ReasonDayCut      = "DAY_CUT"
	ReasonGate        = "GATE"
)

// Engine converts forecasts into sized position targets under portfolio
// constraints: the entry gates, the daily loss cut and the per-side
// correlation cap.
type Engine struct {
	mu        sync.Mutex
	cfg       config.RiskConfig
	tf        string
	strongThr float64
	gates     *GateKeeper
	logger    zerolog.Logger

	dayAnchor  time.Time
	dayStartEq float64
	prevLive   map[string]bool
}

// NewEngine creates a risk engine sizing forecasts on the given timeframe.
// strongThr is the ensemble's strong-score threshold; strength saturates at
// 1 exactly where the forecast turns strong. gates may be nil.
func NewEngine(cfg config.RiskConfig, tf string, strongThr float64, gates *GateKeeper, logger zerolog.Logger) *Engine {
	if strongThr <= 0 {
		strongThr = 0.60
	}
	return &Engine{
		cfg:       cfg,
		tf:        tf,
		strongThr: strongThr,
		gates:     gates,
		logger:    logger.With().Str("component", "RiskEngine").Logger(),
		prevLive:  make(map[string]bool),
	}
}

// Reconfigure swaps in reloaded sizing limits and the ensemble's strong
// threshold. Takes effect on the next Process call.
func (e *Engine) Reconfigure(cfg config.RiskConfig, strongThr float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	if strongThr > 0 {
		e.strongThr = strongThr
	}
}

// Process recomputes all targets from the snapshot's forecasts. Sizing is a
// pure function of the snapshot plus the day anchor, so running it twice on
// the same snapshot yields the same targets.
func (e *Engine) Process(snap state.Snapshot, now time.Time) ([]state.Target, state.RiskSummary) {
	e.mu.Lock()
	defer e.mu.Unlock()

	equity := e.resolveEquity(snap.Account)
	e.rollDayAnchor(now, equity)

	dayPnLPct := 0.0
	if e.dayStartEq > 0 {
		dayPnLPct = (equity - e.dayStartEq) / e.dayStartEq * 100
	}
	dayCut := dayPnLPct <= -e.cfg.DayMaxLossPct

	var targets []state.Target
	for key, fc := range snap.Forecasts {
		if key.Timeframe != e.tf {
			continue
		}
		t := e.sizeOne(snap, key, fc, equity, dayCut, now)
		if e.gates != nil && e.prevLive[key.Symbol] && t.Qty == 0 {
			e.gates.MarkExit(key.Symbol)
		}
		e.prevLive[key.Symbol] = t.Qty != 0
		targets = append(targets, t)
	}

	e.applyCorrCap(targets, equity)

	summary := state.RiskSummary{
		Equity:     equity,
		DayStartEq: e.dayStartEq,
		DayPnLPct:  dayPnLPct,
		DayCut:     dayCut,
		UpdatedAt:  now.UnixMilli(),
	}
	for _, t := range targets {
		if t.Qty > 0 {
			summary.LongNotional += t.Notional
		} else if t.Qty < 0 {
			summary.ShortNotional += t.Notional
		}
	}
	if dayCut {
		e.logger.Warn().Float64("dayPnlPct", dayPnLPct).Msg("daily loss cut active, all targets zeroed")
	}
	return targets, summary
}

func (e *Engine) sizeOne(snap state.Snapshot, key state.TFKey, fc state.Forecast, equity float64, dayCut bool, now time.Time) state.Target {
	t := state.Target{
		Symbol:    key.Symbol,
		Timeframe: key.Timeframe,
		BarTime:   fc.BarTime,
		Stance:    fc.Stance,
		Equity:    equity,
		Reason:    ReasonOK,
		CreatedAt: now.UnixMilli(),
	}

	if dayCut {
		t.Reason = ReasonDayCut
		return t
	}
	if fc.Stance == forecast.StanceFlat {
		t.Reason = ReasonFlat
		return t
	}

	if e.gates != nil {
		if d := e.gates.Evaluate(snap, key, fc); !d.Allow {
			t.Reason = ReasonGate
			return t
		}
	}

	fs, ok := snap.Features[key]
	if !ok || fs.ATR <= 0 {
		t.Reason = ReasonFlat
		return t
	}

	mark := fs.Close
	if m, ok := snap.Marks[key.Symbol]; ok && m.Price > 0 {
		mark = m.Price
	}
	if mark <= 0 {
		t.Reason = ReasonFlat
		return t
	}
	t.MarkPrice = mark

	stop := e.cfg.ATRMultiple * fs.ATR
	strength := math.Min(1, math.Abs(fc.Score)/e.strongThr)
	budget := equity * e.cfg.RiskTargetPct * strength
	qty := budget / stop
	if fc.Stance == forecast.StanceShort {
		qty = -qty
	}

	t.StopDist = stop
	t.Strength = strength
	t.Qty = qty
	t.Notional = math.Abs(qty) * mark

	if t.Notional < e.cfg.MinNotional {
		t.Qty = 0
		t.Notional = 0
		t.Reason = ReasonMinNotional
	}
	return t
}

// applyCorrCap scales down each side uniformly when its summed notional
// exceeds equity * corrCapPerSide, relabeling scaled OK targets as CAP.
func (e *Engine) applyCorrCap(targets []state.Target, equity float64) {
	sideCap := equity * e.cfg.CorrCapPerSide
	if sideCap <= 0 {
		return
	}
	var longSum, shortSum float64
	for _, t := range targets {
		if t.Qty > 0 {
			longSum += t.Notional
		} else if t.Qty < 0 {
			shortSum += t.Notional
		}
	}
	scaleSide := func(side int, sum float64) {
		if sum <= sideCap {
			return
		}
		factor := sideCap / sum
		for i := range targets {
			t := &targets[i]
			if (side > 0 && t.Qty > 0) || (side < 0 && t.Qty < 0) {
				t.Qty *= factor
				t.Notional *= factor
				if t.Reason == ReasonOK {
					t.Reason = ReasonCap
				}
			}
		}
	}
	scaleSide(+1, longSum)
	scaleSide(-1, shortSum)
}

// resolveEquity falls back account -> configured override -> fixed default,
// never failing on missing account data.
func (e *Engine) resolveEquity(acct state.Account) float64 {
	if acct.MarginBalance > 0 {
		return acct.MarginBalance
	}
	if acct.WalletBalance > 0 {
		return acct.WalletBalance
	}
	if e.cfg.EquityOverride > 0 {
		return e.cfg.EquityOverride
	}
	return e.cfg.EquityDefault
}

// rollDayAnchor resets the day-start equity at each calendar day boundary
// (UTC), which also clears an active day cut.
func (e *Engine) rollDayAnchor(now time.Time, equity float64) {
	day := now.UTC().Truncate(24 * time.Hour)
	if e.dayAnchor.IsZero() || day.After(e.dayAnchor) {
		e.dayAnchor = day
		e.dayStartEq = equity
	}
}
