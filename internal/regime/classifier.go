package regime

import (
	"sync"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/state"
)

// Regime codes
const (
	TrendUp   = "TREND_UP"
	TrendDown = "TREND_DOWN"
	RangeHigh = "RANGE_HIGH"
	RangeLow  = "RANGE_LOW"
)

// Trend direction labels for the hysteresis sub-machine
const (
	trendNone = "NONE"
	trendUp   = "UP"
	trendDown = "DOWN"
)

type symState struct {
	lastBar int64
	age     int
	trend   string
	rvHigh  bool
	rvLow   bool
	code    string
}

// Classifier resolves a market regime per (symbol, timeframe) from the EMA
// spread and the return-volatility percentile. Both inputs pass through
// hysteresis with separate enter/exit thresholds, and a minimum dwell keeps
// a fresh regime from flipping straight back.
type Classifier struct {
	mu     sync.Mutex
	cfg    config.RegimeConfig
	logger zerolog.Logger
	states map[state.TFKey]*symState
}

// NewClassifier creates a regime classifier
func NewClassifier(cfg config.RegimeConfig, logger zerolog.Logger) *Classifier {
	return &Classifier{
		cfg:    cfg,
		logger: logger.With().Str("component", "RegimeClassifier").Logger(),
		states: make(map[state.TFKey]*symState),
	}
}

// Reconfigure swaps in reloaded hysteresis thresholds
func (c *Classifier) Reconfigure(cfg config.RegimeConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Process classifies every feature set in the snapshot that carries a new
// bar timestamp and returns the resolved regimes.
func (c *Classifier) Process(snap state.Snapshot) []state.RegimeState {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []state.RegimeState
	for key, fs := range snap.Features {
		st := c.states[key]
		if st == nil {
			st = &symState{trend: trendNone}
			c.states[key] = st
		}
		if fs.BarTime <= st.lastBar {
			continue
		}
		st.lastBar = fs.BarTime
		st.age++

		resolved := c.resolve(st, fs.EMASpread, fs.RVRank)

		prev := st.code
		changed := false
		if prev != "" && resolved != prev && st.age < c.cfg.MinDwellBars {
			// dwell not elapsed, hold the previous regime
			resolved = prev
		} else if resolved != prev {
			st.age = 0
			changed = true
		}
		st.code = resolved

		if changed {
			c.logger.Info().
				Str("symbol", key.Symbol).
				Str("tf", key.Timeframe).
				Str("from", prev).
				Str("to", resolved).
				Float64("emaSpread", fs.EMASpread).
				Float64("rvRank", fs.RVRank).
				Msg("regime change")
		}

		out = append(out, state.RegimeState{
			Symbol:    key.Symbol,
			Timeframe: key.Timeframe,
			BarTime:   fs.BarTime,
			Trend:     st.trend,
			Vol:       volLabel(st.rvHigh, st.rvLow),
			Code:      resolved,
			DwellBars: st.age,
			Changed:   changed,
		})
	}
	return out
}

// resolve advances both hysteresis machines and combines them: trend first,
// then high-vol over low-vol, otherwise the previous regime is retained.
func (c *Classifier) resolve(st *symState, emaSpread, rvRank float64) string {
	st.trend = c.stepTrend(st.trend, emaSpread)
	st.rvHigh, st.rvLow = c.stepVol(st.rvHigh, st.rvLow, rvRank)

	switch st.trend {
	case trendUp:
		return TrendUp
	case trendDown:
		return TrendDown
	}
	if st.rvHigh && !st.rvLow {
		return RangeHigh
	}
	if st.rvLow {
		return RangeLow
	}
	if st.code != "" {
		return st.code
	}
	return RangeLow
}

func (c *Classifier) stepTrend(prev string, spread float64) string {
	cur := prev
	if prev == trendNone || prev == trendDown {
		if spread >= c.cfg.EmaUpOn {
			cur = trendUp
		}
	}
	if prev == trendUp && spread <= c.cfg.EmaUpOff {
		if spread <= c.cfg.EmaDownOn {
			cur = trendDown
		} else {
			cur = trendNone
		}
	}
	if prev == trendNone || prev == trendUp {
		if spread <= c.cfg.EmaDownOn {
			cur = trendDown
		}
	}
	if prev == trendDown && spread >= c.cfg.EmaDownOff {
		if spread >= c.cfg.EmaUpOn {
			cur = trendUp
		} else {
			cur = trendNone
		}
	}
	return cur
}

func (c *Classifier) stepVol(hi, lo bool, rvRank float64) (bool, bool) {
	if !hi && rvRank >= c.cfg.RvHighOn {
		hi = true
	} else if hi && rvRank <= c.cfg.RvHighOff {
		hi = false
	}
	if !lo && rvRank <= c.cfg.RvLowOn {
		lo = true
	} else if lo && rvRank >= c.cfg.RvLowOff {
		lo = false
	}
	return hi, lo
}

func volLabel(hi, lo bool) string {
	if hi && !lo {
		return "HIGH"
	}
	if lo {
		return "LOW"
	}
	return "MID"
}
