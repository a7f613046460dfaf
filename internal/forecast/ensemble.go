package forecast

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/state"
)

// Stances
const (
	StanceLong  = "LONG"
	StanceShort = "SHORT"
	StanceFlat  = "FLAT"
)

var componentNames = []string{"trend", "mr", "cross"}

// baseWeights maps regime code to (trend, mr, cross) base weights
var baseWeights = map[string][3]float64{
	"TREND_UP":   {0.6, 0.1, 0.3},
	"TREND_DOWN": {0.6, 0.1, 0.3},
	"RANGE_HIGH": {0.2, 0.3, 0.5},
	"RANGE_LOW":  {0.2, 0.6, 0.2},
}

type perfKey struct {
	regime    string
	component string
}

type symMemo struct {
	lastBar    int64
	lastRegime string
	lastSigns  [3]int
	lastClose  float64
	hasPrev    bool
}

// Ensemble blends three component signals into one score per (symbol,
// timeframe), with regime-dependent weights adjusted by an online accuracy
// estimate of each component.
type Ensemble struct {
	mu     sync.Mutex
	cfg    config.ForecastConfig
	logger zerolog.Logger
	perf   map[perfKey]float64
	memo   map[state.TFKey]*symMemo
}

// NewEnsemble creates a forecast ensemble
func NewEnsemble(cfg config.ForecastConfig, logger zerolog.Logger) *Ensemble {
	return &Ensemble{
		cfg:    cfg,
		logger: logger.With().Str("component", "ForecastEnsemble").Logger(),
		perf:   make(map[perfKey]float64),
		memo:   make(map[state.TFKey]*symMemo),
	}
}

// Reconfigure swaps in reloaded scaling and threshold parameters
func (e *Ensemble) Reconfigure(cfg config.ForecastConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// Process scores every (symbol, timeframe) whose feature set carries a new
// bar. Reprocessing an already-seen bar timestamp is a no-op.
func (e *Ensemble) Process(snap state.Snapshot) []state.Forecast {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []state.Forecast
	for key, fs := range snap.Features {
		memo := e.memo[key]
		if memo == nil {
			memo = &symMemo{}
			e.memo[key] = memo
		}
		if fs.BarTime <= memo.lastBar {
			continue
		}

		regime, ok := snap.Regimes[key]
		if !ok {
			continue
		}

		// learn from the previous bar's component calls before scoring
		if memo.hasPrev && memo.lastClose != 0 {
			realized := sign(fs.Close - memo.lastClose)
			e.updatePerf(memo.lastRegime, memo.lastSigns, realized)
		}

		scores := [3]float64{
			e.trendScore(fs),
			e.mrScore(fs),
			e.crossScore(fs),
		}
		weights := e.resolveWeights(regime.Code)

		var score float64
		for i := range scores {
			score += scores[i] * weights[i]
		}
		score = clamp(score, -1, 1)
		probUp := 1 / (1 + math.Exp(-2*score))

		stance := StanceFlat
		if math.Abs(score) >= e.cfg.FlatThr {
			if score > 0 {
				stance = StanceLong
			} else {
				stance = StanceShort
			}
		}

		memo.lastBar = fs.BarTime
		memo.lastRegime = regime.Code
		memo.lastClose = fs.Close
		memo.hasPrev = true
		for i, s := range scores {
			memo.lastSigns[i] = sign(s)
		}

		fc := state.Forecast{
			Symbol:    key.Symbol,
			Timeframe: key.Timeframe,
			BarTime:   fs.BarTime,
			Score:     score,
			ProbUp:    probUp,
			Stance:    stance,
			Strong:    math.Abs(score) >= e.cfg.StrongThr,
			Components: map[string]float64{
				"trend": scores[0], "mr": scores[1], "cross": scores[2],
			},
			Weights: map[string]float64{
				"trend": weights[0], "mr": weights[1], "cross": weights[2],
			},
		}
		e.logger.Debug().
			Str("symbol", key.Symbol).
			Str("tf", key.Timeframe).
			Float64("score", score).
			Str("stance", stance).
			Str("regime", regime.Code).
			Msg("forecast")
		out = append(out, fc)
	}
	return out
}

func (e *Ensemble) trendScore(fs state.FeatureSet) float64 {
	return math.Tanh(fs.EMASpread / e.cfg.SpreadScale)
}

func (e *Ensemble) mrScore(fs state.FeatureSet) float64 {
	return math.Tanh((e.cfg.MRCenter - fs.RSI) / e.cfg.MRScale)
}

func (e *Ensemble) crossScore(fs state.FeatureSet) float64 {
	if fs.RV <= 0 {
		return 0
	}
	magnitude := math.Min(math.Abs(fs.Ret1)/fs.RV, 3) / 3
	rangeFactor := clamp(fs.RangeATR, 0, 2) / 2
	return float64(sign(fs.Ret1)) * magnitude * rangeFactor
}

// resolveWeights multiplies the regime base weights by 0.5+perf, normalizes,
// clips each weight into the configured band and normalizes again.
func (e *Ensemble) resolveWeights(regime string) [3]float64 {
	base, ok := baseWeights[regime]
	if !ok {
		base = [3]float64{1.0 / 3, 1.0 / 3, 1.0 / 3}
	}
	var w [3]float64
	for i, name := range componentNames {
		perf := e.perfOf(regime, name)
		w[i] = base[i] * (0.5 + perf)
	}
	normalize(&w)
	for i := range w {
		w[i] = clamp(w[i], e.cfg.WeightClipLo, e.cfg.WeightClipHi)
	}
	normalize(&w)
	return w
}

// perfOf returns the online accuracy estimate, 0.5 before any observation
func (e *Ensemble) perfOf(regime, component string) float64 {
	if v, ok := e.perf[perfKey{regime, component}]; ok {
		return v
	}
	return 0.5
}

func (e *Ensemble) updatePerf(regime string, predicted [3]int, realized int) {
	if realized == 0 {
		return
	}
	for i, name := range componentNames {
		if predicted[i] == 0 {
			continue
		}
		match := 0.0
		if predicted[i] == realized {
			match = 1.0
		}
		k := perfKey{regime, name}
		prev := e.perfOf(regime, name)
		e.perf[k] = (1-e.cfg.LambdaPerf)*prev + e.cfg.LambdaPerf*match
	}
}

func normalize(w *[3]float64) {
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum <= 0 {
		for i := range w {
			w[i] = 1.0 / 3
		}
		return
	}
	for i := range w {
		w[i] /= sum
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
