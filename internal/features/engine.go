package features

import (
	"math"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/binance"
	"futures-trading-agent/internal/state"
)

const historyLen = 300

// taState is the incremental indicator state for one (symbol, timeframe).
// Every value is carried forward bar to bar; nothing is recomputed from the
// full history.
type taState struct {
	prevClose float64
	hasPrev   bool

	emaFast float64
	emaSlow float64
	emaLong float64
	hasEMA  bool

	atr    float64
	hasATR bool

	rsiAvgGain float64
	rsiAvgLoss float64
	hasRSI     bool

	// ADX (Wilder)
	smPlusDM  float64
	smMinusDM float64
	smTR      float64
	adx       float64
	dmCount   int
	adxCount  int

	closes   *RollingSeries
	highs    *RollingSeries
	lows     *RollingSeries
	rets     *RollingSeries
	trs      *RollingSeries
	emaFH    *RollingSeries
	ichi     *ichimokuState
	barsSeen int
}

func newTAState(cfg config.FeatureConfig) *taState {
	return &taState{
		closes: NewRollingSeries(historyLen),
		highs:  NewRollingSeries(historyLen),
		lows:   NewRollingSeries(historyLen),
		rets:   NewRollingSeries(historyLen),
		trs:    NewRollingSeries(historyLen),
		emaFH:  NewRollingSeries(historyLen),
		ichi:   newIchimokuState(cfg),
	}
}

// Engine computes the feature vector for each new closed bar. Bars are keyed
// by openTime and processed at most once per (symbol, timeframe).
type Engine struct {
	cfg     config.FeatureConfig
	logger  zerolog.Logger
	states  map[state.TFKey]*taState
	lastBar map[state.TFKey]int64
	prRet1  map[state.TFKey]*RollingSeries
	prRV    map[state.TFKey]*RollingSeries
	prATR   map[state.TFKey]*RollingSeries
	prBBW   map[state.TFKey]*RollingSeries
}

// NewEngine creates a feature engine
func NewEngine(cfg config.FeatureConfig, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		logger:  logger.With().Str("component", "FeatureEngine").Logger(),
		states:  make(map[state.TFKey]*taState),
		lastBar: make(map[state.TFKey]int64),
		prRet1:  make(map[state.TFKey]*RollingSeries),
		prRV:    make(map[state.TFKey]*RollingSeries),
		prATR:   make(map[state.TFKey]*RollingSeries),
		prBBW:   make(map[state.TFKey]*RollingSeries),
	}
}

// Process walks the snapshot's kline histories and computes features for
// every bar not yet seen, returning the resulting feature sets in bar order.
// Seeded backfill therefore warms the incremental state on the first tick.
func (e *Engine) Process(snap state.Snapshot) []state.FeatureSet {
	var out []state.FeatureSet
	for key, bars := range snap.Klines {
		last := e.lastBar[key]
		for _, bar := range bars {
			if !bar.IsClosed || bar.OpenTime <= last {
				continue
			}
			fs := e.onBar(key, bar)
			e.lastBar[key] = bar.OpenTime
			last = bar.OpenTime
			out = append(out, fs)
		}
	}
	return out
}

func (e *Engine) stateOf(key state.TFKey) *taState {
	st := e.states[key]
	if st == nil {
		st = newTAState(e.cfg)
		e.states[key] = st
	}
	return st
}

func prSeries(m map[state.TFKey]*RollingSeries, key state.TFKey, window int) *RollingSeries {
	s := m[key]
	if s == nil {
		s = NewRollingSeries(window)
		m[key] = s
	}
	return s
}

func (e *Engine) onBar(key state.TFKey, bar binance.Kline) state.FeatureSet {
	st := e.stateOf(key)
	cfg := e.cfg
	h, l, c := bar.High, bar.Low, bar.Close

	// return and history
	ret1 := 0.0
	if st.hasPrev && st.prevClose != 0 {
		ret1 = c/st.prevClose - 1
		st.rets.Append(ret1)
	}
	st.closes.Append(c)
	st.highs.Append(h)
	st.lows.Append(l)

	// EMAs
	if !st.hasEMA {
		st.emaFast, st.emaSlow, st.emaLong = c, c, c
		st.hasEMA = true
	} else {
		st.emaFast = emaStep(st.emaFast, c, cfg.EMAFast)
		st.emaSlow = emaStep(st.emaSlow, c, cfg.EMASlow)
		st.emaLong = emaStep(st.emaLong, c, cfg.EMALong)
	}
	st.emaFH.Append(st.emaFast)

	// TR / ATR (Wilder, simple-average seed)
	tr := h - l
	if st.hasPrev {
		tr = math.Max(tr, math.Max(math.Abs(h-st.prevClose), math.Abs(l-st.prevClose)))
	}
	st.trs.Append(tr)
	if !st.hasATR {
		if st.trs.Len() >= cfg.ATRPeriod {
			st.atr = mean(st.trs.Tail(cfg.ATRPeriod))
			st.hasATR = true
		}
	} else {
		st.atr = (st.atr*float64(cfg.ATRPeriod-1) + tr) / float64(cfg.ATRPeriod)
	}

	// RSI (Wilder)
	if st.hasPrev {
		chg := c - st.prevClose
		gain := math.Max(0, chg)
		loss := math.Max(0, -chg)
		if !st.hasRSI {
			if st.rets.Len() >= cfg.RSIPeriod {
				st.rsiAvgGain, st.rsiAvgLoss = seedRSI(st.closes.Values(), cfg.RSIPeriod)
				st.hasRSI = true
			}
		}
		if st.hasRSI {
			st.rsiAvgGain = (st.rsiAvgGain*float64(cfg.RSIPeriod-1) + gain) / float64(cfg.RSIPeriod)
			st.rsiAvgLoss = (st.rsiAvgLoss*float64(cfg.RSIPeriod-1) + loss) / float64(cfg.RSIPeriod)
		}
	}

	e.updateADX(st, h, l, tr)

	st.hasPrev = true
	st.prevClose = c
	st.barsSeen++

	fs := state.FeatureSet{
		Symbol:    key.Symbol,
		Timeframe: key.Timeframe,
		BarTime:   bar.OpenTime,
		Close:     c,
		Ret1:      ret1,
		Ret5:      compoundReturn(st.rets, 5),
		Ret15:     compoundReturn(st.rets, 15),
		EMAFast:   st.emaFast,
		EMASlow:   st.emaSlow,
		EMALong:   st.emaLong,
		ADX:       st.adx,
	}

	if c != 0 {
		fs.EMASpread = (st.emaFast - st.emaSlow) / c
		if prev5, ok := st.emaFH.Last(6); ok {
			fs.EMASlope = (st.emaFast - prev5) / (5 * c)
		}
	}

	if st.hasATR && st.atr > 0 {
		fs.ATR = st.atr
		if c != 0 {
			fs.ATRPct = st.atr / c
		}
		fs.RangeATR = (h - l) / st.atr
	}

	fs.RSI = 50
	if st.hasRSI {
		denom := st.rsiAvgLoss
		if denom == 0 {
			denom = 1e-12
		}
		rs := st.rsiAvgGain / denom
		fs.RSI = 100 - 100/(1+rs)
	}

	// rv: stdev of recent returns
	rvWindow := st.rets.Tail(cfg.RVPeriod)
	fs.RV = stdev(rvWindow)

	// Bollinger over the rv window length
	bbTail := st.closes.Tail(cfg.BollingerPeriod)
	if len(bbTail) >= 2 {
		m := mean(bbTail)
		sd := stdev(bbTail)
		if sd > 0 {
			fs.BBZ = (c - m) / sd
		}
		if m != 0 {
			fs.BBWidth = 4 * sd / m
		}
	}

	// Donchian position in [0,1], 0.5 when the range is degenerate
	fs.DonchPos = 0.5
	if hi, ok := st.highs.Max(cfg.DonchianPeriod); ok {
		if lo, ok2 := st.lows.Min(cfg.DonchianPeriod); ok2 && hi > lo {
			fs.DonchPos = (c - lo) / (hi - lo)
		}
	}

	// rolling percentile ranks
	fs.RVRank = appendRank(prSeries(e.prRV, key, cfg.PercentileWindow), fs.RV)
	fs.Ret1Rank = appendRank(prSeries(e.prRet1, key, cfg.PercentileWindow), ret1)
	if st.hasATR {
		fs.ATRRank = appendRank(prSeries(e.prATR, key, cfg.PercentileWindow), st.atr)
	}
	fs.BBWRank = appendRank(prSeries(e.prBBW, key, cfg.PercentileWindow), fs.BBWidth)

	st.ichi.update(st, c, &fs)

	fs.WarmedUp = st.hasATR && st.hasRSI && st.rets.Len() >= cfg.RVPeriod

	e.logger.Debug().
		Str("symbol", key.Symbol).
		Str("tf", key.Timeframe).
		Int64("barTime", bar.OpenTime).
		Float64("ret1", fs.Ret1).
		Float64("rv", fs.RV).
		Float64("atr", fs.ATR).
		Msg("features updated")
	return fs
}

// updateADX advances the Wilder-smoothed directional index
func (e *Engine) updateADX(st *taState, h, l, tr float64) {
	n := e.cfg.ADXPeriod
	prevH, okH := st.highs.Last(2)
	prevL, okL := st.lows.Last(2)
	if !okH || !okL {
		return
	}
	upMove := h - prevH
	downMove := prevL - l
	plusDM, minusDM := 0.0, 0.0
	if upMove > downMove && upMove > 0 {
		plusDM = upMove
	}
	if downMove > upMove && downMove > 0 {
		minusDM = downMove
	}

	if st.dmCount < n {
		st.smPlusDM += plusDM
		st.smMinusDM += minusDM
		st.smTR += tr
		st.dmCount++
		if st.dmCount < n {
			return
		}
	} else {
		st.smPlusDM = st.smPlusDM - st.smPlusDM/float64(n) + plusDM
		st.smMinusDM = st.smMinusDM - st.smMinusDM/float64(n) + minusDM
		st.smTR = st.smTR - st.smTR/float64(n) + tr
	}

	if st.smTR <= 0 {
		return
	}
	diPlus := 100 * st.smPlusDM / st.smTR
	diMinus := 100 * st.smMinusDM / st.smTR
	sum := diPlus + diMinus
	if sum <= 0 {
		return
	}
	dx := 100 * math.Abs(diPlus-diMinus) / sum
	if st.adxCount == 0 {
		st.adx = dx
	} else {
		st.adx = (st.adx*float64(n-1) + dx) / float64(n)
	}
	st.adxCount++
}

func emaStep(prev, x float64, n int) float64 {
	k := 2.0 / (float64(n) + 1.0)
	return (x-prev)*k + prev
}

// compoundReturn compounds the n most recent single-bar returns; 0 when the
// history is too short.
func compoundReturn(rets *RollingSeries, n int) float64 {
	if rets.Len() < n {
		return 0
	}
	s := 1.0
	for _, r := range rets.Tail(n) {
		s *= 1 + r
	}
	return s - 1
}

// seedRSI computes the initial simple-average gain/loss over the last n
// close-to-close changes.
func seedRSI(closes []float64, n int) (avgGain, avgLoss float64) {
	if len(closes) < 2 {
		return 0, 0
	}
	var gains, losses []float64
	for i := 1; i < len(closes); i++ {
		chg := closes[i] - closes[i-1]
		gains = append(gains, math.Max(0, chg))
		losses = append(losses, math.Max(0, -chg))
	}
	if len(gains) > n {
		gains = gains[len(gains)-n:]
		losses = losses[len(losses)-n:]
	}
	return mean(gains), mean(losses)
}

func appendRank(s *RollingSeries, x float64) float64 {
	s.Append(x)
	return s.PercentileRank(x)
}
