package features

import (
	"math"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/state"
)

const slopeWindow = 5

// ichimokuState carries the rolling line histories needed for slopes, the
// cross detection and the forward twist projection.
type ichimokuState struct {
	tenkanN, kijunN, senkouN, twistHorizon int

	tenkanH   *RollingSeries
	kijunH    *RollingSeries
	ssaH      *RollingSeries
	ssbH      *RollingSeries
	thickness *RollingSeries
}

func newIchimokuState(cfg config.FeatureConfig) *ichimokuState {
	return &ichimokuState{
		tenkanN:      cfg.IchimokuTenkan,
		kijunN:       cfg.IchimokuKijun,
		senkouN:      cfg.IchimokuSenkou,
		twistHorizon: cfg.TwistHorizon,
		tenkanH:      NewRollingSeries(historyLen),
		kijunH:       NewRollingSeries(historyLen),
		ssaH:         NewRollingSeries(historyLen),
		ssbH:         NewRollingSeries(historyLen),
		thickness:    NewRollingSeries(cfg.IchimokuSenkou),
	}
}

// update advances the cloud one bar and writes the Ichimoku fields into fs.
// Short history degrades to whatever window is available.
func (ik *ichimokuState) update(st *taState, close float64, fs *state.FeatureSet) {
	if st.highs.Len() == 0 {
		fs.TwistAhead = -1
		return
	}

	tenkan := midpoint(st.highs, st.lows, ik.tenkanN)
	kijun := midpoint(st.highs, st.lows, ik.kijunN)
	ssa := (tenkan + kijun) / 2
	ssb := midpoint(st.highs, st.lows, ik.senkouN)

	// cross uses the previous bar's line values
	prevTenkan, okT := ik.tenkanH.Last(1)
	prevKijun, okK := ik.kijunH.Last(1)

	ik.tenkanH.Append(tenkan)
	ik.kijunH.Append(kijun)
	ik.ssaH.Append(ssa)
	ik.ssbH.Append(ssb)

	fs.Tenkan = tenkan
	fs.Kijun = kijun
	fs.SpanA = ssa
	fs.SpanB = ssb

	cloudHi := math.Max(ssa, ssb)
	cloudLo := math.Min(ssa, ssb)
	switch {
	case close > cloudHi:
		fs.PricePos = 1
	case close < cloudLo:
		fs.PricePos = -1
	}

	if okT && okK {
		prev := sign(prevTenkan - prevKijun)
		cur := sign(tenkan - kijun)
		if cur != prev && cur != 0 {
			fs.TKCross = cur
		}
	}

	if close != 0 {
		fs.CloudThickness = math.Abs(ssa-ssb) / close
	}
	ik.thickness.Append(fs.CloudThickness)
	fs.CloudThickRank = ik.thickness.PercentileRank(fs.CloudThickness)

	fs.TwistAhead = ik.twistAhead(ssa, ssb)
}

// twistAhead linearly projects both cloud lines forward by their recent
// slopes and returns the first step at which the lines cross, 0 when the
// cloud is already twisting and -1 when no crossing lands inside the
// horizon.
func (ik *ichimokuState) twistAhead(ssa, ssb float64) int {
	diffNow := ssa - ssb
	if math.Abs(diffNow) < 1e-12 {
		return 0
	}
	slopeA := seriesSlope(ik.ssaH, slopeWindow)
	slopeB := seriesSlope(ik.ssbH, slopeWindow)
	for step := 1; step <= ik.twistHorizon; step++ {
		diff := diffNow + float64(step)*(slopeA-slopeB)
		if diff*diffNow <= 0 {
			return step
		}
	}
	return -1
}

// midpoint is (lowest low + highest high)/2 over the last n bars, shrinking
// the window when history is short.
func midpoint(highs, lows *RollingSeries, n int) float64 {
	hi, _ := highs.Max(n)
	lo, _ := lows.Min(n)
	return (hi + lo) / 2
}

func seriesSlope(s *RollingSeries, window int) float64 {
	cur, ok := s.Last(1)
	if !ok {
		return 0
	}
	past, ok := s.Last(window + 1)
	if !ok {
		return 0
	}
	return (cur - past) / float64(window)
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
