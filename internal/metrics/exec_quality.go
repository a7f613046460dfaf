package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-agent/config"
)

type slipSample struct {
	at  time.Time
	bps float64
}

// ExecQuality tracks side-normalized fill slippage over a sliding time
// window, plus counters for reconciler interventions. Positive bps means the
// fill was worse than the mark.
type ExecQuality struct {
	cfg    config.MetricsConfig
	logger zerolog.Logger

	mu      sync.Mutex
	samples []slipSample
	nudges  int64
	cancels int64

	now func() time.Time
}

// ExecSummary is the windowed slippage report
type ExecSummary struct {
	Count   int     `json:"count"`
	AvgBps  float64 `json:"avgBps"`
	P50Bps  float64 `json:"p50Bps"`
	P90Bps  float64 `json:"p90Bps"`
	MaxBps  float64 `json:"maxBps"`
	Nudges  int64   `json:"nudges"`
	Cancels int64   `json:"cancels"`
	Alert   bool    `json:"alert"`
}

// NewExecQuality creates an execution-quality tracker
func NewExecQuality(cfg config.MetricsConfig, logger zerolog.Logger) *ExecQuality {
	return &ExecQuality{
		cfg:    cfg,
		logger: logger.With().Str("component", "ExecQuality").Logger(),
		now:    time.Now,
	}
}

// Reconfigure swaps in updated window and alert thresholds
func (e *ExecQuality) Reconfigure(cfg config.MetricsConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// RecordFill adds one fill's slippage. side is BUY or SELL; a BUY filled
// above the mark and a SELL filled below it are both positive (adverse).
func (e *ExecQuality) RecordFill(side string, fillPrice, markPrice float64) {
	if fillPrice <= 0 || markPrice <= 0 {
		return
	}
	rel := (fillPrice - markPrice) / markPrice
	if side == "SELL" {
		rel = -rel
	}
	bps := rel * 10000

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, slipSample{at: e.now(), bps: bps})
	e.evictLocked()
}

// RecordNudge counts one staleness nudge
func (e *ExecQuality) RecordNudge() {
	e.mu.Lock()
	e.nudges++
	e.mu.Unlock()
}

// RecordCancel counts one partial-fill timeout cancel
func (e *ExecQuality) RecordCancel() {
	e.mu.Lock()
	e.cancels++
	e.mu.Unlock()
}

// Summary reports the current window. Alert is raised when p90 exceeds the
// configured threshold with enough fills to be meaningful.
func (e *ExecQuality) Summary() ExecSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evictLocked()

	s := ExecSummary{Nudges: e.nudges, Cancels: e.cancels}
	n := len(e.samples)
	if n == 0 {
		return s
	}

	sorted := make([]float64, n)
	var sum, max float64
	max = math.Inf(-1)
	for i, sample := range e.samples {
		sorted[i] = sample.bps
		sum += sample.bps
		if sample.bps > max {
			max = sample.bps
		}
	}
	sort.Float64s(sorted)

	s.Count = n
	s.AvgBps = sum / float64(n)
	s.P50Bps = percentile(sorted, 0.50)
	s.P90Bps = percentile(sorted, 0.90)
	s.MaxBps = max
	s.Alert = n >= e.cfg.MinFills && s.P90Bps > e.cfg.AlertP90Bps
	return s
}

func (e *ExecQuality) evictLocked() {
	window := time.Duration(e.cfg.WindowSec) * time.Second
	if window <= 0 {
		return
	}
	cutoff := e.now().Add(-window)
	i := 0
	for i < len(e.samples) && e.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.samples = append(e.samples[:0], e.samples[i:]...)
	}
}

// percentile over an ascending slice using nearest-rank
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
