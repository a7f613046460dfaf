package features

import (
	"math"
	"sort"
)

// RollingSeries is a fixed-capacity float series; appends past capacity drop
// the oldest value.
type RollingSeries struct {
	buf    []float64
	maxLen int
}

// NewRollingSeries creates a rolling series with the given capacity
func NewRollingSeries(maxLen int) *RollingSeries {
	return &RollingSeries{buf: make([]float64, 0, maxLen), maxLen: maxLen}
}

// Append pushes a value, evicting the oldest when full
func (s *RollingSeries) Append(x float64) {
	s.buf = append(s.buf, x)
	if len(s.buf) > s.maxLen {
		s.buf = s.buf[1:]
	}
}

// Last returns the n-th most recent value (n=1 is the newest) and whether it
// exists.
func (s *RollingSeries) Last(n int) (float64, bool) {
	if n <= 0 || n > len(s.buf) {
		return 0, false
	}
	return s.buf[len(s.buf)-n], true
}

// Len reports the number of stored values
func (s *RollingSeries) Len() int { return len(s.buf) }

// Values returns a copy of the stored values, oldest first
func (s *RollingSeries) Values() []float64 {
	out := make([]float64, len(s.buf))
	copy(out, s.buf)
	return out
}

// Tail returns up to the n most recent values, oldest first. The returned
// slice aliases the buffer and must not be mutated.
func (s *RollingSeries) Tail(n int) []float64 {
	if n >= len(s.buf) {
		return s.buf
	}
	return s.buf[len(s.buf)-n:]
}

// Max returns the maximum over the n most recent values
func (s *RollingSeries) Max(n int) (float64, bool) {
	tail := s.Tail(n)
	if len(tail) == 0 {
		return 0, false
	}
	m := tail[0]
	for _, v := range tail[1:] {
		if v > m {
			m = v
		}
	}
	return m, true
}

// Min returns the minimum over the n most recent values
func (s *RollingSeries) Min(n int) (float64, bool) {
	tail := s.Tail(n)
	if len(tail) == 0 {
		return 0, false
	}
	m := tail[0]
	for _, v := range tail[1:] {
		if v < m {
			m = v
		}
	}
	return m, true
}

// PercentileRank returns the fraction of values in the series that are <= x,
// or 0 when the series is empty.
func (s *RollingSeries) PercentileRank(x float64) float64 {
	n := len(s.buf)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, s.buf)
	sort.Float64s(sorted)
	rank := sort.SearchFloat64s(sorted, x)
	// move past ties: count of values <= x
	for rank < n && sorted[rank] <= x {
		rank++
	}
	return float64(rank) / float64(n)
}

// stdev is the population standard deviation; 0 for fewer than two values
func stdev(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(n)
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(n))
}

// mean is the arithmetic mean; 0 for an empty slice
func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
