// Package facial turns a noisy stream of per-frame landmark measurements
// into smoothed, published face metrics: a median filter on eye aspect
// ratio, per-metric exponential smoothing, and a hysteresis blink detector.
//
// A Session owns all filter state for one user and runs it on its own
// goroutine. Assessments only ever read the last published metrics.
package facial

import (
	"sort"
	"time"

	"github.com/mbd888/tiltguard/internal/signals"
)

// Smoothing parameters.
const (
	MedianWindow = 5

	AlphaEAR  = 0.5
	AlphaJaw  = 0.3
	AlphaBrow = 0.3
	AlphaGaze = 0.2
)

// Frame is one landmark measurement from the capture client.
type Frame struct {
	Present       bool      `json:"isPresent"`
	EAR           float64   `json:"ear"`
	JawOpenness   float64   `json:"jawOpenness"`
	BrowFurrow    float64   `json:"browFurrow"`
	GazeStability float64   `json:"gazeStability"`
	CapturedAt    time.Time `json:"capturedAt"`
}

// MedianFilter returns the median of the last n samples.
type MedianFilter struct {
	n   int
	buf []float64
}

// NewMedianFilter creates a median filter over a window of n samples.
func NewMedianFilter(n int) *MedianFilter {
	if n < 1 {
		n = 1
	}
	return &MedianFilter{n: n, buf: make([]float64, 0, n)}
}

// Push adds x and returns the median of the current window.
func (m *MedianFilter) Push(x float64) float64 {
	if len(m.buf) == m.n {
		copy(m.buf, m.buf[1:])
		m.buf = m.buf[:m.n-1]
	}
	m.buf = append(m.buf, x)

	sorted := append([]float64(nil), m.buf...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Reset clears the window.
func (m *MedianFilter) Reset() { m.buf = m.buf[:0] }

// EMA is an exponential moving average. The first sample primes it.
type EMA struct {
	alpha  float64
	value  float64
	primed bool
}

// NewEMA creates an average with smoothing factor alpha in (0, 1].
func NewEMA(alpha float64) *EMA {
	return &EMA{alpha: alpha}
}

// Push folds x in and returns the new average.
func (e *EMA) Push(x float64) float64 {
	if !e.primed {
		e.value = x
		e.primed = true
		return x
	}
	e.value = e.alpha*x + (1-e.alpha)*e.value
	return e.value
}

// Value returns the current average, 0 before the first sample.
func (e *EMA) Value() float64 { return e.value }

// Filter combines the median filter, the per-metric averages and the blink
// detector. It is not safe for concurrent use; a Session serializes access.
type Filter struct {
	median *MedianFilter
	ear    *EMA
	jaw    *EMA
	brow   *EMA
	gaze   *EMA
	blinks *BlinkDetector
}

// NewFilter creates a filter with the standard parameters.
func NewFilter() *Filter {
	return &Filter{
		median: NewMedianFilter(MedianWindow),
		ear:    NewEMA(AlphaEAR),
		jaw:    NewEMA(AlphaJaw),
		brow:   NewEMA(AlphaBrow),
		gaze:   NewEMA(AlphaGaze),
		blinks: NewBlinkDetector(),
	}
}

// Push processes one frame and returns the smoothed metrics. Frames without
// a face leave the averages untouched and report Present=false.
func (f *Filter) Push(fr Frame) signals.FaceMetrics {
	at := fr.CapturedAt
	if !fr.Present {
		f.median.Reset()
		return signals.FaceMetrics{
			Present:         false,
			BlinkRatePerMin: f.blinks.Rate(at),
			BlinkCount:      f.blinks.Count(),
			Timestamp:       at,
		}
	}

	ear := f.median.Push(fr.EAR)
	f.blinks.Update(ear, at)

	return signals.FaceMetrics{
		Present:         true,
		EAR:             f.ear.Push(ear),
		JawOpenness:     f.jaw.Push(fr.JawOpenness),
		BrowFurrow:      f.brow.Push(fr.BrowFurrow),
		GazeStability:   f.gaze.Push(fr.GazeStability),
		BlinkRatePerMin: f.blinks.Rate(at),
		BlinkCount:      f.blinks.Count(),
		Timestamp:       at,
	}
}
