// Package baseline holds per-user personalized statistics and the comparator
// that turns a raw metric into a baseline-relative deviation.
//
// A baseline is read-only input to an assessment. It is updated only by the
// Calibrator after a completed calibration session.
package baseline

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound = errors.New("baseline: not found")
)

// Population standard deviations used whenever a baseline std is unset.
const (
	DefaultReactionTimeStd    = 100.0 // ms
	DefaultAccuracyStd        = 0.10
	DefaultMouseStabilityStd  = 0.15
	DefaultKeystrokeRhythmStd = 0.15
)

// UserBaseline is a user's personal historical statistics.
type UserBaseline struct {
	UserID              string    `json:"userId"`
	ReactionTimeMean    float64   `json:"reactionTimeMean"`
	ReactionTimeStd     float64   `json:"reactionTimeStd"`
	AccuracyMean        float64   `json:"accuracyMean"`
	AccuracyStd         float64   `json:"accuracyStd"`
	MouseStabilityMean  float64   `json:"mouseStabilityMean"`
	MouseStabilityStd   float64   `json:"mouseStabilityStd"`
	KeystrokeRhythmMean float64   `json:"keystrokeRhythmMean"`
	KeystrokeRhythmStd  float64   `json:"keystrokeRhythmStd"`
	CalibrationCount    int       `json:"calibrationCount"`
	LastCalibrated      time.Time `json:"lastCalibrated"`

	// Per-metric sample counts. A session may measure only some metrics,
	// so each running mean is folded with its own n.
	ReactionTimeSamples    int `json:"reactionTimeSamples"`
	AccuracySamples        int `json:"accuracySamples"`
	MouseStabilitySamples  int `json:"mouseStabilitySamples"`
	KeystrokeRhythmSamples int `json:"keystrokeRhythmSamples"`
}

// Store persists user baselines.
type Store interface {
	Get(ctx context.Context, userID string) (*UserBaseline, error)
	Save(ctx context.Context, b *UserBaseline) error
}

// Stat is a mean/stddev pair for one metric.
type Stat struct {
	Mean float64
	Std  float64
}

// WithDefaults returns a copy with every unset stddev replaced by the
// population constant.
func (b UserBaseline) WithDefaults() UserBaseline {
	if b.ReactionTimeStd <= 0 {
		b.ReactionTimeStd = DefaultReactionTimeStd
	}
	if b.AccuracyStd <= 0 {
		b.AccuracyStd = DefaultAccuracyStd
	}
	if b.MouseStabilityStd <= 0 {
		b.MouseStabilityStd = DefaultMouseStabilityStd
	}
	if b.KeystrokeRhythmStd <= 0 {
		b.KeystrokeRhythmStd = DefaultKeystrokeRhythmStd
	}
	return b
}

// samples is the number of observations behind a mean. Rows written before
// per-metric counts existed (or set by hand) carry a mean with no count and
// count as a single observation.
func samples(count int, mean float64) int {
	if count > 0 {
		return count
	}
	if mean > 0 {
		return 1
	}
	return 0
}

// ReactionTime returns the reaction-time stat, or nil when never measured.
func (b *UserBaseline) ReactionTime() *Stat {
	if b == nil || samples(b.ReactionTimeSamples, b.ReactionTimeMean) == 0 {
		return nil
	}
	d := b.WithDefaults()
	return &Stat{Mean: d.ReactionTimeMean, Std: d.ReactionTimeStd}
}

// Accuracy returns the accuracy stat, or nil when never measured. A measured
// accuracy of zero is a real baseline.
func (b *UserBaseline) Accuracy() *Stat {
	if b == nil || samples(b.AccuracySamples, b.AccuracyMean) == 0 {
		return nil
	}
	d := b.WithDefaults()
	return &Stat{Mean: d.AccuracyMean, Std: d.AccuracyStd}
}

// MouseStability returns the mouse-stability stat, or nil when never measured.
func (b *UserBaseline) MouseStability() *Stat {
	if b == nil || samples(b.MouseStabilitySamples, b.MouseStabilityMean) == 0 {
		return nil
	}
	d := b.WithDefaults()
	return &Stat{Mean: d.MouseStabilityMean, Std: d.MouseStabilityStd}
}

// KeystrokeRhythm returns the keystroke-rhythm stat, or nil when never measured.
func (b *UserBaseline) KeystrokeRhythm() *Stat {
	if b == nil || samples(b.KeystrokeRhythmSamples, b.KeystrokeRhythmMean) == 0 {
		return nil
	}
	d := b.WithDefaults()
	return &Stat{Mean: d.KeystrokeRhythmMean, Std: d.KeystrokeRhythmStd}
}
