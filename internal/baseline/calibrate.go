package baseline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/tiltguard/internal/signals"
	"github.com/mbd888/tiltguard/internal/syncutil"
)

// ErrEmptySession is returned when a calibration session carries no usable
// measurement.
var ErrEmptySession = errors.New("baseline: calibration session has no usable data")

// Session is one completed calibration run.
type Session struct {
	CognitiveTrials    []signals.CognitiveTrial `json:"cognitiveTrials,omitempty"`
	MouseMovements     []signals.MouseSample    `json:"mouseMovements,omitempty"`
	KeystrokeIntervals []float64                `json:"keystrokeIntervals,omitempty"`
}

// Calibrator folds calibration sessions into a user's baseline using
// running (Welford) statistics, one observation per metric per session.
// Calibrations for the same user are serialized so concurrent sessions never
// lose an update.
type Calibrator struct {
	store Store
	now   func() time.Time
	locks syncutil.ShardedMutex
}

// NewCalibrator creates a calibrator backed by store.
func NewCalibrator(store Store) *Calibrator {
	return &Calibrator{store: store, now: time.Now}
}

// Calibrate updates the stored baseline for userID with the measurements of
// a completed session and returns the new baseline.
func (c *Calibrator) Calibrate(ctx context.Context, userID string, sess Session) (*UserBaseline, error) {
	var next UserBaseline
	err := c.locks.Do(userID, func() error {
		current, err := c.store.Get(ctx, userID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("load baseline: %w", err)
		}
		if current == nil {
			current = &UserBaseline{UserID: userID}
		}

		next, err = Fold(*current, sess, c.now())
		if err != nil {
			return err
		}
		if err := c.store.Save(ctx, &next); err != nil {
			return fmt.Errorf("save baseline: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// Fold applies a session to b and returns the updated copy. It is pure.
func Fold(b UserBaseline, sess Session, at time.Time) (UserBaseline, error) {
	used := false

	if sum, ok := signals.SummarizeCognitive(sess.CognitiveTrials); ok {
		b.ReactionTimeMean, b.ReactionTimeStd, b.ReactionTimeSamples =
			welford(b.ReactionTimeMean, b.ReactionTimeStd, samples(b.ReactionTimeSamples, b.ReactionTimeMean), sum.MeanReactionMs)
		b.AccuracyMean, b.AccuracyStd, b.AccuracySamples =
			welford(b.AccuracyMean, b.AccuracyStd, samples(b.AccuracySamples, b.AccuracyMean), sum.Accuracy)
		used = true
	}
	if v, ok := signals.MouseStability(sess.MouseMovements); ok {
		b.MouseStabilityMean, b.MouseStabilityStd, b.MouseStabilitySamples =
			welford(b.MouseStabilityMean, b.MouseStabilityStd, samples(b.MouseStabilitySamples, b.MouseStabilityMean), v)
		used = true
	}
	if v, ok := signals.KeystrokeRhythm(sess.KeystrokeIntervals); ok {
		b.KeystrokeRhythmMean, b.KeystrokeRhythmStd, b.KeystrokeRhythmSamples =
			welford(b.KeystrokeRhythmMean, b.KeystrokeRhythmStd, samples(b.KeystrokeRhythmSamples, b.KeystrokeRhythmMean), v)
		used = true
	}
	if !used {
		return b, ErrEmptySession
	}

	b.CalibrationCount++
	b.LastCalibrated = at.UTC()
	return b, nil
}

// welford adds x to a population (mean, std) summary of n prior samples and
// returns the new summary with its count.
func welford(mean, std float64, n int, x float64) (float64, float64, int) {
	if n <= 0 {
		return x, 0, 1
	}
	m2 := std * std * float64(n)
	count := float64(n + 1)
	delta := x - mean
	mean += delta / count
	m2 += delta * (x - mean)
	return mean, math.Sqrt(m2 / count), n + 1
}
