package signals

import "math"

// CognitiveSummary aggregates the completed trials of a cognitive test.
type CognitiveSummary struct {
	Trials         int
	MeanReactionMs float64
	StdReactionMs  float64
	Accuracy       float64 // fraction correct, 0..1
}

// SummarizeCognitive computes reaction-time and accuracy statistics over
// completed trials. Trials with non-positive or non-finite reaction times
// are skipped. ok is false when no usable trial remains.
func SummarizeCognitive(trials []CognitiveTrial) (sum CognitiveSummary, ok bool) {
	var rts []float64
	correct := 0
	for _, t := range trials {
		if !t.Completed || !finitePositive(t.ReactionTimeMs) {
			continue
		}
		rts = append(rts, t.ReactionTimeMs)
		if t.Correct {
			correct++
		}
	}
	if len(rts) == 0 {
		return CognitiveSummary{}, false
	}
	mean, std := MeanStd(rts)
	return CognitiveSummary{
		Trials:         len(rts),
		MeanReactionMs: mean,
		StdReactionMs:  std,
		Accuracy:       float64(correct) / float64(len(rts)),
	}, true
}

// MouseStability returns 1/(1+v) where v is the mean absolute change between
// consecutive step lengths, relative to the mean step length. 1 is perfectly
// steady motion; values fall toward 0 as motion gets jerky. ok is false when
// fewer than three samples or no motion is available.
func MouseStability(samples []MouseSample) (float64, bool) {
	if len(samples) < 3 {
		return 0, false
	}
	steps := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		dx := samples[i].X - samples[i-1].X
		dy := samples[i].Y - samples[i-1].Y
		d := math.Hypot(dx, dy)
		if math.IsNaN(d) || math.IsInf(d, 0) {
			continue
		}
		steps = append(steps, d)
	}
	if len(steps) < 2 {
		return 0, false
	}
	meanStep, _ := MeanStd(steps)
	if meanStep <= 0 {
		return 0, false
	}
	var variation float64
	for i := 1; i < len(steps); i++ {
		variation += math.Abs(steps[i] - steps[i-1])
	}
	variation /= float64(len(steps) - 1)
	return 1 / (1 + variation/meanStep), true
}

// KeystrokeRhythm returns 1/(1+CV) of the inter-key intervals, where CV is
// the coefficient of variation. ok is false with fewer than three usable
// intervals.
func KeystrokeRhythm(intervals []float64) (float64, bool) {
	var clean []float64
	for _, v := range intervals {
		if finitePositive(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) < 3 {
		return 0, false
	}
	mean, std := MeanStd(clean)
	if mean <= 0 {
		return 0, false
	}
	return 1 / (1 + std/mean), true
}

// MeanStd returns the mean and population standard deviation of xs.
func MeanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
