package modality

import (
	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/signals"
)

const (
	mouseModeratePoints     = 8.0
	mouseHighPoints         = 15.0
	keystrokeModeratePoints = 5.0
	keystrokeHighPoints     = 10.0
	clickPoints             = 10.0

	// Normal click latency band. Slower reads as hesitation, faster as
	// impulsivity.
	clickMinMs = 200.0
	clickMaxMs = 1500.0

	clickConfidence = 0.6
)

// AnalyzeBehavioral scores mouse smoothness, keystroke rhythm and click
// latency.
func AnalyzeBehavioral(in Inputs, t Table) Result {
	s := in.Signals
	if s == nil {
		return Empty(Behavioral)
	}

	var (
		score, confSum float64
		parts          int
		anomaly        bool
		flags          = map[string]bool{}
	)

	if v, ok := signals.MouseStability(s.MouseMovements); ok {
		d := baseline.Compare(v, in.Baseline.MouseStability(), baseline.LowerIsRiskier, baseline.MouseStabilityBands)
		score += d.Points(mouseModeratePoints, mouseHighPoints)
		confSum += d.Confidence
		parts++
		anomaly = anomaly || d.Elevated()
	}

	if v, ok := signals.KeystrokeRhythm(s.KeystrokeIntervals); ok {
		d := baseline.Compare(v, in.Baseline.KeystrokeRhythm(), baseline.LowerIsRiskier, baseline.KeystrokeRhythmBands)
		score += d.Points(keystrokeModeratePoints, keystrokeHighPoints)
		confSum += d.Confidence
		parts++
		anomaly = anomaly || d.Elevated()
	}

	if s.ClickLatencyMs != nil && finite(*s.ClickLatencyMs) && *s.ClickLatencyMs > 0 {
		lat := *s.ClickLatencyMs
		confSum += clickConfidence
		parts++
		switch {
		case lat > clickMaxMs:
			flags[FlagHesitation] = true
			score += clickPoints
		case lat < clickMinMs:
			flags[FlagImpulsivity] = true
			score += clickPoints
		}
	}

	if parts == 0 {
		return Empty(Behavioral)
	}
	flags[FlagAnomaliesDetected] = anomaly || flags[FlagHesitation] || flags[FlagImpulsivity]
	return NewResult(Behavioral, score, t.Cap(Behavioral), confSum/float64(parts), flags)
}
