package modality

import "github.com/mbd888/tiltguard/internal/signals"

const (
	blinkRateMin = 8.0  // per minute; below is a fixed stare
	blinkRateMax = 30.0 // per minute

	browFurrowLimit  = 0.5
	gazeStableLimit  = 0.5
	fatigueEARLimit  = 0.2
	jawOpennessLimit = 0.5

	blinkPoints   = 8.0
	browPoints    = 8.0
	gazePoints    = 7.0
	fatiguePoints = 7.0
	jawPoints     = 5.0

	landmarkConfidence = 0.7
	legacyConfidence   = 0.5
	degradedConfidence = 0.3
)

// facialReading is the common view over both facial input shapes. Negative
// or zero values mean "not measured".
type facialReading struct {
	blinkRate  float64
	brow       float64
	gaze       float64
	ear        float64
	jaw        float64
	confidence float64
}

// AnalyzeFacial scores landmark-derived FaceMetrics when present, falling
// back to the legacy coarse features. A face that is not present yields a
// zero result with no flags.
func AnalyzeFacial(in Inputs, t Table) Result {
	if in.Signals == nil {
		return Empty(Facial)
	}
	r, ok := facialInput(in.Signals)
	if !ok {
		return Empty(Facial)
	}

	flags := map[string]bool{}
	var score float64

	if finite(r.blinkRate) && r.blinkRate > 0 {
		switch {
		case r.blinkRate > blinkRateMax:
			flags[FlagHyperBlink] = true
			score += blinkPoints
		case r.blinkRate < blinkRateMin:
			flags[FlagHypoBlink] = true
			score += blinkPoints
		}
	}
	if finite(r.brow) && r.brow > browFurrowLimit {
		flags[FlagBrowFurrow] = true
		score += browPoints
	}
	if finite(r.gaze) && r.gaze > 0 && r.gaze < gazeStableLimit {
		flags[FlagGazeUnstable] = true
		score += gazePoints
	}
	if finite(r.ear) && r.ear > 0 && r.ear < fatigueEARLimit {
		flags[FlagFatigue] = true
		score += fatiguePoints
	}
	if finite(r.jaw) && r.jaw > jawOpennessLimit {
		flags[FlagJawTension] = true
		score += jawPoints
	}

	return NewResult(Facial, score, t.Cap(Facial), r.confidence, flags)
}

func facialInput(s *signals.AssessmentSignals) (facialReading, bool) {
	if m := s.FaceMetrics; m != nil {
		if !m.Present {
			return facialReading{}, false
		}
		conf := landmarkConfidence
		if m.Degraded {
			conf = degradedConfidence
		}
		return facialReading{
			blinkRate:  m.BlinkRatePerMin,
			brow:       m.BrowFurrow,
			gaze:       m.GazeStability,
			ear:        m.EAR,
			jaw:        m.JawOpenness,
			confidence: conf,
		}, true
	}
	if f := s.Facial; f != nil {
		if !f.Present {
			return facialReading{}, false
		}
		return facialReading{
			blinkRate:  f.BlinkRatePerMin,
			brow:       f.BrowFurrow,
			gaze:       f.GazeStability,
			ear:        -1,
			jaw:        -1,
			confidence: legacyConfidence,
		}, true
	}
	return facialReading{}, false
}
