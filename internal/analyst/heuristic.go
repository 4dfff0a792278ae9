package analyst

import "math"

// Fallback thresholds sit on the cautious side: an uncertain local read
// should hold rather than go.
const (
	heuristicHold  = 5.0
	heuristicBlock = 8.0

	heuristicMaxConfidence  = 0.6
	heuristicBaseConfidence = 0.2
	heuristicPerSignal      = 0.1
)

// Indicator names reported by the heuristic.
const (
	IndicatorSelfReport      = "self-reported stress"
	IndicatorSlowReactions   = "slow reactions"
	IndicatorLowAccuracy     = "low accuracy"
	IndicatorErraticMouse    = "erratic mouse movement"
	IndicatorIrregularTyping = "irregular typing rhythm"
	IndicatorClickLatency    = "atypical click latency"
	IndicatorVoiceStrain     = "voice strain"
	IndicatorFacialTension   = "facial tension"
	IndicatorLeverage        = "high leverage"
	IndicatorLosses          = "recent losses"
	IndicatorNoData          = "insufficient data"
)

// Heuristic produces a report from the summary alone. With no usable
// signal at all it reports a hold: absence of evidence is not a go.
func Heuristic(s Summary) Report {
	var (
		stress     float64
		used       int
		indicators = []string{}
	)
	note := func(cond bool, pts float64, ind string) {
		if cond {
			stress += pts
			indicators = append(indicators, ind)
		}
	}

	if s.SelfReportedStress != nil && *s.SelfReportedStress >= 0 && *s.SelfReportedStress <= 10 {
		used++
		// Half of the stated level, so direct input alone can reach hold but not block.
		note(*s.SelfReportedStress >= 4, float64(*s.SelfReportedStress)/2, IndicatorSelfReport)
	}
	if s.MeanReactionMs != nil {
		used++
		note(*s.MeanReactionMs > 600, 2, IndicatorSlowReactions)
	}
	if s.Accuracy != nil {
		used++
		note(*s.Accuracy < 0.75, 2, IndicatorLowAccuracy)
	}
	if s.MouseStability != nil {
		used++
		note(*s.MouseStability < 0.5, 1, IndicatorErraticMouse)
	}
	if s.KeystrokeRhythm != nil {
		used++
		note(*s.KeystrokeRhythm < 0.5, 1, IndicatorIrregularTyping)
	}
	if s.ClickLatencyMs != nil {
		used++
		note(*s.ClickLatencyMs > 1500 || *s.ClickLatencyMs < 200, 1, IndicatorClickLatency)
	}
	if v := s.Voice; v != nil {
		used++
		note(v.PitchHz > 250 || v.Jitter > 0.02 || v.Shimmer > 0.1 || v.Energy > 0.8, 1.5, IndicatorVoiceStrain)
	}
	if f := s.Face; f != nil {
		used++
		tense := f.BrowFurrow > 0.5 || (f.GazeStability > 0 && f.GazeStability < 0.5) ||
			(f.BlinkRatePerMin > 0 && (f.BlinkRatePerMin < 8 || f.BlinkRatePerMin > 30))
		note(tense, 1.5, IndicatorFacialTension)
	}
	note(s.Leverage >= 5, 1, IndicatorLeverage)
	note(s.RecentLosses > 0 || s.RecentPnL < 0, 1, IndicatorLosses)

	if used == 0 {
		return Report{
			StressLevel: heuristicHold,
			Confidence:  0,
			Verdict:     VerdictHold,
			Indicators:  []string{IndicatorNoData},
		}
	}

	stress = math.Min(10, stress)
	return Report{
		StressLevel: math.Round(stress*10) / 10,
		Confidence:  math.Min(heuristicMaxConfidence, heuristicBaseConfidence+heuristicPerSignal*float64(used)),
		Verdict:     heuristicVerdict(stress),
		Indicators:  indicators,
	}
}

func heuristicVerdict(stress float64) string {
	switch {
	case stress >= heuristicBlock:
		return VerdictBlock
	case stress >= heuristicHold:
		return VerdictHold
	default:
		return VerdictGo
	}
}
