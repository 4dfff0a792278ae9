package modality

import (
	"math"

	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/signals"
)

const (
	rtModeratePoints  = 15.0
	rtHighPoints      = 30.0
	accModeratePoints = 10.0
	accHighPoints     = 20.0

	// Trial-to-trial reaction time spread above which responses are
	// considered inconsistent.
	rtStdPenaltyMs      = 150.0
	rtStdPenaltyPoints  = 10.0
	fullConfidenceTrial = 10
)

// AnalyzeCognitive scores mean reaction time and accuracy of completed
// trials against the user's baseline, or population bands without one.
func AnalyzeCognitive(in Inputs, t Table) Result {
	if in.Signals == nil {
		return Empty(Cognitive)
	}
	sum, ok := signals.SummarizeCognitive(in.Signals.CognitiveTrials)
	if !ok {
		return Empty(Cognitive)
	}

	rt := baseline.Compare(sum.MeanReactionMs, in.Baseline.ReactionTime(), baseline.HigherIsRiskier, baseline.ReactionTimeBands)
	acc := baseline.Compare(sum.Accuracy, in.Baseline.Accuracy(), baseline.LowerIsRiskier, baseline.AccuracyBands)

	score := rt.Points(rtModeratePoints, rtHighPoints) + acc.Points(accModeratePoints, accHighPoints)
	inconsistent := sum.Trials > 1 && sum.StdReactionMs > rtStdPenaltyMs
	if inconsistent {
		score += rtStdPenaltyPoints
	}

	sample := math.Min(1, float64(sum.Trials)/fullConfidenceTrial)
	confidence := (rt.Confidence + acc.Confidence) / 2 * math.Max(sample, 0.3)

	return NewResult(Cognitive, score, t.Cap(Cognitive), confidence, map[string]bool{
		FlagReactionTimeElevated: rt.Elevated(),
		FlagAccuracyLow:          acc.Elevated(),
		FlagInconsistent:         inconsistent,
	})
}
