package modality

const selfReportConfidence = 0.9

// selfReportPoints maps a 0-10 stress rating to its tier.
func selfReportPoints(stress int) float64 {
	switch {
	case stress >= 8:
		return 40
	case stress >= 6:
		return 25
	case stress >= 4:
		return 10
	default:
		return 0
	}
}

// AnalyzeSelfReport maps the self-rated stress level to a tiered score. It
// is the highest-confidence modality since the operator states it directly.
// Ratings outside 0..10 contribute nothing.
func AnalyzeSelfReport(in Inputs, t Table) Result {
	if in.Signals == nil || in.Signals.SelfReportedStress == nil {
		return Empty(SelfReport)
	}
	stress := *in.Signals.SelfReportedStress
	if stress < 0 || stress > 10 {
		return Empty(SelfReport)
	}
	return NewResult(SelfReport, selfReportPoints(stress), t.Cap(SelfReport), selfReportConfidence, map[string]bool{
		FlagHighStress: stress >= 6,
	})
}
