package modality

const (
	voicePitchHz   = 250.0
	voiceJitter    = 0.02
	voiceShimmer   = 0.10
	voiceEnergy    = 0.80
	voiceIncrement = 10.0

	voiceConfidence = 0.6
)

// AnalyzeVoice adds a fixed increment for each prosody feature past its
// stress threshold.
func AnalyzeVoice(in Inputs, t Table) Result {
	if in.Signals == nil || in.Signals.Voice == nil {
		return Empty(Voice)
	}
	v := in.Signals.Voice

	breaches := 0
	for _, c := range []struct{ val, limit float64 }{
		{v.PitchHz, voicePitchHz},
		{v.Jitter, voiceJitter},
		{v.Shimmer, voiceShimmer},
		{v.Energy, voiceEnergy},
	} {
		if finite(c.val) && c.val > c.limit {
			breaches++
		}
	}

	return NewResult(Voice, float64(breaches)*voiceIncrement, t.Cap(Voice), voiceConfidence, map[string]bool{
		FlagStressDetected: breaches > 0,
	})
}
