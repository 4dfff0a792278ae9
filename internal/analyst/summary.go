package analyst

import (
	"github.com/mbd888/tiltguard/internal/signals"
)

// Summary is the serialized digest sent to the external analyzer. It
// carries derived metrics only, never raw samples.
type Summary struct {
	UserID string `json:"userId"`

	CognitiveTrials    int      `json:"cognitiveTrials,omitempty"`
	MeanReactionMs     *float64 `json:"meanReactionMs,omitempty"`
	Accuracy           *float64 `json:"accuracy,omitempty"`
	MouseStability     *float64 `json:"mouseStability,omitempty"`
	KeystrokeRhythm    *float64 `json:"keystrokeRhythm,omitempty"`
	ClickLatencyMs     *float64 `json:"clickLatencyMs,omitempty"`
	SelfReportedStress *int     `json:"selfReportedStress,omitempty"`

	Voice *signals.VoiceFeatures `json:"voice,omitempty"`
	Face  *FaceSummary           `json:"face,omitempty"`

	Leverage         float64 `json:"leverage,omitempty"`
	RecentPnL        float64 `json:"recentPnl,omitempty"`
	RecentLosses     float64 `json:"recentLosses,omitempty"`
	MarketVolatility float64 `json:"marketVolatility,omitempty"`

	RiskScore int `json:"riskScore"`
}

// FaceSummary merges both facial input shapes.
type FaceSummary struct {
	BlinkRatePerMin float64 `json:"blinkRate"`
	BrowFurrow      float64 `json:"browFurrow"`
	GazeStability   float64 `json:"gazeStability"`
	EAR             float64 `json:"ear,omitempty"`
	JawOpenness     float64 `json:"jawOpenness,omitempty"`
}

// Summarize derives a Summary from raw signals using the same primitives
// the modality analyzers use.
func Summarize(userID string, s *signals.AssessmentSignals, o *signals.OrderContext, riskScore int) Summary {
	sum := Summary{UserID: userID, RiskScore: riskScore}
	if s != nil {
		if c, ok := signals.SummarizeCognitive(s.CognitiveTrials); ok {
			sum.CognitiveTrials = c.Trials
			sum.MeanReactionMs = &c.MeanReactionMs
			sum.Accuracy = &c.Accuracy
		}
		if v, ok := signals.MouseStability(s.MouseMovements); ok {
			sum.MouseStability = &v
		}
		if v, ok := signals.KeystrokeRhythm(s.KeystrokeIntervals); ok {
			sum.KeystrokeRhythm = &v
		}
		if s.ClickLatencyMs != nil {
			v := *s.ClickLatencyMs
			sum.ClickLatencyMs = &v
		}
		if s.SelfReportedStress != nil {
			v := *s.SelfReportedStress
			sum.SelfReportedStress = &v
		}
		if s.Voice != nil {
			v := *s.Voice
			sum.Voice = &v
		}
		switch {
		case s.FaceMetrics != nil && s.FaceMetrics.Present:
			m := s.FaceMetrics
			sum.Face = &FaceSummary{
				BlinkRatePerMin: m.BlinkRatePerMin,
				BrowFurrow:      m.BrowFurrow,
				GazeStability:   m.GazeStability,
				EAR:             m.EAR,
				JawOpenness:     m.JawOpenness,
			}
		case s.Facial != nil && s.Facial.Present:
			sum.Face = &FaceSummary{
				BlinkRatePerMin: s.Facial.BlinkRatePerMin,
				BrowFurrow:      s.Facial.BrowFurrow,
				GazeStability:   s.Facial.GazeStability,
			}
		}
	}
	if o != nil {
		sum.Leverage = o.Leverage
		sum.RecentPnL = o.RecentPnL
		sum.RecentLosses = o.RecentLosses
		sum.MarketVolatility = o.MarketVolatility
	}
	return sum
}
