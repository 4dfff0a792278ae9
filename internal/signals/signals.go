// Package signals defines the raw per-modality inputs an assessment consumes.
//
// Every field of AssessmentSignals is optional. A nil pointer or empty slice
// means the modality was not run; it never means "zero risk".
package signals

import (
	"time"

	"github.com/mbd888/tiltguard/internal/validation"
)

// AssessmentSignals is the optional bag of inputs for one assessment.
type AssessmentSignals struct {
	CognitiveTrials    []CognitiveTrial `json:"cognitiveTrials,omitempty"`
	MouseMovements     []MouseSample    `json:"mouseMovements,omitempty"`
	KeystrokeIntervals []float64        `json:"keystrokeIntervals,omitempty"` // ms between key-downs
	ClickLatencyMs     *float64         `json:"clickLatencyMs,omitempty"`
	SelfReportedStress *int             `json:"selfReportedStress,omitempty"` // 0-10
	Voice              *VoiceFeatures   `json:"voice,omitempty"`
	Facial             *FacialFeatures  `json:"facial,omitempty"`      // legacy coarse shape
	FaceMetrics        *FaceMetrics     `json:"faceMetrics,omitempty"` // landmark-derived shape
}

// CognitiveTrial is one stimulus/response pair from a cognitive test.
type CognitiveTrial struct {
	Kind           string  `json:"kind,omitempty"` // "stroop", "reaction", "memory"
	ReactionTimeMs float64 `json:"reactionTimeMs"`
	Correct        bool    `json:"correct"`
	Completed      bool    `json:"completed"`
}

// MouseSample is a single pointer position sample.
type MouseSample struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	TimestampMs float64 `json:"timestamp"`
}

// VoiceFeatures are prosody features extracted upstream from a short utterance.
type VoiceFeatures struct {
	PitchHz       float64 `json:"pitchHz"`
	PitchVariance float64 `json:"pitchVariance"`
	Jitter        float64 `json:"jitter"`
	Shimmer       float64 `json:"shimmer"`
	Energy        float64 `json:"energy"`
	SpeechRate    float64 `json:"speechRate"`
}

// FacialFeatures is the coarse expression summary produced by older clients.
type FacialFeatures struct {
	Present         bool    `json:"present"`
	BlinkRatePerMin float64 `json:"blinkRate"`
	BrowFurrow      float64 `json:"browFurrow"`
	GazeStability   float64 `json:"gazeStability"`
}

// FaceMetrics is one smoothed sample produced by the facial temporal filter.
type FaceMetrics struct {
	Present         bool      `json:"isPresent"`
	EAR             float64   `json:"ear"`
	JawOpenness     float64   `json:"jawOpenness"`
	BrowFurrow      float64   `json:"browFurrow"`
	GazeStability   float64   `json:"gazeStability"`
	BlinkRatePerMin float64   `json:"blinkRate"`
	BlinkCount      int       `json:"blinkCount"`
	Degraded        bool      `json:"degraded"`
	Timestamp       time.Time `json:"timestamp"`
	FPS             float64   `json:"fps,omitempty"`
	LatencyMs       float64   `json:"latencyMs,omitempty"`
}

// OrderContext describes the trade the operator is about to place.
type OrderContext struct {
	Instrument       string    `json:"instrument"`
	Side             string    `json:"side"` // "buy" or "sell"
	Size             float64   `json:"size"`
	Leverage         float64   `json:"leverage"`
	RecentPnL        float64   `json:"recentPnl"`
	RecentLosses     float64   `json:"recentLosses"` // absolute loss amount over the trailing session
	LocalTime        time.Time `json:"localTime"`
	MarketVolatility float64   `json:"marketVolatility"` // fractional, 0.05 = 5%
}

// Empty reports whether no modality input is present at all.
func (s *AssessmentSignals) Empty() bool {
	if s == nil {
		return true
	}
	return len(s.CognitiveTrials) == 0 &&
		len(s.MouseMovements) == 0 &&
		len(s.KeystrokeIntervals) == 0 &&
		s.ClickLatencyMs == nil &&
		s.SelfReportedStress == nil &&
		s.Voice == nil &&
		s.Facial == nil &&
		s.FaceMetrics == nil
}

// Validation limits for request payloads.
const (
	MaxTrials     = 500
	MaxMouse      = 20000
	MaxKeystrokes = 5000
)

// Validate rejects structurally malformed input. Values that are merely out
// of a modality's useful range are not errors; analyzers ignore them.
func (s *AssessmentSignals) Validate() validation.ValidationErrors {
	if s == nil {
		return nil
	}
	return validation.Validate(
		validation.MaxItems("signals.cognitiveTrials", len(s.CognitiveTrials), MaxTrials),
		validation.MaxItems("signals.mouseMovements", len(s.MouseMovements), MaxMouse),
		validation.MaxItems("signals.keystrokeIntervals", len(s.KeystrokeIntervals), MaxKeystrokes),
		validation.OptionalIntRange("signals.selfReportedStress", s.SelfReportedStress, 0, 10),
		validation.NonNegative("signals.clickLatencyMs", s.ClickLatencyMs),
	)
}

// Validate checks the order context for malformed values.
func (o *OrderContext) Validate() validation.ValidationErrors {
	if o == nil {
		return nil
	}
	return validation.Validate(
		validation.MaxLength("order.instrument", o.Instrument, 64),
		validation.OneOf("order.side", o.Side, "", "buy", "sell"),
		validation.NonNegative("order.size", &o.Size),
		validation.NonNegative("order.leverage", &o.Leverage),
	)
}
