// Package modality turns raw assessment signals into capped per-modality
// sub-scores. Every analyzer is a pure function: missing or out-of-range
// input contributes nothing and never returns an error.
package modality

import (
	"encoding/json"
	"maps"
	"math"
	"sort"

	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/signals"
)

// Kind identifies a modality.
type Kind string

const (
	Cognitive  Kind = "cognitive"
	Behavioral Kind = "behavioral"
	SelfReport Kind = "selfReport"
	Voice      Kind = "voice"
	Facial     Kind = "facial"
	Contextual Kind = "contextual"
)

// Weighted lists the modalities that are weighted into the total, in the
// order they are evaluated. Contextual is additive and not part of it.
var Weighted = []Kind{Cognitive, Behavioral, SelfReport, Voice, Facial}

// Flag names.
const (
	FlagReactionTimeElevated = "reactionTimeElevated"
	FlagAccuracyLow          = "accuracyLow"
	FlagInconsistent         = "inconsistentResponses"
	FlagAnomaliesDetected    = "anomaliesDetected"
	FlagHesitation           = "hesitation"
	FlagImpulsivity          = "impulsivity"
	FlagHighStress           = "highStress"
	FlagStressDetected       = "stressDetected"
	FlagHyperBlink           = "hyperBlink"
	FlagHypoBlink            = "hypoBlink"
	FlagBrowFurrow           = "browFurrow"
	FlagGazeUnstable         = "gazeUnstable"
	FlagFatigue              = "fatigue"
	FlagJawTension           = "jawTension"
	FlagHighLeverage         = "highLeverage"
	FlagRecentLosses         = "recentLosses"
	FlagNegativePnL          = "negativePnl"
	FlagOffHours             = "offHours"
	FlagHighVolatility       = "highVolatility"
	FlagElevatedContext      = "elevated"
)

// Result is one analyzer's output. It is immutable once built.
type Result struct {
	kind       Kind
	score      float64
	confidence float64
	flags      map[string]bool
}

// NewResult builds a result, clamping score to [0, ceiling] and confidence to
// [0, 1]. Non-finite values become 0. Only true flags are kept.
func NewResult(kind Kind, score, ceiling, confidence float64, flags map[string]bool) Result {
	r := Result{
		kind:       kind,
		score:      clamp(score, 0, ceiling),
		confidence: clamp(confidence, 0, 1),
	}
	for k, v := range flags {
		if !v {
			continue
		}
		if r.flags == nil {
			r.flags = make(map[string]bool, len(flags))
		}
		r.flags[k] = true
	}
	return r
}

// Empty returns the "modality not run" result.
func Empty(kind Kind) Result {
	return Result{kind: kind}
}

func (r Result) Kind() Kind             { return r.kind }
func (r Result) Score() float64         { return r.score }
func (r Result) Confidence() float64    { return r.confidence }
func (r Result) Flag(name string) bool  { return r.flags[name] }
func (r Result) Contributing() bool     { return r.score > 0 }
func (r Result) Flags() map[string]bool { return maps.Clone(r.flags) }
func (r Result) HasFlags() bool         { return len(r.flags) > 0 }

// FlagNames returns the set flag names in sorted order.
func (r Result) FlagNames() []string {
	out := make([]string, 0, len(r.flags))
	for k := range r.flags {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type resultJSON struct {
	Kind       Kind            `json:"kind"`
	Score      float64         `json:"score"`
	Confidence float64         `json:"confidence"`
	Flags      map[string]bool `json:"flags,omitempty"`
}

// MarshalJSON exposes the result's fields.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{Kind: r.kind, Score: r.score, Confidence: r.confidence, Flags: r.flags})
}

// UnmarshalJSON restores a result through NewResult, so stored results keep
// the same bounds.
func (r *Result) UnmarshalJSON(b []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = NewResult(raw.Kind, raw.Score, math.Inf(1), raw.Confidence, raw.Flags)
	return nil
}

// Inputs bundles what every analyzer may read.
type Inputs struct {
	Signals  *signals.AssessmentSignals
	Baseline *baseline.UserBaseline
	Order    *signals.OrderContext
}

// Analyzer is the common analyzer signature.
type Analyzer func(in Inputs, t Table) Result

// Analyzers maps each modality to its analyzer.
var Analyzers = map[Kind]Analyzer{
	Cognitive:  AnalyzeCognitive,
	Behavioral: AnalyzeBehavioral,
	SelfReport: AnalyzeSelfReport,
	Voice:      AnalyzeVoice,
	Facial:     AnalyzeFacial,
	Contextual: AnalyzeContextual,
}

// AnalyzeAll runs every weighted analyzer allowed by enabled (nil enables
// all) and the contextual analyzer. Disabled modalities yield Empty results.
func AnalyzeAll(in Inputs, t Table, enabled func(Kind) bool) (weighted []Result, contextual Result) {
	weighted = make([]Result, 0, len(Weighted))
	for _, k := range Weighted {
		if enabled != nil && !enabled(k) {
			weighted = append(weighted, Empty(k))
			continue
		}
		weighted = append(weighted, Analyzers[k](in, t))
	}
	if enabled != nil && !enabled(Contextual) {
		return weighted, Empty(Contextual)
	}
	return weighted, AnalyzeContextual(in, t)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
