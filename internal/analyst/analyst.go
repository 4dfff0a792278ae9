// Package analyst wraps the optional external AI stress analyzer.
//
// Analyze always returns an Outcome of the same shape. When the external
// service is not configured, its circuit is open, the call fails or times
// out, or the response does not validate, a local conservative heuristic
// produces the report instead and the Outcome records why.
package analyst

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Errors
var (
	ErrNotConfigured   = errors.New("analyst: external service not configured")
	ErrCircuitOpen     = errors.New("analyst: circuit open")
	ErrMalformedReport = errors.New("analyst: malformed report")
)

// Verdict values a report may carry.
const (
	VerdictGo    = "go"
	VerdictHold  = "hold"
	VerdictBlock = "block"
)

// Source says which path produced an Outcome.
type Source string

const (
	SourceExternal Source = "external"
	SourceFallback Source = "fallback"
)

// Report is the analyzer's view of the operator's state.
type Report struct {
	StressLevel float64  `json:"stressLevel"` // 0-10
	Confidence  float64  `json:"confidence"`  // 0-1
	Verdict     string   `json:"verdict"`
	Indicators  []string `json:"indicators"`
}

// Validate checks every field of an external report.
func (r *Report) Validate() error {
	switch {
	case math.IsNaN(r.StressLevel) || r.StressLevel < 0 || r.StressLevel > 10:
		return fmt.Errorf("%w: stressLevel %v out of range", ErrMalformedReport, r.StressLevel)
	case math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1:
		return fmt.Errorf("%w: confidence %v out of range", ErrMalformedReport, r.Confidence)
	case r.Verdict != VerdictGo && r.Verdict != VerdictHold && r.Verdict != VerdictBlock:
		return fmt.Errorf("%w: unknown verdict %q", ErrMalformedReport, r.Verdict)
	case r.Indicators == nil:
		return fmt.Errorf("%w: indicators missing", ErrMalformedReport)
	}
	return nil
}

// Outcome is either an external report or a fallback report with the
// reason the external path was not used.
type Outcome struct {
	Source         Source `json:"source"`
	Report         Report `json:"report"`
	DegradedReason string `json:"degradedReason,omitempty"`
}

// Degraded reports whether the fallback produced this outcome.
func (o Outcome) Degraded() bool {
	return o.Source == SourceFallback
}

// Clone returns a deep copy.
func (o Outcome) Clone() Outcome {
	o.Report.Indicators = slices.Clone(o.Report.Indicators)
	return o
}

func external(r Report) Outcome {
	return Outcome{Source: SourceExternal, Report: r}
}

func fallback(r Report, reason error) Outcome {
	o := Outcome{Source: SourceFallback, Report: r}
	if reason != nil {
		o.DegradedReason = reason.Error()
	}
	return o
}
