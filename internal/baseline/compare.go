package baseline

import "math"

// Direction says which way a metric moves when risk increases.
type Direction int

const (
	HigherIsRiskier Direction = iota // e.g. reaction time
	LowerIsRiskier                   // e.g. accuracy, stability
)

// Band is a discrete risk tier for a deviation.
type Band int

const (
	BandNone     Band = iota // no evidence
	BandNormal               // within expected range
	BandModerate             // z > 1, or past the moderate population threshold
	BandHigh                 // z > 2, or past the high population threshold
)

// String returns the band name.
func (b Band) String() string {
	switch b {
	case BandNormal:
		return "normal"
	case BandModerate:
		return "moderate"
	case BandHigh:
		return "high"
	default:
		return "none"
	}
}

// Source says what a deviation was computed against.
type Source string

const (
	SourceNone       Source = "none"
	SourceBaseline   Source = "baseline"
	SourcePopulation Source = "population"
)

// PopulationBands are fixed raw-unit thresholds used when no personal
// baseline exists. For LowerIsRiskier metrics High < Moderate.
type PopulationBands struct {
	Moderate float64
	High     float64
}

// Population thresholds per metric.
var (
	ReactionTimeBands    = PopulationBands{Moderate: 600, High: 800} // ms
	AccuracyBands        = PopulationBands{Moderate: 0.75, High: 0.60}
	MouseStabilityBands  = PopulationBands{Moderate: 0.50, High: 0.30}
	KeystrokeRhythmBands = PopulationBands{Moderate: 0.50, High: 0.30}
)

const (
	epsilon = 1e-6

	zHigh     = 2.0
	zModerate = 1.0

	baselineConfidence   = 0.85
	populationConfidence = 0.60
)

// Deviation is the normalized result of comparing one raw metric.
type Deviation struct {
	Z          float64 `json:"z"` // oriented so that positive means riskier; 0 for population comparisons
	Band       Band    `json:"band"`
	Source     Source  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// Points maps the band to a score contribution. BandNone and BandNormal
// contribute nothing.
func (d Deviation) Points(moderate, high float64) float64 {
	switch d.Band {
	case BandHigh:
		return high
	case BandModerate:
		return moderate
	default:
		return 0
	}
}

// Elevated reports whether the deviation reached at least the moderate band.
func (d Deviation) Elevated() bool {
	return d.Band >= BandModerate
}

// Compare normalizes raw against a personal baseline stat when one is given,
// otherwise against fixed population bands. It never fails: a non-finite raw
// value yields a zero "no evidence" deviation.
func Compare(raw float64, stat *Stat, dir Direction, pop PopulationBands) Deviation {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return Deviation{Source: SourceNone}
	}

	if stat != nil && !math.IsNaN(stat.Mean) && !math.IsNaN(stat.Std) {
		z := (raw - stat.Mean) / math.Max(stat.Std, epsilon)
		if dir == LowerIsRiskier {
			z = -z
		}
		band := BandNormal
		switch {
		case z > zHigh:
			band = BandHigh
		case z > zModerate:
			band = BandModerate
		}
		return Deviation{Z: z, Band: band, Source: SourceBaseline, Confidence: baselineConfidence}
	}

	band := BandNormal
	if dir == HigherIsRiskier {
		switch {
		case raw > pop.High:
			band = BandHigh
		case raw > pop.Moderate:
			band = BandModerate
		}
	} else {
		switch {
		case raw < pop.High:
			band = BandHigh
		case raw < pop.Moderate:
			band = BandModerate
		}
	}
	return Deviation{Band: band, Source: SourcePopulation, Confidence: populationConfidence}
}
