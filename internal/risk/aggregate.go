package risk

import (
	"math"

	"github.com/mbd888/tiltguard/internal/modality"
)

// MaxScore is the upper bound of a risk score.
const MaxScore = 100

// Totals is the fused score of one set of modality results.
type Totals struct {
	RiskScore      int     `json:"riskScore"`
	Confidence     float64 `json:"confidence"`
	ContextualRisk float64 `json:"contextualRisk"`
	Contributing   int     `json:"contributing"`
	Raw            float64 `json:"raw"` // before clamping and rounding
}

// Aggregate weights every contributing result by the table, averages their
// weighted confidences over the number of contributors and adds the
// contextual score unweighted. It is pure and idempotent.
func Aggregate(results []modality.Result, contextual modality.Result, t modality.Table) Totals {
	var total, confAcc float64
	contributing := 0
	for _, r := range results {
		if !r.Contributing() {
			continue
		}
		w := t.Weight(r.Kind())
		total += r.Score() * w
		confAcc += r.Confidence() * w
		contributing++
	}

	var confidence float64
	if contributing > 0 {
		confidence = math.Min(1, confAcc/float64(contributing))
	}

	total += contextual.Score()
	return Totals{
		RiskScore:      int(math.Round(math.Max(0, math.Min(MaxScore, total)))),
		Confidence:     confidence,
		ContextualRisk: contextual.Score(),
		Contributing:   contributing,
		Raw:            total,
	}
}
