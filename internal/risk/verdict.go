package risk

import "github.com/mbd888/tiltguard/internal/modality"

// Thresholds are the policy values the verdict depends on.
type Thresholds struct {
	RiskThreshold   int
	BlockCeiling    int
	CooldownSeconds int
}

// Decision is the verdict with everything derived from it.
type Decision struct {
	Verdict           Verdict  `json:"verdict"`
	Reasons           []string `json:"reasons"`
	RecommendedAction string   `json:"recommendedAction"`
	CooldownSeconds   int      `json:"cooldownSeconds"`
}

// Reason tags, in the order they are reported.
const (
	ReasonReactionTime   = "Reaction time elevated"
	ReasonAccuracy       = "Accuracy low"
	ReasonBehavioral     = "Behavioral anomalies detected"
	ReasonSelfReport     = "Self-report high stress"
	ReasonVoice          = "Voice stress detected"
	ReasonFacial         = "Facial stress indicators"
	ReasonContextualRisk = "Elevated contextual risk"
)

type reasonRule struct {
	kind   modality.Kind
	flag   string // empty matches any flag on the modality
	reason string
}

var reasonCatalog = []reasonRule{
	{modality.Cognitive, modality.FlagReactionTimeElevated, ReasonReactionTime},
	{modality.Cognitive, modality.FlagAccuracyLow, ReasonAccuracy},
	{modality.Behavioral, modality.FlagAnomaliesDetected, ReasonBehavioral},
	{modality.SelfReport, modality.FlagHighStress, ReasonSelfReport},
	{modality.Voice, modality.FlagStressDetected, ReasonVoice},
	{modality.Facial, "", ReasonFacial},
	{modality.Contextual, modality.FlagElevatedContext, ReasonContextualRisk},
}

var recommendedActions = map[Verdict]string{
	VerdictGo:    "Proceed with the trade.",
	VerdictHold:  "Pause and take a short break before placing this trade.",
	VerdictBlock: "Step away from trading until the cooldown ends, then re-assess.",
}

// RecommendedAction returns the fixed action text for v.
func RecommendedAction(v Verdict) string {
	return recommendedActions[v]
}

// Reasons derives the reason tags from modality flags in catalog order.
func Reasons(results []modality.Result, contextual modality.Result) []string {
	byKind := make(map[modality.Kind]modality.Result, len(results)+1)
	for _, r := range results {
		byKind[r.Kind()] = r
	}
	byKind[modality.Contextual] = contextual

	reasons := []string{}
	for _, rule := range reasonCatalog {
		r, ok := byKind[rule.kind]
		if !ok {
			continue
		}
		if (rule.flag == "" && r.HasFlags()) || (rule.flag != "" && r.Flag(rule.flag)) {
			reasons = append(reasons, rule.reason)
		}
	}
	return reasons
}

// Decide maps a score to a verdict. A score at or above the block ceiling
// blocks regardless of the policy threshold; a score at or above the
// threshold holds for the policy cooldown; anything lower is a go. Blocks
// cool down for twice the policy cooldown.
func Decide(score int, th Thresholds, reasons []string) Decision {
	ceiling := th.BlockCeiling
	if ceiling <= 0 {
		ceiling = BlockCeiling
	}

	d := Decision{Verdict: VerdictGo, Reasons: reasons}
	switch {
	case score >= ceiling:
		d.Verdict = VerdictBlock
		d.CooldownSeconds = 2 * th.CooldownSeconds
	case score >= th.RiskThreshold:
		d.Verdict = VerdictHold
		d.CooldownSeconds = th.CooldownSeconds
	}
	if d.Reasons == nil {
		d.Reasons = []string{}
	}
	d.RecommendedAction = RecommendedAction(d.Verdict)
	return d
}
