// Package risk fuses per-modality results into one bounded risk score and
// renders the go/hold/block verdict for a trade.
//
// Scoring is a pure function of its inputs. Modality scores are weighted by
// a versioned table and summed; contextual exposure is added unweighted. The
// total is clamped to [0, 100] and rounded. Verdicts are recomputed for each
// assessment and never transition in place.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/tiltguard/internal/analyst"
	"github.com/mbd888/tiltguard/internal/modality"
	"github.com/mbd888/tiltguard/internal/pagination"
)

// Verdict is the engine's decision on a trade.
type Verdict string

const (
	VerdictGo    Verdict = "go"
	VerdictHold  Verdict = "hold"
	VerdictBlock Verdict = "block"
)

// BlockCeiling is the score at or above which a trade is always blocked,
// whatever the policy threshold.
const BlockCeiling = 80

// Errors
var (
	ErrNotFound          = errors.New("risk: assessment not found")
	ErrUnknownTable      = errors.New("risk: unknown weight table version")
	ErrAlreadyOverridden = errors.New("risk: assessment already overridden")
)

// Assessment is the complete result of one evaluation.
type Assessment struct {
	ID                 string                            `json:"id"`
	UserID             string                            `json:"userId"`
	PolicyID           string                            `json:"policyId,omitempty"`
	RiskScore          int                               `json:"riskScore"`
	Confidence         float64                           `json:"confidence"`
	ContextualRisk     float64                           `json:"contextualRisk"`
	Contributing       int                               `json:"contributing"`
	Modalities         []modality.Result                 `json:"modalities"`
	Flags              map[modality.Kind]map[string]bool `json:"flags"`
	Verdict            Verdict                           `json:"verdict"`
	Reasons            []string                          `json:"reasons"`
	RecommendedAction  string                            `json:"recommendedAction"`
	CooldownSeconds    int                               `json:"cooldownSeconds"`
	WeightTableVersion string                            `json:"weightTableVersion"`
	Analysis           *analyst.Outcome                  `json:"analysis,omitempty"`
	Override           *Override                         `json:"override,omitempty"`
	EvaluatedAt        time.Time                         `json:"evaluatedAt"`
}

// Override records an operator decision to trade despite a hold or block.
type Override struct {
	By     string    `json:"by"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Store persists assessments for history and audit.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	Get(ctx context.Context, id string) (*Assessment, error)
	// ListByUser returns the user's assessments newest first, starting
	// strictly after before when it is non-nil.
	ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Assessment, error)
	SaveOverride(ctx context.Context, id string, o *Override) error
}

// Clone returns a deep copy of a.
func (a *Assessment) Clone() *Assessment {
	cp := *a
	cp.Modalities = append([]modality.Result(nil), a.Modalities...)
	cp.Reasons = append([]string(nil), a.Reasons...)
	if a.Flags != nil {
		cp.Flags = make(map[modality.Kind]map[string]bool, len(a.Flags))
		for k, v := range a.Flags {
			inner := make(map[string]bool, len(v))
			for f, b := range v {
				inner[f] = b
			}
			cp.Flags[k] = inner
		}
	}
	if a.Analysis != nil {
		an := a.Analysis.Clone()
		cp.Analysis = &an
	}
	if a.Override != nil {
		o := *a.Override
		cp.Override = &o
	}
	return &cp
}
