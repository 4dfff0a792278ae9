package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/idgen"
	"github.com/mbd888/tiltguard/internal/modality"
	"github.com/mbd888/tiltguard/internal/signals"
	"github.com/mbd888/tiltguard/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// Request carries everything one evaluation reads. All fields but UserID
// are optional.
type Request struct {
	UserID       string
	PolicyID     string
	Signals      *signals.AssessmentSignals
	Order        *signals.OrderContext
	Baseline     *baseline.UserBaseline
	Thresholds   Thresholds
	TableVersion string
	Enabled      func(modality.Kind) bool
}

// Engine scores assessments against a set of versioned weight tables.
type Engine struct {
	tables *modality.Tables
	now    func() time.Time
}

// NewEngine creates an engine. A nil table set uses only the default table.
func NewEngine(tables *modality.Tables) *Engine {
	if tables == nil {
		tables = modality.NewTables()
	}
	return &Engine{tables: tables, now: time.Now}
}

// WithClock overrides the evaluation clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Tables returns the engine's table set.
func (e *Engine) Tables() *modality.Tables {
	return e.tables
}

// Evaluate runs every enabled analyzer, fuses the results and decides the
// verdict. Missing signals and a missing baseline are not errors; only an
// unknown table version is.
func (e *Engine) Evaluate(ctx context.Context, req *Request) (*Assessment, error) {
	_, span := traces.StartSpan(ctx, "risk.Evaluate",
		traces.UserID(req.UserID),
		traces.TableVersion(req.TableVersion),
	)
	defer span.End()

	table, ok := e.tables.Get(req.TableVersion)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownTable, req.TableVersion)
		span.RecordError(err)
		return nil, err
	}

	in := modality.Inputs{Signals: req.Signals, Baseline: req.Baseline, Order: req.Order}
	results, contextual := modality.AnalyzeAll(in, table, req.Enabled)

	totals := Aggregate(results, contextual, table)
	decision := Decide(totals.RiskScore, req.Thresholds, Reasons(results, contextual))

	all := append(results[:len(results):len(results)], contextual)
	flags := make(map[modality.Kind]map[string]bool, len(all))
	for _, r := range all {
		if r.HasFlags() {
			flags[r.Kind()] = r.Flags()
		}
	}

	span.SetAttributes(
		attribute.Int("risk_score", totals.RiskScore),
		traces.Verdict(string(decision.Verdict)),
	)

	return &Assessment{
		ID:                 idgen.WithPrefix("asm_"),
		UserID:             req.UserID,
		PolicyID:           req.PolicyID,
		RiskScore:          totals.RiskScore,
		Confidence:         totals.Confidence,
		ContextualRisk:     totals.ContextualRisk,
		Contributing:       totals.Contributing,
		Modalities:         all,
		Flags:              flags,
		Verdict:            decision.Verdict,
		Reasons:            decision.Reasons,
		RecommendedAction:  decision.RecommendedAction,
		CooldownSeconds:    decision.CooldownSeconds,
		WeightTableVersion: table.Version,
		EvaluatedAt:        e.now().UTC(),
	}, nil
}
