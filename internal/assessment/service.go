// Package assessment orchestrates one trade-gating evaluation: it fetches
// the user's baseline and policy concurrently, folds in the latest facial
// metrics, scores the signals, consults the analyst, and fans the verdict
// out to history, the audit trail and realtime subscribers.
package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/tiltguard/internal/analyst"
	"github.com/mbd888/tiltguard/internal/audit"
	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/metrics"
	"github.com/mbd888/tiltguard/internal/pagination"
	"github.com/mbd888/tiltguard/internal/policy"
	"github.com/mbd888/tiltguard/internal/realtime"
	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/signals"
	"github.com/mbd888/tiltguard/internal/traces"
	"github.com/mbd888/tiltguard/internal/validation"
	"golang.org/x/sync/errgroup"
)

// Errors
var (
	ErrInvalidInput       = errors.New("assessment: invalid input")
	ErrOverrideNotAllowed = errors.New("assessment: policy does not allow override")
	ErrNothingToOverride  = errors.New("assessment: only hold and block verdicts can be overridden")
)

// InputError carries per-field validation failures.
type InputError struct {
	Fields validation.ValidationErrors
}

func (e *InputError) Error() string { return e.Fields.Error() }

// Unwrap lets errors.Is match ErrInvalidInput.
func (e *InputError) Unwrap() error { return ErrInvalidInput }

// FaceSource returns a user's last published face metrics without blocking.
type FaceSource interface {
	Latest(userID string) (*signals.FaceMetrics, bool)
}

// Analyst produces the advisory second opinion attached to an assessment.
type Analyst interface {
	Analyze(ctx context.Context, s analyst.Summary) analyst.Outcome
}

// AuditSink accepts audit events without blocking.
type AuditSink interface {
	Send(ev *audit.Event)
}

// EventPublisher pushes assessment events to realtime subscribers.
type EventPublisher interface {
	BroadcastAssessment(typ realtime.EventType, userID, verdict string, riskScore int, data any)
}

// Notifier delivers out-of-band verdict alerts, such as webhooks. It is
// only called for hold and block verdicts and for overrides.
type Notifier interface {
	NotifyAssessment(ctx context.Context, a *risk.Assessment)
	NotifyOverride(ctx context.Context, a *risk.Assessment)
}

// Request is one assessment request.
type Request struct {
	UserID   string                     `json:"userId"`
	PolicyID string                     `json:"policyId,omitempty"`
	Signals  *signals.AssessmentSignals `json:"signals"`
	Order    *signals.OrderContext      `json:"order"`
}

// Validate checks the request shape.
func (r *Request) Validate() validation.ValidationErrors {
	return validation.Merge(
		validation.Validate(
			validation.Required("userId", r.UserID),
			validation.ValidUserID("userId", r.UserID),
			validation.MaxLength("policyId", r.PolicyID, 64),
		),
		r.Signals.Validate(),
		r.Order.Validate(),
	)
}

const (
	sideEffectTimeout = 5 * time.Second
	recordTimeout     = 3 * time.Second
)

// Service runs assessments.
type Service struct {
	engine      *risk.Engine
	baselines   baseline.Store
	policies    policy.Store
	assessments risk.Store
	faces       FaceSource
	analyst     Analyst
	audit       AuditSink
	events      EventPublisher
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time

	background sync.WaitGroup
}

// NewService creates an assessment service. Faces, analyst, audit, events
// and notifier are optional and attached with the With* methods.
func NewService(engine *risk.Engine, baselines baseline.Store, policies policy.Store, assessments risk.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:      engine,
		baselines:   baselines,
		policies:    policies,
		assessments: assessments,
		logger:      logger,
		now:         time.Now,
	}
}

// WithFaces attaches the facial session registry.
func (s *Service) WithFaces(f FaceSource) *Service { s.faces = f; return s }

// WithAnalyst attaches the analyst.
func (s *Service) WithAnalyst(a Analyst) *Service { s.analyst = a; return s }

// WithAudit attaches the audit sink.
func (s *Service) WithAudit(a AuditSink) *Service { s.audit = a; return s }

// WithEvents attaches the realtime publisher.
func (s *Service) WithEvents(e EventPublisher) *Service { s.events = e; return s }

// WithNotifier attaches the verdict alert notifier.
func (s *Service) WithNotifier(n Notifier) *Service { s.notifier = n; return s }

// Assess evaluates one request. Missing signals and a missing baseline are
// never errors; malformed input, an unknown policy and an unknown weight
// table are.
func (s *Service) Assess(ctx context.Context, req Request) (*risk.Assessment, error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "assessment.Assess",
		traces.UserID(req.UserID),
		traces.PolicyID(req.PolicyID),
	)
	defer span.End()

	if errs := req.Validate(); len(errs) > 0 {
		return nil, &InputError{Fields: errs}
	}

	var (
		ub  *baseline.UserBaseline
		pol *policy.Policy
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := s.baselines.Get(gctx, req.UserID)
		switch {
		case err == nil:
			ub = b
		case errors.Is(err, baseline.ErrNotFound):
		default:
			// Population bands still apply without a baseline.
			s.logger.Warn("baseline unavailable, using population bands", "user_id", req.UserID, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		p, err := policy.Resolve(gctx, s.policies, req.PolicyID, s.engine.Tables().Has)
		if err != nil {
			return fmt.Errorf("resolve policy: %w", err)
		}
		pol = p
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	sig := s.withFace(req.UserID, req.Signals)

	a, err := s.engine.Evaluate(ctx, &risk.Request{
		UserID:       req.UserID,
		PolicyID:     pol.ID,
		Signals:      sig,
		Order:        req.Order,
		Baseline:     ub,
		Thresholds:   pol.Thresholds(),
		TableVersion: pol.WeightTableVersion,
		Enabled:      pol.Enabled,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(traces.AssessmentID(a.ID), traces.Verdict(string(a.Verdict)))

	if s.analyst != nil {
		outcome := s.analyst.Analyze(ctx, analyst.Summarize(req.UserID, sig, req.Order, a.RiskScore))
		a.Analysis = &outcome
	}

	s.record(ctx, a)
	s.observe(a, time.Since(start))
	s.afterAssessment(ctx, a)
	return a, nil
}

// withFace returns sig with the user's live face metrics filled in when the
// request carried no facial input of its own.
func (s *Service) withFace(userID string, sig *signals.AssessmentSignals) *signals.AssessmentSignals {
	if s.faces == nil || (sig != nil && (sig.FaceMetrics != nil || sig.Facial != nil)) {
		return sig
	}
	m, ok := s.faces.Latest(userID)
	if !ok {
		return sig
	}
	var cp signals.AssessmentSignals
	if sig != nil {
		cp = *sig
	}
	cp.FaceMetrics = m
	return &cp
}

// record persists the assessment for history. A failed write is logged; the
// verdict is still returned.
func (s *Service) record(ctx context.Context, a *risk.Assessment) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.assessments.Record(rctx, a); err != nil {
		s.logger.Error("failed to record assessment", "assessment_id", a.ID, "user_id", a.UserID, "error", err)
	}
}

func (s *Service) observe(a *risk.Assessment, elapsed time.Duration) {
	metrics.AssessmentsTotal.WithLabelValues(string(a.Verdict)).Inc()
	metrics.RiskScore.Observe(float64(a.RiskScore))
	metrics.AssessmentDuration.Observe(elapsed.Seconds())
	for _, r := range a.Modalities {
		if r.Contributing() {
			metrics.ModalityContributions.WithLabelValues(string(r.Kind())).Inc()
		}
	}
}

// afterAssessment emits the audit event and the realtime event on
// background goroutines. Neither blocks the caller.
func (s *Service) afterAssessment(ctx context.Context, a *risk.Assessment) {
	snapshot := a.Clone()
	s.async(ctx, func(context.Context) {
		if s.audit == nil {
			return
		}
		detail, _ := json.Marshal(map[string]any{
			"reasons":            snapshot.Reasons,
			"confidence":         snapshot.Confidence,
			"weightTableVersion": snapshot.WeightTableVersion,
			"cooldownSeconds":    snapshot.CooldownSeconds,
		})
		s.audit.Send(&audit.Event{
			Type:         audit.EventAssessmentCompleted,
			UserID:       snapshot.UserID,
			AssessmentID: snapshot.ID,
			PolicyID:     snapshot.PolicyID,
			Verdict:      string(snapshot.Verdict),
			RiskScore:    snapshot.RiskScore,
			Detail:       detail,
			CreatedAt:    snapshot.EvaluatedAt,
		})
	})
	s.async(ctx, func(context.Context) {
		if s.events == nil {
			return
		}
		s.events.BroadcastAssessment(realtime.EventAssessmentCompleted,
			snapshot.UserID, string(snapshot.Verdict), snapshot.RiskScore, snapshot)
	})
	if s.notifier != nil && snapshot.Verdict != risk.VerdictGo {
		s.async(ctx, func(bctx context.Context) {
			s.notifier.NotifyAssessment(bctx, snapshot)
		})
	}
}

// async runs fn on a background goroutine detached from the request
// lifetime. Panics are recovered and logged.
func (s *Service) async(ctx context.Context, fn func(context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in assessment side effect", "panic", fmt.Sprint(r))
			}
		}()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
		defer cancel()
		fn(bctx)
	}()
}

// Wait blocks until every pending side effect has finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// Get returns a recorded assessment.
func (s *Service) Get(ctx context.Context, id string) (*risk.Assessment, error) {
	return s.assessments.Get(ctx, id)
}

// History returns a user's assessments newest first.
func (s *Service) History(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*risk.Assessment, error) {
	return s.assessments.ListByUser(ctx, userID, limit, before)
}

// Override records an operator's decision to trade despite a hold or block.
// The assessment's policy must allow overrides, and an assessment can be
// overridden only once.
func (s *Service) Override(ctx context.Context, id, by, reason string) (*risk.Assessment, error) {
	ctx, span := traces.StartSpan(ctx, "assessment.Override", traces.AssessmentID(id))
	defer span.End()

	a, err := s.assessments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Verdict == risk.VerdictGo {
		return nil, ErrNothingToOverride
	}

	pol, err := policy.Resolve(ctx, s.policies, a.PolicyID, s.engine.Tables().Has)
	if errors.Is(err, policy.ErrPolicyNotFound) {
		return nil, ErrOverrideNotAllowed
	}
	if err != nil {
		return nil, fmt.Errorf("resolve policy: %w", err)
	}
	if !pol.OverrideAllowed {
		return nil, ErrOverrideNotAllowed
	}

	o := &risk.Override{By: by, Reason: reason, At: s.now().UTC()}
	if err := s.assessments.SaveOverride(ctx, id, o); err != nil {
		return nil, err
	}
	a.Override = o
	metrics.OverridesTotal.WithLabelValues(string(a.Verdict)).Inc()
	s.logger.Info("assessment overridden",
		"assessment_id", a.ID, "user_id", a.UserID, "verdict", a.Verdict, "by", by)

	snapshot := a.Clone()
	s.async(ctx, func(context.Context) {
		if s.audit == nil {
			return
		}
		detail, _ := json.Marshal(map[string]any{"reason": reason})
		s.audit.Send(&audit.Event{
			Type:         audit.EventAssessmentOverride,
			UserID:       snapshot.UserID,
			AssessmentID: snapshot.ID,
			PolicyID:     snapshot.PolicyID,
			Verdict:      string(snapshot.Verdict),
			RiskScore:    snapshot.RiskScore,
			Actor:        by,
			Detail:       detail,
			CreatedAt:    o.At,
		})
	})
	s.async(ctx, func(context.Context) {
		if s.events == nil {
			return
		}
		s.events.BroadcastAssessment(realtime.EventAssessmentOverride,
			snapshot.UserID, string(snapshot.Verdict), snapshot.RiskScore, snapshot)
	})
	if s.notifier != nil {
		s.async(ctx, func(bctx context.Context) {
			s.notifier.NotifyOverride(bctx, snapshot)
		})
	}
	return a, nil
}
