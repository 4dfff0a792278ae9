package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/tiltguard/internal/idgen"
	"github.com/mbd888/tiltguard/internal/risk"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiltguard",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiltguard",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter turns assessment outcomes into webhook events. Errors are logged,
// never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger, now: time.Now}
}

// NotifyAssessment emits assessment.hold or assessment.block. A go verdict
// emits nothing.
func (e *Emitter) NotifyAssessment(ctx context.Context, a *risk.Assessment) {
	switch a.Verdict {
	case risk.VerdictHold:
		e.emit(ctx, EventAssessmentHold, a)
	case risk.VerdictBlock:
		e.emit(ctx, EventAssessmentBlock, a)
	}
}

// NotifyOverride emits assessment.override.
func (e *Emitter) NotifyOverride(ctx context.Context, a *risk.Assessment) {
	e.emit(ctx, EventAssessmentOverride, a)
}

func (e *Emitter) emit(ctx context.Context, eventType EventType, a *risk.Assessment) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()

	data := map[string]any{
		"assessmentId":    a.ID,
		"userId":          a.UserID,
		"policyId":        a.PolicyID,
		"verdict":         a.Verdict,
		"riskScore":       a.RiskScore,
		"reasons":         a.Reasons,
		"cooldownSeconds": a.CooldownSeconds,
		"evaluatedAt":     a.EvaluatedAt,
	}
	if a.Override != nil {
		data["override"] = a.Override
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: e.now().UTC(),
		Data:      data,
	}
	if err := e.d.Dispatch(ctx, a.UserID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "user_id", a.UserID, "error", err)
	}
}
