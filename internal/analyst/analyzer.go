package analyst

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/tiltguard/internal/circuitbreaker"
	"github.com/mbd888/tiltguard/internal/metrics"
	"github.com/mbd888/tiltguard/internal/retry"
	"github.com/mbd888/tiltguard/internal/traces"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BreakerKey is the circuit breaker key for the external analyzer.
const BreakerKey = "analyst"

const (
	defaultAttempts  = 2
	defaultBaseDelay = 100 * time.Millisecond
)

// Remote is the external call the Analyzer guards.
type Remote interface {
	Configured() bool
	Analyze(ctx context.Context, s Summary) (Report, error)
}

// Analyzer calls the external analyzer behind a circuit breaker with
// bounded retries, and falls back to Heuristic on any failure.
type Analyzer struct {
	remote    Remote
	breaker   *circuitbreaker.Breaker
	attempts  int
	baseDelay time.Duration
	logger    *slog.Logger
}

// NewAnalyzer creates an analyzer. remote may be nil.
func NewAnalyzer(remote Remote, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Analyzer {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		remote:    remote,
		breaker:   breaker,
		attempts:  defaultAttempts,
		baseDelay: defaultBaseDelay,
		logger:    logger,
	}
}

// WithRetry overrides the retry policy.
func (a *Analyzer) WithRetry(attempts int, baseDelay time.Duration) *Analyzer {
	a.attempts = attempts
	a.baseDelay = baseDelay
	return a
}

// Breaker exposes the breaker for health reporting.
func (a *Analyzer) Breaker() *circuitbreaker.Breaker {
	return a.breaker
}

// Analyze never fails: it returns either the external report or the
// heuristic fallback tagged with the reason.
func (a *Analyzer) Analyze(ctx context.Context, s Summary) Outcome {
	ctx, span := traces.StartSpan(ctx, "analyst.Analyze", traces.UserID(s.UserID))
	defer span.End()

	out, err := a.analyze(ctx, s)
	span.SetAttributes(attribute.String("analyst.source", string(out.Source)))
	if err != nil && !errors.Is(err, ErrNotConfigured) {
		span.RecordError(err)
		span.SetStatus(codes.Error, out.DegradedReason)
	}
	metrics.AnalystOutcomesTotal.WithLabelValues(string(out.Source), reasonLabel(err)).Inc()
	return out
}

func (a *Analyzer) analyze(ctx context.Context, s Summary) (Outcome, error) {
	if a.remote == nil || !a.remote.Configured() {
		return fallback(Heuristic(s), ErrNotConfigured), ErrNotConfigured
	}
	done, ok := a.breaker.Allow(BreakerKey)
	if !ok {
		return fallback(Heuristic(s), ErrCircuitOpen), ErrCircuitOpen
	}

	var report Report
	err := retry.Do(ctx, a.attempts, a.baseDelay, func() error {
		r, err := a.remote.Analyze(ctx, s)
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		done(false)
		a.logger.Warn("external analyst unavailable, using fallback", "user_id", s.UserID, "error", err)
		return fallback(Heuristic(s), err), err
	}

	done(true)
	return external(report), nil
}

func reasonLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrMalformedReport):
		return "malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
