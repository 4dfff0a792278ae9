package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/tiltguard/internal/circuitbreaker"
	"github.com/mbd888/tiltguard/internal/metrics"
	"github.com/mbd888/tiltguard/internal/signals"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func stressedSummary() Summary {
	return Summarize("u1", &signals.AssessmentSignals{
		SelfReportedStress: intPtr(9),
		CognitiveTrials: []signals.CognitiveTrial{
			{ReactionTimeMs: 900, Completed: true},
			{ReactionTimeMs: 950, Completed: true, Correct: true},
		},
	}, &signals.OrderContext{Leverage: 10, RecentPnL: -200}, 72)
}

func assertWellFormed(t *testing.T, o Outcome) {
	t.Helper()
	assert.Contains(t, []string{VerdictGo, VerdictHold, VerdictBlock}, o.Report.Verdict)
	assert.NotNil(t, o.Report.Indicators)
	assert.NoError(t, o.Report.Validate())
}

func counterValue(t *testing.T, source, reason string) float64 {
	t.Helper()
	c, err := metrics.AnalystOutcomesTotal.GetMetricWithLabelValues(source, reason)
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}

func TestReport_Validate(t *testing.T) {
	good := Report{StressLevel: 4, Confidence: 0.7, Verdict: VerdictGo, Indicators: []string{}}
	require.NoError(t, good.Validate())

	tests := []struct {
		name   string
		mutate func(r *Report)
	}{
		{"stress too high", func(r *Report) { r.StressLevel = 11 }},
		{"stress NaN", func(r *Report) { r.StressLevel = math.NaN() }},
		{"confidence negative", func(r *Report) { r.Confidence = -0.1 }},
		{"unknown verdict", func(r *Report) { r.Verdict = "maybe" }},
		{"indicators missing", func(r *Report) { r.Indicators = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := good
			tc.mutate(&r)
			assert.ErrorIs(t, r.Validate(), ErrMalformedReport)
		})
	}
}

func TestHeuristic_Conservative(t *testing.T) {
	r := Heuristic(stressedSummary())
	// 4.5 self-report + 2 slow + 2 low accuracy + 1 leverage + 1 losses
	assert.Equal(t, 10.0, r.StressLevel)
	assert.Equal(t, VerdictBlock, r.Verdict)
	assert.LessOrEqual(t, r.Confidence, heuristicMaxConfidence)
	assert.Contains(t, r.Indicators, IndicatorSelfReport)
	assert.Contains(t, r.Indicators, IndicatorSlowReactions)

	calm := Heuristic(Summarize("u1", &signals.AssessmentSignals{SelfReportedStress: intPtr(2)}, nil, 0))
	assert.Equal(t, VerdictGo, calm.Verdict)
	assert.Empty(t, calm.Indicators)
	assert.NotNil(t, calm.Indicators)

	moderate := Heuristic(Summarize("u1", &signals.AssessmentSignals{SelfReportedStress: intPtr(10)}, nil, 0))
	assert.Equal(t, VerdictHold, moderate.Verdict)
}

func TestHeuristic_NoDataHolds(t *testing.T) {
	r := Heuristic(Summary{UserID: "u1"})
	assert.Equal(t, VerdictHold, r.Verdict)
	assert.Zero(t, r.Confidence)
	assert.Equal(t, []string{IndicatorNoData}, r.Indicators)
}

func TestSummarize_UsesDerivedMetrics(t *testing.T) {
	s := stressedSummary()
	require.NotNil(t, s.MeanReactionMs)
	assert.InDelta(t, 925, *s.MeanReactionMs, 1e-9)
	assert.InDelta(t, 0.5, *s.Accuracy, 1e-9)
	assert.Nil(t, s.Face)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "cognitiveTrials\":[", "raw trials must not be sent")
}

func TestAnalyzer_NotConfigured(t *testing.T) {
	a := NewAnalyzer(NewClient(Config{}), nil, nil)
	before := counterValue(t, "fallback", "not_configured")

	out := a.Analyze(context.Background(), stressedSummary())
	assert.Equal(t, SourceFallback, out.Source)
	assert.Equal(t, ErrNotConfigured.Error(), out.DegradedReason)
	assertWellFormed(t, out)
	assert.Equal(t, before+1, counterValue(t, "fallback", "not_configured"))
}

func TestAnalyzer_ExternalSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))
		var s Summary
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&s))
		assert.Equal(t, "u1", s.UserID)
		_ = json.NewEncoder(w).Encode(Report{StressLevel: 6, Confidence: 0.8, Verdict: VerdictHold, Indicators: []string{"tension"}})
	}))
	defer srv.Close()

	a := NewAnalyzer(NewClient(Config{URL: srv.URL, APIKey: "k1"}), nil, nil)
	out := a.Analyze(context.Background(), stressedSummary())
	assert.Equal(t, SourceExternal, out.Source)
	assert.False(t, out.Degraded())
	assert.Equal(t, VerdictHold, out.Report.Verdict)
	assert.Equal(t, []string{"tension"}, out.Report.Indicators)
}

func TestAnalyzer_ExternalFailureFallsBack(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream","message":"model offline"}`))
	}))
	defer srv.Close()

	a := NewAnalyzer(NewClient(Config{URL: srv.URL}), nil, nil).WithRetry(3, time.Millisecond)
	out := a.Analyze(context.Background(), stressedSummary())

	assert.Equal(t, SourceFallback, out.Source)
	assert.Contains(t, out.DegradedReason, "model offline")
	assert.Equal(t, int32(3), calls.Load(), "5xx is retried")
	assertWellFormed(t, out)
}

func TestAnalyzer_MalformedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"stressLevel": 42, "confidence": 0.5, "verdict": "go", "indicators": []}`))
	}))
	defer srv.Close()

	a := NewAnalyzer(NewClient(Config{URL: srv.URL}), nil, nil).WithRetry(3, time.Millisecond)
	before := counterValue(t, "fallback", "malformed")
	out := a.Analyze(context.Background(), stressedSummary())

	assert.True(t, out.Degraded())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, before+1, counterValue(t, "fallback", "malformed"))
	assertWellFormed(t, out)
}

func TestAnalyzer_TimeoutFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	a := NewAnalyzer(NewClient(Config{URL: srv.URL, Timeout: 20 * time.Millisecond}), nil, nil).WithRetry(1, 0)
	out := a.Analyze(context.Background(), stressedSummary())
	assert.True(t, out.Degraded())
	assertWellFormed(t, out)
}

type failingRemote struct{ calls int }

func (f *failingRemote) Configured() bool { return true }
func (f *failingRemote) Analyze(context.Context, Summary) (Report, error) {
	f.calls++
	return Report{}, errors.New("connection refused")
}

func TestAnalyzer_CircuitOpensAfterFailures(t *testing.T) {
	remote := &failingRemote{}
	breaker := circuitbreaker.New(2, time.Hour)
	a := NewAnalyzer(remote, breaker, nil).WithRetry(1, 0)

	for i := 0; i < 2; i++ {
		out := a.Analyze(context.Background(), stressedSummary())
		assert.True(t, out.Degraded())
	}
	require.Equal(t, 2, remote.calls)

	out := a.Analyze(context.Background(), stressedSummary())
	assert.Equal(t, ErrCircuitOpen.Error(), out.DegradedReason)
	assert.Equal(t, 2, remote.calls, "open circuit must not call the remote")
	assertWellFormed(t, out)
}

func TestOutcome_Clone(t *testing.T) {
	o := external(Report{Verdict: VerdictGo, Indicators: []string{"a"}})
	cp := o.Clone()
	cp.Report.Indicators[0] = "b"
	assert.Equal(t, "a", o.Report.Indicators[0])
}
