package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:        ts.URL,
		DefaultUserID: "usr_default",
	}
	h := NewHandlers(NewClient(cfg))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var sampleAssessment = map[string]any{
	"id":                "asm_1",
	"userId":            "usr_1",
	"policyId":          "pol_desk",
	"riskScore":         67,
	"confidence":        0.6,
	"verdict":           "hold",
	"reasons":           []string{"Self-report high stress", "Elevated contextual risk"},
	"recommendedAction": "Pause and breathe for 5 minutes",
	"cooldownSeconds":   300,
	"evaluatedAt":       "2026-03-02T12:00:00Z",
	"analysis": map[string]any{
		"source": "fallback",
		"report": map[string]any{"stressLevel": 7, "confidence": 0.5, "verdict": "hold", "indicators": []string{}},
	},
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "sk_secret123"})
	_, err := client.ListPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)

	client = NewClient(Config{APIURL: ts.URL})
	_, err = client.ListPolicies(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gotAuth, "no key means no Authorization header")
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "assessment not found"})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetAssessment(context.Background(), "asm_x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "assessment not found")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).ListPolicies(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1"}).ListPolicies(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DefaultsUserAndPolicy(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, DefaultUserID: "usr_me", DefaultPolicy: "pol_desk"})
	_, err := client.History(context.Background(), "", 5)
	require.NoError(t, err)
	assert.Equal(t, "/v1/users/usr_me/assessments", gotPath)

	_, err = client.Assess(context.Background(), map[string]any{"userId": ""})
	require.NoError(t, err)
	assert.Equal(t, "usr_me", gotBody["userId"])
	assert.Equal(t, "pol_desk", gotBody["policyId"])

	_, err = client.Assess(context.Background(), map[string]any{"userId": "usr_2", "policyId": "pol_x"})
	require.NoError(t, err)
	assert.Equal(t, "usr_2", gotBody["userId"])
	assert.Equal(t, "pol_x", gotBody["policyId"])
}

// ============================================================
// assess_trade
// ============================================================

func TestHandleAssessTrade(t *testing.T) {
	var gotBody map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/assessments", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, http.StatusOK, map[string]any{"assessment": sampleAssessment})
	}))
	defer cleanup()

	result, err := h.HandleAssessTrade(context.Background(), makeRequest(map[string]any{
		"policy_id":            "pol_desk",
		"self_reported_stress": float64(9),
		"instrument":           "ES",
		"side":                 "buy",
		"leverage":             float64(10),
		"recent_losses":        float64(5000),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Verdict: HOLD")
	assert.Contains(t, text, "Risk score: 67/100")
	assert.Contains(t, text, "Cooldown: 300s")
	assert.Contains(t, text, "Self-report high stress")
	assert.Contains(t, text, "Analyst (fallback)")

	assert.Equal(t, "usr_default", gotBody["userId"])
	assert.Equal(t, "pol_desk", gotBody["policyId"])
	sigs, ok := gotBody["signals"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(9), sigs["selfReportedStress"])
	order, ok := gotBody["order"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ES", order["instrument"])
	assert.Equal(t, float64(10), order["leverage"])
}

func TestHandleAssessTrade_NoSignals(t *testing.T) {
	var gotBody map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, http.StatusOK, map[string]any{"assessment": map[string]any{"id": "asm_2", "verdict": "go", "riskScore": 4}})
	}))
	defer cleanup()

	result, err := h.HandleAssessTrade(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Verdict: GO")
	assert.NotContains(t, gotBody, "signals")
	assert.NotContains(t, gotBody, "order")
}

func TestHandleAssessTrade_StressOutOfRange(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the API")
	}))
	defer cleanup()

	result, err := h.HandleAssessTrade(context.Background(), makeRequest(map[string]any{"self_reported_stress": float64(11)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "between 0 and 10")
}

func TestHandleAssessTrade_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "policy_not_found", "message": "policy not found"})
	}))
	defer cleanup()

	result, err := h.HandleAssessTrade(context.Background(), makeRequest(map[string]any{"policy_id": "pol_nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "policy not found")
}

// ============================================================
// get_assessment / assessment_history
// ============================================================

func TestHandleGetAssessment(t *testing.T) {
	overridden := map[string]any{}
	for k, v := range sampleAssessment {
		overridden[k] = v
	}
	overridden["override"] = map[string]any{"by": "desk-lead", "reason": "hedge", "at": "2026-03-02T12:01:00Z"}

	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/assessments/asm_1", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"assessment": overridden})
	}))
	defer cleanup()

	result, err := h.HandleGetAssessment(context.Background(), makeRequest(map[string]any{"assessment_id": "asm_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "asm_1")
	assert.Contains(t, text, "Overridden by desk-lead: hedge")
}

func TestHandleGetAssessment_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleGetAssessment(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "assessment_id is required")
}

func TestHandleAssessmentHistory(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/usr_7/assessments", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"assessments": []any{
				map[string]any{"id": "asm_b", "verdict": "block", "riskScore": 85, "evaluatedAt": "2026-03-02T12:05:00Z"},
				sampleAssessment,
			},
			"hasMore": true,
		})
	}))
	defer cleanup()

	result, err := h.HandleAssessmentHistory(context.Background(), makeRequest(map[string]any{"user_id": "usr_7", "limit": float64(2)}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 assessment(s)")
	assert.Contains(t, text, "asm_b")
	assert.Contains(t, text, "block")
	assert.Contains(t, text, "More assessments available")
}

func TestHandleAssessmentHistory_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"assessments": []any{}, "hasMore": false})
	}))
	defer cleanup()

	result, err := h.HandleAssessmentHistory(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No assessments found.", resultText(t, result))
}

// ============================================================
// override_assessment
// ============================================================

func TestHandleOverrideAssessment(t *testing.T) {
	var gotBody map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/assessments/asm_1/override", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, http.StatusOK, map[string]any{"assessment": sampleAssessment})
	}))
	defer cleanup()

	result, err := h.HandleOverrideAssessment(context.Background(), makeRequest(map[string]any{
		"assessment_id": "asm_1", "by": "desk-lead", "reason": "hedging exposure",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "overridden by desk-lead")
	assert.Equal(t, map[string]string{"by": "desk-lead", "reason": "hedging exposure"}, gotBody)
}

func TestHandleOverrideAssessment_Validation(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing id", map[string]any{"by": "a", "reason": "b"}, "assessment_id is required"},
		{"missing by", map[string]any{"assessment_id": "asm_1", "reason": "b"}, "by is required"},
		{"missing reason", map[string]any{"assessment_id": "asm_1", "by": "a"}, "reason is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleOverrideAssessment(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleOverrideAssessment_Conflict(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "already_overridden", "message": "risk: assessment already overridden"})
	}))
	defer cleanup()

	result, err := h.HandleOverrideAssessment(context.Background(), makeRequest(map[string]any{
		"assessment_id": "asm_1", "by": "a", "reason": "b",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "409")
}

// ============================================================
// get_baseline / list_policies / get_face_metrics
// ============================================================

func TestHandleGetBaseline(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/usr_default/baseline", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"baseline": map[string]any{
			"userId":           "usr_default",
			"reactionTimeMean": 420.0,
			"reactionTimeStd":  35.0,
			"accuracyMean":     0.92,
			"calibrationCount": 3,
			"lastCalibrated":   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		}})
	}))
	defer cleanup()

	result, err := h.HandleGetBaseline(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "3 calibration(s)")
	assert.Contains(t, text, "Reaction time: 420.00ms ± 35.00")
	assert.Contains(t, text, "Accuracy: 0.92 ± 0.10", "unset std falls back to the population default")
	assert.Contains(t, text, "Mouse stability: not measured")
}

func TestHandleListPolicies(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"policies": []any{
			map[string]any{
				"id": "pol_desk", "name": "Desk", "riskThreshold": 65, "blockCeiling": 80,
				"cooldownSeconds": 300, "overrideAllowed": true,
				"enabledModes": map[string]bool{"voice": false, "facial": false, "cognitive": true},
			},
		}})
	}))
	defer cleanup()

	result, err := h.HandleListPolicies(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Desk (pol_desk)")
	assert.Contains(t, text, "Hold at 65 | Block at 80 | Cooldown 300s | Overrides: true")
	assert.Contains(t, text, "Disabled: facial, voice")
}

func TestHandleListPolicies_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"policies": []any{}})
	}))
	defer cleanup()

	result, err := h.HandleListPolicies(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "built-in default policy")
}

func TestHandleGetFaceMetrics(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/usr_3/face/metrics", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"metrics":  map[string]any{"isPresent": true, "blinkRate": 34.0, "browFurrow": 0.7, "gazeStability": 0.4, "fps": 14.5},
			"degraded": true,
		})
	}))
	defer cleanup()

	result, err := h.HandleGetFaceMetrics(context.Background(), makeRequest(map[string]any{"user_id": "usr_3"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Blink rate: 34.0/min")
	assert.Contains(t, text, "Frame rate: 14.5 fps")
	assert.Contains(t, text, "degraded")
}

func TestHandleGetFaceMetrics_NoSession(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no_session", "message": "no facial session for this user"})
	}))
	defer cleanup()

	result, err := h.HandleGetFaceMetrics(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no facial session")
}

// ============================================================
// Server wiring
// ============================================================

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)

	names := []string{}
	for _, tool := range []mcp.Tool{
		ToolAssessTrade, ToolGetAssessment, ToolAssessmentHistory, ToolOverrideAssessment,
		ToolGetBaseline, ToolListPolicies, ToolGetFaceMetrics,
	} {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		"assess_trade", "get_assessment", "assessment_history", "override_assessment",
		"get_baseline", "list_policies", "get_face_metrics",
	}, names)
}

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// Failures are encoded in result.IsError, never in the Go error.
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1", DefaultUserID: "usr_1"}))
	ctx := context.Background()

	calls := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"assess_trade":        h.HandleAssessTrade,
		"get_assessment":      h.HandleGetAssessment,
		"assessment_history":  h.HandleAssessmentHistory,
		"override_assessment": h.HandleOverrideAssessment,
		"get_baseline":        h.HandleGetBaseline,
		"list_policies":       h.HandleListPolicies,
		"get_face_metrics":    h.HandleGetFaceMetrics,
	}
	args := map[string]any{"assessment_id": "asm_1", "by": "a", "reason": "b"}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			result, err := call(ctx, makeRequest(args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}
