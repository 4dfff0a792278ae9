package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/tiltguard/internal/baseline"
	"github.com/mbd888/tiltguard/internal/policy"
	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/signals"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleAssessTrade runs a pre-trade assessment.
func (h *Handlers) HandleAssessTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	body := map[string]any{"userId": req.GetString("user_id", "")}
	if v := req.GetString("policy_id", ""); v != "" {
		body["policyId"] = v
	}

	sigs := map[string]any{}
	if _, ok := args["self_reported_stress"]; ok {
		stress := req.GetInt("self_reported_stress", 0)
		if stress < 0 || stress > 10 {
			return mcp.NewToolResultError("self_reported_stress must be between 0 and 10"), nil
		}
		sigs["selfReportedStress"] = stress
	}
	if len(sigs) > 0 {
		body["signals"] = sigs
	}

	order := signals.OrderContext{
		Instrument:       req.GetString("instrument", ""),
		Side:             req.GetString("side", ""),
		Size:             req.GetFloat("size", 0),
		Leverage:         req.GetFloat("leverage", 0),
		RecentPnL:        req.GetFloat("recent_pnl", 0),
		RecentLosses:     req.GetFloat("recent_losses", 0),
		MarketVolatility: req.GetFloat("market_volatility", 0),
	}
	if order != (signals.OrderContext{}) {
		body["order"] = order
	}

	raw, err := h.client.Assess(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Assessment failed: %v", err)), nil
	}
	text, err := formatAssessment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAssessment fetches one assessment.
func (h *Handlers) HandleGetAssessment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("assessment_id", "")
	if id == "" {
		return mcp.NewToolResultError("assessment_id is required"), nil
	}

	raw, err := h.client.GetAssessment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get assessment: %v", err)), nil
	}
	text, err := formatAssessment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAssessmentHistory lists recent assessments.
func (h *Handlers) HandleAssessmentHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.History(ctx, req.GetString("user_id", ""), req.GetInt("limit", 10))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list assessments: %v", err)), nil
	}
	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessments: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleOverrideAssessment records an operator override.
func (h *Handlers) HandleOverrideAssessment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("assessment_id", "")
	if id == "" {
		return mcp.NewToolResultError("assessment_id is required"), nil
	}
	by := req.GetString("by", "")
	if by == "" {
		return mcp.NewToolResultError("by is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	if _, err := h.client.Override(ctx, id, by, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Override failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Assessment %s overridden by %s.\n"+
			"Reason: %s\n"+
			"The override has been recorded in the audit log.",
		id, by, reason)), nil
}

// HandleGetBaseline shows a user's calibration baseline.
func (h *Handlers) HandleGetBaseline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBaseline(ctx, req.GetString("user_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get baseline: %v", err)), nil
	}
	text, err := formatBaseline(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse baseline: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListPolicies lists trading policies.
func (h *Handlers) HandleListPolicies(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPolicies(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list policies: %v", err)), nil
	}
	text, err := formatPolicies(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse policies: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetFaceMetrics returns live facial metrics.
func (h *Handlers) HandleGetFaceMetrics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.FaceMetrics(ctx, req.GetString("user_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get face metrics: %v", err)), nil
	}
	text, err := formatFaceMetrics(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse face metrics: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatAssessment(raw json.RawMessage) (string, error) {
	var resp struct {
		Assessment *risk.Assessment `json:"assessment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Assessment == nil {
		return "", fmt.Errorf("no assessment in response")
	}
	a := resp.Assessment

	var sb strings.Builder
	fmt.Fprintf(&sb, "Verdict: %s\n", strings.ToUpper(string(a.Verdict)))
	fmt.Fprintf(&sb, "Risk score: %d/100 (confidence %.0f%%)\n", a.RiskScore, a.Confidence*100)
	fmt.Fprintf(&sb, "Assessment ID: %s\n", a.ID)
	if a.PolicyID != "" {
		fmt.Fprintf(&sb, "Policy: %s\n", a.PolicyID)
	}
	if a.CooldownSeconds > 0 {
		fmt.Fprintf(&sb, "Cooldown: %ds\n", a.CooldownSeconds)
	}
	if a.RecommendedAction != "" {
		fmt.Fprintf(&sb, "Action: %s\n", a.RecommendedAction)
	}
	if len(a.Reasons) > 0 {
		sb.WriteString("Reasons:\n")
		for _, r := range a.Reasons {
			fmt.Fprintf(&sb, "  - %s\n", r)
		}
	}
	if a.Analysis != nil {
		fmt.Fprintf(&sb, "Analyst (%s): stress %d/10, suggests %s\n",
			a.Analysis.Source, a.Analysis.Report.StressLevel, a.Analysis.Report.Verdict)
	}
	if a.Override != nil {
		fmt.Fprintf(&sb, "Overridden by %s: %s\n", a.Override.By, a.Override.Reason)
	}
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Assessments []*risk.Assessment `json:"assessments"`
		HasMore     bool               `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Assessments) == 0 {
		return "No assessments found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d assessment(s):\n\n", len(resp.Assessments))
	for i, a := range resp.Assessments {
		line := fmt.Sprintf("%d. %s  %-5s score %3d  %s",
			i+1, a.EvaluatedAt.Format("2006-01-02 15:04"), a.Verdict, a.RiskScore, a.ID)
		if a.Override != nil {
			line += "  (overridden)"
		}
		sb.WriteString(line + "\n")
	}
	if resp.HasMore {
		sb.WriteString("\nMore assessments available; raise the limit to see them.")
	}
	return sb.String(), nil
}

func formatBaseline(raw json.RawMessage) (string, error) {
	var resp struct {
		Baseline *baseline.UserBaseline `json:"baseline"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Baseline == nil {
		return "", fmt.Errorf("no baseline in response")
	}
	b := resp.Baseline

	var sb strings.Builder
	fmt.Fprintf(&sb, "Baseline for %s (%d calibration(s)):\n", b.UserID, b.CalibrationCount)
	writeStat(&sb, "Reaction time", b.ReactionTime(), "ms")
	writeStat(&sb, "Accuracy", b.Accuracy(), "")
	writeStat(&sb, "Mouse stability", b.MouseStability(), "")
	writeStat(&sb, "Keystroke rhythm", b.KeystrokeRhythm(), "")
	if !b.LastCalibrated.IsZero() {
		fmt.Fprintf(&sb, "  Last calibrated: %s\n", b.LastCalibrated.Format("2006-01-02 15:04 MST"))
	}
	return sb.String(), nil
}

func writeStat(sb *strings.Builder, label string, s *baseline.Stat, unit string) {
	if s == nil {
		fmt.Fprintf(sb, "  %s: not measured\n", label)
		return
	}
	fmt.Fprintf(sb, "  %s: %.2f%s ± %.2f\n", label, s.Mean, unit, s.Std)
}

func formatPolicies(raw json.RawMessage) (string, error) {
	var resp struct {
		Policies []*policy.Policy `json:"policies"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Policies) == 0 {
		return "No custom policies. The built-in default policy applies.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d policy(ies):\n\n", len(resp.Policies))
	for i, p := range resp.Policies {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, p.Name, p.ID)
		fmt.Fprintf(&sb, "   Hold at %d | Block at %d | Cooldown %ds | Overrides: %t\n",
			p.RiskThreshold, p.BlockCeiling, p.CooldownSeconds, p.OverrideAllowed)
		if disabled := disabledModes(p); len(disabled) > 0 {
			fmt.Fprintf(&sb, "   Disabled: %s\n", strings.Join(disabled, ", "))
		}
	}
	return sb.String(), nil
}

func disabledModes(p *policy.Policy) []string {
	var out []string
	for k, on := range p.EnabledModes {
		if !on {
			out = append(out, string(k))
		}
	}
	sort.Strings(out)
	return out
}

func formatFaceMetrics(raw json.RawMessage) (string, error) {
	var resp struct {
		Metrics  *signals.FaceMetrics `json:"metrics"`
		Degraded bool                 `json:"degraded"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Metrics == nil {
		return "", fmt.Errorf("no metrics in response")
	}
	m := resp.Metrics

	var sb strings.Builder
	sb.WriteString("Live facial metrics:\n")
	fmt.Fprintf(&sb, "  Face present: %t\n", m.Present)
	fmt.Fprintf(&sb, "  Blink rate: %.1f/min\n", m.BlinkRatePerMin)
	fmt.Fprintf(&sb, "  Brow furrow: %.2f\n", m.BrowFurrow)
	fmt.Fprintf(&sb, "  Gaze stability: %.2f\n", m.GazeStability)
	if m.FPS > 0 {
		fmt.Fprintf(&sb, "  Frame rate: %.1f fps\n", m.FPS)
	}
	if resp.Degraded || m.Degraded {
		sb.WriteString("  Warning: camera feed is degraded; metrics are synthetic.\n")
	}
	return sb.String(), nil
}
