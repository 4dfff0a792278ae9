package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the tiltguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAssessTrade = mcp.NewTool("assess_trade",
	mcp.WithDescription(
		"Run a stress risk assessment before placing a trade. "+
			"Returns a 0-100 risk score, a go/hold/block verdict, the reasons behind it, "+
			"and a cooldown when trading should pause. Call this before every order."),
	mcp.WithString("user_id",
		mcp.Description("Trader ID. Defaults to the configured user.")),
	mcp.WithString("policy_id",
		mcp.Description("Trading policy to evaluate against. Defaults to the configured or built-in policy.")),
	mcp.WithNumber("self_reported_stress",
		mcp.Description("Trader's own stress rating from 0 (calm) to 10 (extreme)")),
	mcp.WithString("instrument",
		mcp.Description("Instrument symbol, e.g. 'ES' or 'BTC-USD'")),
	mcp.WithString("side",
		mcp.Description("Order side"),
		mcp.Enum("buy", "sell")),
	mcp.WithNumber("size",
		mcp.Description("Order size in contracts or units")),
	mcp.WithNumber("leverage",
		mcp.Description("Effective leverage of the order, e.g. 10")),
	mcp.WithNumber("recent_pnl",
		mcp.Description("Profit and loss over the trailing session in account currency (negative for a loss)")),
	mcp.WithNumber("recent_losses",
		mcp.Description("Absolute losses over the trailing session in account currency")),
	mcp.WithNumber("market_volatility",
		mcp.Description("Fractional market volatility, 0.05 means 5%")),
)

var ToolGetAssessment = mcp.NewTool("get_assessment",
	mcp.WithDescription("Fetch a previously recorded assessment by ID, including any override."),
	mcp.WithString("assessment_id",
		mcp.Required(),
		mcp.Description("Assessment ID, e.g. 'asm_...'")),
)

var ToolAssessmentHistory = mcp.NewTool("assessment_history",
	mcp.WithDescription(
		"List a trader's recent assessments, newest first. "+
			"Useful for spotting a run of holds or blocks."),
	mcp.WithString("user_id",
		mcp.Description("Trader ID. Defaults to the configured user.")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of assessments to return (default 10)")),
)

var ToolOverrideAssessment = mcp.NewTool("override_assessment",
	mcp.WithDescription(
		"Record an operator override of a hold or block so the trade may proceed. "+
			"Only works when the policy allows overrides and only once per assessment. "+
			"Overrides are audited."),
	mcp.WithString("assessment_id",
		mcp.Required(),
		mcp.Description("Assessment ID to override")),
	mcp.WithString("by",
		mcp.Required(),
		mcp.Description("Who is authorizing the override")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the trade should proceed despite the verdict")),
)

var ToolGetBaseline = mcp.NewTool("get_baseline",
	mcp.WithDescription(
		"Show a trader's personal calibration baseline: reaction time, accuracy, "+
			"mouse stability and keystroke rhythm with their standard deviations."),
	mcp.WithString("user_id",
		mcp.Description("Trader ID. Defaults to the configured user.")),
)

var ToolListPolicies = mcp.NewTool("list_policies",
	mcp.WithDescription("List the configured trading policies with their hold thresholds and cooldowns."),
)

var ToolGetFaceMetrics = mcp.NewTool("get_face_metrics",
	mcp.WithDescription(
		"Get the latest live facial stress metrics (blink rate, brow furrow, gaze stability) "+
			"from a running camera session."),
	mcp.WithString("user_id",
		mcp.Description("Trader ID. Defaults to the configured user.")),
)
