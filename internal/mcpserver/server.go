package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all tiltguard tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("tiltguard", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolAssessTrade, h.HandleAssessTrade)
	s.AddTool(ToolGetAssessment, h.HandleGetAssessment)
	s.AddTool(ToolAssessmentHistory, h.HandleAssessmentHistory)
	s.AddTool(ToolOverrideAssessment, h.HandleOverrideAssessment)
	s.AddTool(ToolGetBaseline, h.HandleGetBaseline)
	s.AddTool(ToolListPolicies, h.HandleListPolicies)
	s.AddTool(ToolGetFaceMetrics, h.HandleGetFaceMetrics)

	return s
}
