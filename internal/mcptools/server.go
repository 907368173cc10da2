package mcptools

import (
	"github.com/mark3labs/mcp-go/server"
)

const instructions = `FAQ assistant tools.

Use faq_query to answer questions about admissions, fees, deadlines, programs
and student services. Pass the session_id from a previous answer to keep the
conversation context. A confidence of "none" means the knowledge base has no
answer; relay it instead of guessing.`

// NewServer builds an MCP server exposing the FAQ tools.
func NewServer(version string, queries Querier, store SessionReader) *server.MCPServer {
	s := server.NewMCPServer(
		"faqflow",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	queryTool := NewQueryTool(queries)
	s.AddTool(queryTool.Definition(), queryTool.Handle)

	historyTool := NewHistoryTool(store)
	s.AddTool(historyTool.Definition(), historyTool.Handle)

	statsTool := NewUserStatsTool(store)
	s.AddTool(statsTool.Definition(), statsTool.Handle)

	return s
}
