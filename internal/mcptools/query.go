package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ent0n29/faqflow/internal/pipeline"
)

// QueryTool handles the faq_query MCP tool.
type QueryTool struct {
	queries Querier
}

func NewQueryTool(queries Querier) *QueryTool {
	return &QueryTool{queries: queries}
}

// Definition returns the MCP tool definition for faq_query.
func (t *QueryTool) Definition() mcp.Tool {
	return mcp.NewTool("faq_query",
		mcp.WithDescription(
			"Ask the FAQ assistant a question. Answers are grounded in the FAQ knowledge base "+
				"and carry a confidence level (high, medium, low or none) and source references.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question, at most 500 characters"),
		),
		mcp.WithString("session_id",
			mcp.Description("Session UUID from an earlier answer; omit to start a new session"),
		),
		mcp.WithString("user_id",
			mcp.Description("Optional user identifier for per-user statistics"),
		),
	)
}

// Handle processes the faq_query tool call.
func (t *QueryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}

	env, err := t.queries.Handle(ctx, pipeline.Query{
		Text:      query,
		SessionID: req.GetString("session_id", ""),
		UserID:    req.GetString("user_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(env.Answer)
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("- **Confidence**: %s\n", env.Confidence))
	if env.Intent != nil {
		sb.WriteString(fmt.Sprintf("- **Intent**: %s\n", *env.Intent))
	}
	if len(env.Sources) > 0 {
		sb.WriteString(fmt.Sprintf("- **Sources**: %s\n", strings.Join(env.Sources, ", ")))
	}
	sb.WriteString(fmt.Sprintf("- **Session**: %s\n", env.SessionID))
	return mcp.NewToolResultText(sb.String()), nil
}
