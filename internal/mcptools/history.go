package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ent0n29/faqflow/internal/memory"
	"github.com/ent0n29/faqflow/internal/policy"
)

// HistoryTool handles the faq_history MCP tool.
type HistoryTool struct {
	store SessionReader
}

func NewHistoryTool(store SessionReader) *HistoryTool {
	return &HistoryTool{store: store}
}

// Definition returns the MCP tool definition for faq_history.
func (t *HistoryTool) Definition() mcp.Tool {
	return mcp.NewTool("faq_history",
		mcp.WithDescription("Show the most recent questions and answers of an FAQ session, oldest first."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session UUID"),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Max interactions (default: %d, max: %d)", memory.DefaultHistoryLimit, memory.MaxHistoryLimit)),
		),
	)
}

// Handle processes the faq_history tool call.
func (t *HistoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := strings.TrimSpace(req.GetString("session_id", ""))
	if sessionID == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	if err := policy.ValidateSessionID(sessionID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := intArg(req, "limit", memory.DefaultHistoryLimit)
	if limit < 1 || limit > memory.MaxHistoryLimit {
		return mcp.NewToolResultError(fmt.Sprintf("'limit' must be between 1 and %d", memory.MaxHistoryLimit)), nil
	}

	history, err := t.store.History(ctx, sessionID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load history: %v", err)), nil
	}
	total, err := t.store.CountInteractions(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to count interactions: %v", err)), nil
	}
	if len(history) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No interactions recorded for session %s.", sessionID)), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Session %s (%d of %d interactions)\n\n", sessionID, len(history), total))
	for i, it := range history {
		sb.WriteString(fmt.Sprintf("### %d. %s\n", i+1, it.Query))
		sb.WriteString(fmt.Sprintf("%s\n", it.Response))
		sb.WriteString(fmt.Sprintf("_confidence: %s, at %s_\n\n", it.Confidence, it.CreatedAt.Format("2006-01-02 15:04:05")))
	}
	return mcp.NewToolResultText(sb.String()), nil
}
