package mcptools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ent0n29/faqflow/internal/faq"
)

// UserStatsTool handles the faq_user_stats MCP tool.
type UserStatsTool struct {
	store SessionReader
}

func NewUserStatsTool(store SessionReader) *UserStatsTool {
	return &UserStatsTool{store: store}
}

// Definition returns the MCP tool definition for faq_user_stats.
func (t *UserStatsTool) Definition() mcp.Tool {
	return mcp.NewTool("faq_user_stats",
		mcp.WithDescription("Show a user's interaction count, last activity and stored preferences."),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("User identifier"),
		),
	)
}

// Handle processes the faq_user_stats tool call.
func (t *UserStatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := strings.TrimSpace(req.GetString("user_id", ""))
	if userID == "" {
		return mcp.NewToolResultError("'user_id' is required"), nil
	}

	stats, err := t.store.UserStats(ctx, userID)
	if errors.Is(err, faq.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("user %q not found", userID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get user stats: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## User %s\n\n", stats.UserID))
	sb.WriteString(fmt.Sprintf("- **Interactions**: %d\n", stats.InteractionCount))
	sb.WriteString(fmt.Sprintf("- **Last active**: %s\n", stats.LastActive.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("- **Created**: %s\n", stats.CreatedAt.Format("2006-01-02 15:04:05")))
	if len(stats.Preferences) > 0 {
		keys := make([]string, 0, len(stats.Preferences))
		for k := range stats.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("- **Preferences**:\n")
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  - %s: %v\n", k, stats.Preferences[k]))
		}
	} else {
		sb.WriteString("- **Preferences**: none\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}
