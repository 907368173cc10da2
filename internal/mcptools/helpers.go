// Package mcptools exposes the FAQ pipeline and session store as MCP tools.
//
// Each tool is a struct with its dependencies injected by constructor,
// a Definition() returning the mcp.Tool schema and a Handle() serving calls.
// Caller mistakes and pipeline failures come back as tool errors, never as
// protocol errors.
package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ent0n29/faqflow/internal/faq"
	"github.com/ent0n29/faqflow/internal/pipeline"
)

// Querier resolves one FAQ query.
type Querier interface {
	Handle(ctx context.Context, q pipeline.Query) (faq.Envelope, error)
}

// SessionReader is the read side of the session store.
type SessionReader interface {
	History(ctx context.Context, sessionID string, limit int) ([]faq.Interaction, error)
	CountInteractions(ctx context.Context, sessionID string) (int, error)
	UserStats(ctx context.Context, userID string) (faq.UserContext, error)
}

// intArg extracts an integer argument, returning defaultVal when the key is
// missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}
