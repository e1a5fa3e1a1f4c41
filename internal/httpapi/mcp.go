package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lanternops/waydesk/internal/session"
)

// NewMCPHandler builds the optional POST /mcp Streamable HTTP endpoint
// (spec §6), exposing one read-only tool over the live session registry.
// mcp-go is otherwise unused anywhere in the example pack; this wiring
// exercises its Streamable HTTP transport the way a real MCP-enabled
// control plane would, without inventing request/response shapes of our
// own the way a bespoke JSON endpoint would have required.
func NewMCPHandler(registry *session.Registry) http.Handler {
	mcpServer := server.NewMCPServer("waydesk", "1.0.0")

	listSessions := mcp.NewTool("list_sessions",
		mcp.WithDescription("List the remote desktop sessions currently connected to this server"),
	)
	mcpServer.AddTool(listSessions, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessions := registry.All()
		summaries := make([]session.Summary, 0, len(sessions))
		for _, sess := range sessions {
			summaries = append(summaries, sess.Describe())
		}
		data, err := json.Marshal(summaries)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	})

	return server.NewStreamableHTTPServer(mcpServer)
}
