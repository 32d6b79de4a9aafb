package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// MCPHandler exposes engine operations as MCP tools
type MCPHandler struct {
	engine Engine
}

// NewMCPServer creates an MCP server carrying the engine tools
func NewMCPServer(eng Engine, version string) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("area", version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	(&MCPHandler{engine: eng}).RegisterTools(s)
	return s
}

// RegisterTools registers poll_now, connection_status and list_outcomes
func (h *MCPHandler) RegisterTools(s *mcpserver.MCPServer) {
	s.AddTool(mcp.NewTool("poll_now",
		mcp.WithDescription("Run one detection cycle of a (user, service, trigger) pairing immediately and return its report."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("The user owning the pairing")),
		mcp.WithString("service_id", mcp.Required(), mcp.Description("The trigger service, e.g. github")),
		mcp.WithString("trigger_id", mcp.Required(), mcp.Description("The trigger, e.g. new_issue")),
	), h.handlePollNow)

	s.AddTool(mcp.NewTool("connection_status",
		mcp.WithDescription("Report whether a user's service is connected, not connected or disconnected."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("The user")),
		mcp.WithString("service_id", mcp.Required(), mcp.Description("The service")),
	), h.handleConnectionStatus)

	s.AddTool(mcp.NewTool("list_outcomes",
		mcp.WithDescription("List the latest reaction outcomes of a user, newest first."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("The user")),
		mcp.WithNumber("limit", mcp.Description("Number of outcomes (1-500, default 50)")),
	), h.handleListOutcomes)
}

func (h *MCPHandler) handlePollNow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	service, err := req.RequireString("service_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	trigger, err := req.RequireString("trigger_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report, err := h.engine.PollNow(ctx, userID, area.ServiceID(service), area.TriggerID(trigger))
	if err != nil {
		return toolError("poll_now", err), nil
	}
	return jsonResult(report)
}

func (h *MCPHandler) handleConnectionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	service, err := req.RequireString("service_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	status, err := h.engine.ConnectionStatus(ctx, userID, area.ServiceID(service))
	if err != nil {
		return toolError("connection_status", err), nil
	}
	return mcp.NewToolResultText(string(status)), nil
}

func (h *MCPHandler) handleListOutcomes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	limit := defaultOutcomeLimit
	if v, ok := req.GetArguments()["limit"].(float64); ok && v >= 1 {
		limit = min(int(v), maxOutcomeLimit)
	}

	outcomes, err := h.engine.Outcomes(ctx, userID, limit)
	if err != nil {
		return toolError("list_outcomes", err), nil
	}
	return jsonResult(map[string]any{"outcomes": outcomes, "count": len(outcomes)})
}

func toolError(tool string, err error) *mcp.CallToolResult {
	if !errors.Is(err, area.ErrUnsupported) {
		internal.LogWarnWithFields("mcp", "Tool call failed", map[string]any{
			"tool":  tool,
			"error": err.Error(),
		})
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", tool, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}
