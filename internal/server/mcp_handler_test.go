package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dgellow/area/internal/area"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestMCPPollNow(t *testing.T) {
	eng := newStubEngine()
	h := &MCPHandler{engine: eng}

	res, err := h.handlePollNow(context.Background(), callTool("poll_now", map[string]any{
		"user_id":    "u1",
		"service_id": "github",
		"trigger_id": "new_issue",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &report))
	assert.Equal(t, "new_events", report["state"])
	assert.Equal(t, area.TriggerID("new_issue"), eng.lastPoll.TriggerID)
}

func TestMCPPollNowMissingArgument(t *testing.T) {
	h := &MCPHandler{engine: newStubEngine()}

	res, err := h.handlePollNow(context.Background(), callTool("poll_now", map[string]any{
		"user_id": "u1",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestMCPConnectionStatus(t *testing.T) {
	h := &MCPHandler{engine: newStubEngine()}

	res, err := h.handleConnectionStatus(context.Background(), callTool("connection_status", map[string]any{
		"user_id":    "u1",
		"service_id": "gmail",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "disconnected", resultText(t, res))

	res, err = h.handleConnectionStatus(context.Background(), callTool("connection_status", map[string]any{
		"user_id":    "u1",
		"service_id": "myspace",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "connection_status failed")
}

func TestMCPListOutcomes(t *testing.T) {
	eng := newStubEngine()
	h := &MCPHandler{engine: eng}

	res, err := h.handleListOutcomes(context.Background(), callTool("list_outcomes", map[string]any{
		"user_id": "u1",
		"limit":   float64(5),
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, 5, eng.lastLimit)

	var body struct {
		Count    int            `json:"count"`
		Outcomes []area.Outcome `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "o1", body.Outcomes[0].ID)
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(newStubEngine(), "test")
	require.NotNil(t, s)

	resp := s.HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	for _, tool := range []string{"poll_now", "connection_status", "list_outcomes"} {
		assert.Contains(t, string(b), `"name":"`+tool+`"`)
	}
}
