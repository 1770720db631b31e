package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum/pkg/config"
)

var emptySchema = json.RawMessage(`{"type":"object"}`)

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}}}
}

// startTestServer runs an in-memory MCP server with the given tools and
// returns the client side of its transport pair.
func startTestServer(t *testing.T, name string, tools map[string]mcpsdk.ToolHandler) *mcpsdk.InMemoryTransport {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name: name, Version: "test",
	}, nil)

	for toolName, handler := range tools {
		server.AddTool(&mcpsdk.Tool{
			Name:        toolName,
			Description: "test tool: " + toolName,
			InputSchema: emptySchema,
		}, handler)
	}

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	go func() {
		_ = server.Run(context.Background(), serverTransport)
	}()
	return clientTransport
}

// connectClientDirect wires an in-memory transport into a Client, bypassing
// the registry and createTransport path.
func connectClientDirect(t *testing.T, serverID string, transport *mcpsdk.InMemoryTransport) *Client {
	t.Helper()
	ctx := context.Background()

	client := newClient(config.NewMCPServerRegistry(nil))

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name: "stratum-test", Version: "test",
	}, nil)

	session, err := sdkClient.Connect(ctx, transport, nil)
	require.NoError(t, err)

	client.InjectSession(serverID, sdkClient, session)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClient_ListTools(t *testing.T) {
	transport := startTestServer(t, "billing-server", map[string]mcpsdk.ToolHandler{
		"lookup_invoice": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("ok"), nil
		},
		"list_refunds": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("ok"), nil
		},
	})

	client := connectClientDirect(t, "billing", transport)

	tools, err := client.ListTools(context.Background(), "billing")
	require.NoError(t, err)
	require.Len(t, tools, 2)

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.Contains(t, names, "lookup_invoice")
	assert.Contains(t, names, "list_refunds")
}

func TestClient_ListTools_Cached(t *testing.T) {
	transport := startTestServer(t, "billing-server", map[string]mcpsdk.ToolHandler{
		"lookup_invoice": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("ok"), nil
		},
	})

	client := connectClientDirect(t, "billing", transport)
	ctx := context.Background()

	tools1, err := client.ListTools(ctx, "billing")
	require.NoError(t, err)

	tools2, err := client.ListTools(ctx, "billing")
	require.NoError(t, err)

	assert.Equal(t, tools1, tools2)
}

func TestClient_CallTool(t *testing.T) {
	transport := startTestServer(t, "billing-server", map[string]mcpsdk.ToolHandler{
		"lookup_invoice": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult(`{"invoice":"INV-42","total":129.00}`), nil
		},
	})

	client := connectClientDirect(t, "billing", transport)

	result, err := client.CallTool(context.Background(), "billing", "lookup_invoice", map[string]any{"id": "INV-42"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)

	tc, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	assert.Contains(t, tc.Text, "INV-42")
}

func TestClient_CallTool_ErrorResult(t *testing.T) {
	transport := startTestServer(t, "billing-server", map[string]mcpsdk.ToolHandler{
		"lookup_invoice": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "tool error: unknown invoice"}},
				IsError: true,
			}, nil
		},
	})

	client := connectClientDirect(t, "billing", transport)

	result, err := client.CallTool(context.Background(), "billing", "lookup_invoice", map[string]any{})
	require.NoError(t, err) // tool-level errors ride the result, not the error return
	assert.True(t, result.IsError)
}

func TestClient_NoSession(t *testing.T) {
	client := newClient(config.NewMCPServerRegistry(nil))

	_, err := client.ListTools(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session")

	_, err = client.CallTool(context.Background(), "nonexistent", "tool", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session")
}

func TestClient_HasSession(t *testing.T) {
	transport := startTestServer(t, "billing-server", map[string]mcpsdk.ToolHandler{
		"ping": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("pong"), nil
		},
	})

	client := connectClientDirect(t, "billing", transport)

	assert.True(t, client.HasSession("billing"))
	assert.False(t, client.HasSession("nonexistent"))
}

func TestClient_FailedServersRecorded(t *testing.T) {
	client := newClient(config.NewMCPServerRegistry(nil))

	// Initialize records failures instead of returning an error.
	err := client.Initialize(context.Background(), []string{"nonexistent-server"})
	require.NoError(t, err)

	failed := client.FailedServers()
	assert.Contains(t, failed, "nonexistent-server")
}

func TestClient_ListAllTools_PartialResults(t *testing.T) {
	transport := startTestServer(t, "billing-server", map[string]mcpsdk.ToolHandler{
		"lookup_invoice": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("ok"), nil
		},
	})

	client := connectClientDirect(t, "billing", transport)

	all, err := client.ListAllTools(context.Background())
	require.NoError(t, err)
	require.Contains(t, all, "billing")
	assert.Len(t, all["billing"], 1)
}

func TestClient_Close(t *testing.T) {
	transport := startTestServer(t, "billing-server", map[string]mcpsdk.ToolHandler{
		"ping": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("pong"), nil
		},
	})

	client := connectClientDirect(t, "billing", transport)
	assert.True(t, client.HasSession("billing"))

	require.NoError(t, client.Close())
	assert.False(t, client.HasSession("billing"))
}

func TestClientFactory_TestInjection(t *testing.T) {
	transport := startTestServer(t, "billing-server", map[string]mcpsdk.ToolHandler{
		"ping": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return textResult("pong"), nil
		},
	})

	ctx := context.Background()
	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "stratum-test", Version: "test"}, nil)
	session, err := sdkClient.Connect(ctx, transport, nil)
	require.NoError(t, err)

	factory := NewTestClientFactory(config.NewMCPServerRegistry(nil), func(c *Client) {
		c.InjectSession("billing", sdkClient, session)
	})

	client, err := factory.CreateClient(ctx, []string{"billing"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	assert.True(t, client.HasSession("billing"))
}
