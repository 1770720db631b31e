package mcp

import (
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumhq/stratum/pkg/config"
)

func TestCreateTransport_Stdio(t *testing.T) {
	cfg := config.TransportConfig{
		Type:    config.TransportTypeStdio,
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", "/data"},
		Env:     map[string]string{"FILESYSTEM_ROOT": "/data"},
	}

	transport, err := createTransport(cfg)
	require.NoError(t, err)

	cmdTransport, ok := transport.(*mcpsdk.CommandTransport)
	require.True(t, ok)
	assert.Contains(t, cmdTransport.Command.Path, "npx")
	assert.Contains(t, cmdTransport.Command.Args, "-y")
	assert.Contains(t, cmdTransport.Command.Args, "/data")

	found := false
	for _, e := range cmdTransport.Command.Env {
		if e == "FILESYSTEM_ROOT=/data" {
			found = true
			break
		}
	}
	assert.True(t, found, "expected FILESYSTEM_ROOT env override in command environment")
}

func TestCreateTransport_Stdio_MissingCommand(t *testing.T) {
	_, err := createTransport(config.TransportConfig{Type: config.TransportTypeStdio})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires command")
}

func TestCreateTransport_HTTP(t *testing.T) {
	cfg := config.TransportConfig{
		Type: config.TransportTypeHTTP,
		URL:  "https://mcp.example.com/v1",
	}

	transport, err := createTransport(cfg)
	require.NoError(t, err)

	httpTransport, ok := transport.(*mcpsdk.StreamableClientTransport)
	require.True(t, ok)
	assert.Equal(t, "https://mcp.example.com/v1", httpTransport.Endpoint)
	assert.Nil(t, httpTransport.HTTPClient)
}

func TestCreateTransport_HTTP_WithAuth(t *testing.T) {
	cfg := config.TransportConfig{
		Type:        config.TransportTypeHTTP,
		URL:         "https://mcp.example.com/v1",
		BearerToken: "my-token",
		Timeout:     30 * time.Second,
	}

	transport, err := createTransport(cfg)
	require.NoError(t, err)

	httpTransport, ok := transport.(*mcpsdk.StreamableClientTransport)
	require.True(t, ok)
	require.NotNil(t, httpTransport.HTTPClient)
	assert.Equal(t, 30*time.Second, httpTransport.HTTPClient.Timeout)
}

func TestCreateTransport_HTTP_MissingURL(t *testing.T) {
	_, err := createTransport(config.TransportConfig{Type: config.TransportTypeHTTP})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires url")
}

func TestCreateTransport_SSE(t *testing.T) {
	cfg := config.TransportConfig{
		Type: config.TransportTypeSSE,
		URL:  "https://mcp.example.com/sse",
	}

	transport, err := createTransport(cfg)
	require.NoError(t, err)

	sseTransport, ok := transport.(*mcpsdk.SSEClientTransport)
	require.True(t, ok)
	assert.Equal(t, "https://mcp.example.com/sse", sseTransport.Endpoint)
}

func TestCreateTransport_SSE_MissingURL(t *testing.T) {
	_, err := createTransport(config.TransportConfig{Type: config.TransportTypeSSE})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires url")
}

func TestCreateTransport_UnknownType(t *testing.T) {
	_, err := createTransport(config.TransportConfig{Type: "grpc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport type")
}
