package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stratumhq/stratum/pkg/config"
)

// InjectSession injects a pre-connected MCP SDK session into the Client.
// Intended for test infrastructure that wires in-memory MCP servers without
// going through the real Initialize() transport path.
func (c *Client) InjectSession(serverID string, sdkClient *mcpsdk.Client, session *mcpsdk.ClientSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[serverID] = &conn{client: sdkClient, session: session}
}

// NewTestClientFactory creates a ClientFactory whose CreateClient calls
// injectFn on a fresh Client instead of dialing real transports.
func NewTestClientFactory(registry *config.MCPServerRegistry, injectFn func(c *Client)) *ClientFactory {
	return &ClientFactory{
		registry: registry,
		createClientFn: func(_ context.Context, _ []string) (*Client, error) {
			c := newClient(registry)
			injectFn(c)
			return c, nil
		},
	}
}
