package mcp

import (
	"context"

	"github.com/stratumhq/stratum/pkg/config"
)

// ClientFactory creates Client instances scoped to one conversation turn.
type ClientFactory struct {
	registry *config.MCPServerRegistry

	// createClientFn overrides client construction for tests.
	createClientFn func(ctx context.Context, serverIDs []string) (*Client, error)
}

// NewClientFactory creates a factory over the server registry.
func NewClientFactory(registry *config.MCPServerRegistry) *ClientFactory {
	return &ClientFactory{registry: registry}
}

// CreateClient creates a Client connected to the given servers. The caller
// owns the client and must Close it when the turn ends.
func (f *ClientFactory) CreateClient(ctx context.Context, serverIDs []string) (*Client, error) {
	if f.createClientFn != nil {
		return f.createClientFn(ctx, serverIDs)
	}
	client := newClient(f.registry)
	if err := client.Initialize(ctx, serverIDs); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
