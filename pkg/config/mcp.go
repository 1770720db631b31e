package config

import (
	"fmt"
	"sync"
	"time"
)

// TransportType selects how an MCP server is reached.
type TransportType string

// Supported MCP transport types.
const (
	TransportTypeStdio TransportType = "stdio"
	TransportTypeHTTP  TransportType = "http"
	TransportTypeSSE   TransportType = "sse"
)

// TransportConfig describes the connection to one MCP server.
type TransportConfig struct {
	Type TransportType `yaml:"type"`

	// Stdio transport
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// HTTP / SSE transports
	URL         string        `yaml:"url,omitempty"`
	BearerToken string        `yaml:"bearer_token,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

// MCPServerConfig defines one external protocol server entry.
type MCPServerConfig struct {
	Transport TransportConfig `yaml:"transport"`

	// Instructions are appended to the system prompt when any of this
	// server's tools are enabled for an agent.
	Instructions string `yaml:"instructions,omitempty"`
}

// MCPServerRegistry stores MCP server configurations with thread-safe access.
type MCPServerRegistry struct {
	servers map[string]*MCPServerConfig
	mu      sync.RWMutex
}

// NewMCPServerRegistry creates a registry from the parsed config map.
func NewMCPServerRegistry(servers map[string]*MCPServerConfig) *MCPServerRegistry {
	copied := make(map[string]*MCPServerConfig, len(servers))
	for k, v := range servers {
		copied[k] = v
	}
	return &MCPServerRegistry{servers: copied}
}

// Get retrieves an MCP server configuration by ID.
func (r *MCPServerRegistry) Get(serverID string) (*MCPServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMCPServerNotFound, serverID)
	}
	return s, nil
}

// Has checks whether a server exists in the registry.
func (r *MCPServerRegistry) Has(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[serverID]
	return ok
}

// ServerIDs returns all registered server IDs.
func (r *MCPServerRegistry) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.servers))
	for k := range r.servers {
		ids = append(ids, k)
	}
	return ids
}

// Len returns the number of registered servers.
func (r *MCPServerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}
