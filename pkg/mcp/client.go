// Package mcp connects agents to external Model Context Protocol servers
// and executes tool calls on them with session recovery.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stratumhq/stratum/pkg/config"
	"github.com/stratumhq/stratum/pkg/version"
)

// conn is one live server connection: the SDK client and its session.
type conn struct {
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

// Client manages MCP sessions for the servers an agent has enabled.
// Each Client instance is scoped to one conversation turn; tool listings are
// cached for the instance's lifetime and stay fresh because the instance is
// short-lived. Thread-safe: parallel tool calls may hit it from multiple
// goroutines.
type Client struct {
	registry *config.MCPServerRegistry

	mu            sync.RWMutex
	conns         map[string]*conn  // serverID → connection
	failedServers map[string]string // serverID → error message

	toolCache   map[string][]*mcpsdk.Tool
	toolCacheMu sync.RWMutex

	// Per-server mutex serializing session (re)creation.
	reinitMu sync.Map // serverID → *sync.Mutex

	logger *slog.Logger
}

func newClient(registry *config.MCPServerRegistry) *Client {
	return &Client{
		registry:      registry,
		conns:         make(map[string]*conn),
		failedServers: make(map[string]string),
		toolCache:     make(map[string][]*mcpsdk.Tool),
		logger:        slog.With("component", "mcp"),
	}
}

// Initialize connects to each of the given servers. Servers that fail to
// connect are recorded rather than aborting the whole set: an agent with one
// unreachable server still gets tools from the others. Check FailedServers()
// when partial availability matters.
func (c *Client) Initialize(ctx context.Context, serverIDs []string) error {
	for _, serverID := range serverIDs {
		if err := c.InitializeServer(ctx, serverID); err != nil {
			c.mu.Lock()
			c.failedServers[serverID] = err.Error()
			c.mu.Unlock()
			c.logger.Warn("MCP server failed to initialize",
				"server", serverID, "error", err)
		}
	}
	return nil
}

// InitializeServer connects to a single server. Returns nil if already
// connected. The per-server mutex prevents concurrent handshakes against the
// same server.
func (c *Client) InitializeServer(ctx context.Context, serverID string) error {
	muI, _ := c.reinitMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	return c.initializeServerLocked(ctx, serverID)
}

// initializeServerLocked performs the handshake. Caller must hold the
// per-server reinitMu lock.
func (c *Client) initializeServerLocked(ctx context.Context, serverID string) error {
	c.mu.RLock()
	if _, exists := c.conns[serverID]; exists {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	serverCfg, err := c.registry.Get(serverID)
	if err != nil {
		return fmt.Errorf("server %q not found in registry: %w", serverID, err)
	}

	transport, err := createTransport(serverCfg.Transport)
	if err != nil {
		return fmt.Errorf("create transport for %q: %w", serverID, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := sdkClient.Connect(initCtx, transport, nil)
	if err != nil {
		// The SDK closes the underlying connection on most failure paths;
		// closing here guards against leaking stdio child processes.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("connect to %q: %w", serverID, err)
	}

	c.mu.Lock()
	c.conns[serverID] = &conn{client: sdkClient, session: session}
	delete(c.failedServers, serverID)
	c.mu.Unlock()

	c.logger.Info("MCP server connected", "server", serverID)
	return nil
}

// ListTools returns the tools one server advertises, cached after the first
// probe.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	// Lock ordering: never acquire c.mu while holding toolCacheMu.
	c.toolCacheMu.RLock()
	if cached, ok := c.toolCache[serverID]; ok {
		c.toolCacheMu.RUnlock()
		return cached, nil
	}
	c.toolCacheMu.RUnlock()

	session, err := c.session(serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", serverID, err)
	}

	// Cache a non-nil slice so hits never hand back nil.
	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	c.toolCacheMu.Lock()
	c.toolCache[serverID] = tools
	c.toolCacheMu.Unlock()

	return tools, nil
}

// ListAllTools returns the tools of every connected server, keyed by server
// id. Partial results are returned when some servers fail; an error only when
// every server fails.
func (c *Client) ListAllTools(ctx context.Context) (map[string][]*mcpsdk.Tool, error) {
	c.mu.RLock()
	serverIDs := make([]string, 0, len(c.conns))
	for id := range c.conns {
		serverIDs = append(serverIDs, id)
	}
	c.mu.RUnlock()

	result := make(map[string][]*mcpsdk.Tool)
	var lastErr error
	for _, id := range serverIDs {
		tools, err := c.ListTools(ctx, id)
		if err != nil {
			lastErr = err
			c.logger.Warn("Failed to list tools from MCP server",
				"server", id, "error", err)
			continue
		}
		result[id] = tools
	}

	if len(result) == 0 && lastErr != nil {
		return nil, fmt.Errorf("all servers failed to list tools: %w", lastErr)
	}
	return result, nil
}

// CallTool executes one tool call. Transport failures get at most one retry
// after a jittered backoff, recreating the session first when the error
// indicates the transport is dead.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	params := &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	}

	result, err := c.callToolOnce(ctx, serverID, params)
	if err == nil {
		return result, nil
	}

	action := ClassifyError(err)
	if action == NoRetry {
		return nil, err
	}

	c.logger.Info("MCP call failed, retrying",
		"server", serverID, "tool", toolName,
		"action", action, "error", err)

	backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == RetryNewSession {
		if err := c.recreateSession(ctx, serverID); err != nil {
			return nil, fmt.Errorf("session recreation failed for %q: %w", serverID, err)
		}
	}

	result, err = c.callToolOnce(ctx, serverID, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %q.%s: %w", serverID, toolName, err)
	}
	return result, nil
}

func (c *Client) callToolOnce(ctx context.Context, serverID string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	session, err := c.session(serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	return session.CallTool(opCtx, params)
}

func (c *Client) session(serverID string) (*mcpsdk.ClientSession, error) {
	c.mu.RLock()
	cn, exists := c.conns[serverID]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}
	return cn.session, nil
}

// recreateSession tears down and rebuilds the session for a server.
//
// Two goroutines racing in here means the second tears down a freshly
// recreated session and builds another. The cost is one extra handshake,
// accepted for simplicity over a per-server generation counter.
func (c *Client) recreateSession(ctx context.Context, serverID string) error {
	muI, _ := c.reinitMu.LoadOrStore(serverID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	if cn, exists := c.conns[serverID]; exists {
		_ = cn.session.Close()
		delete(c.conns, serverID)
	}
	c.mu.Unlock()

	c.InvalidateToolCache(serverID)

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()

	return c.initializeServerLocked(reinitCtx, serverID)
}

// Close shuts down every session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, cn := range c.conns {
		if err := cn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", id, err)
		}
	}

	c.conns = make(map[string]*conn)
	c.failedServers = make(map[string]string)

	// Lock ordering: mu → toolCacheMu is safe, nothing acquires mu while
	// holding toolCacheMu.
	c.toolCacheMu.Lock()
	c.toolCache = make(map[string][]*mcpsdk.Tool)
	c.toolCacheMu.Unlock()

	return firstErr
}

// InvalidateToolCache drops the cached tool list for a server so the next
// ListTools re-probes it.
func (c *Client) InvalidateToolCache(serverID string) {
	c.toolCacheMu.Lock()
	delete(c.toolCache, serverID)
	c.toolCacheMu.Unlock()
}

// HasSession reports whether a server has a live session.
func (c *Client) HasSession(serverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.conns[serverID]
	return exists
}

// FailedServers returns a copy of the servers that failed to initialize.
func (c *Client) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]string, len(c.failedServers))
	for k, v := range c.failedServers {
		result[k] = v
	}
	return result
}
