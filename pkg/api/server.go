// Package api is the HTTP surface: chat and message endpoints, function
// execution, approval decisions, job and execution introspection, the SSE
// stream bridge, and health. Runs behind an authenticating proxy; identity
// and permissions arrive as trusted headers.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stratumhq/stratum/pkg/executor"
	"github.com/stratumhq/stratum/pkg/queue"
	"github.com/stratumhq/stratum/pkg/relay"
	"github.com/stratumhq/stratum/pkg/sandbox"
	"github.com/stratumhq/stratum/pkg/store"
)

// PoolStatser exposes sandbox pool counters to the health endpoint.
type PoolStatser interface {
	Stats() sandbox.PoolStats
}

// PoolAdmin is the isolated-pool surface the admin endpoints drive.
type PoolAdmin interface {
	PoolStatser
	Scale(ctx context.Context, target int) (added, removed int, err error)
	ReloadPackages(ctx context.Context) error
}

// SharedPoolAdmin is the shared-worker surface the admin endpoints drive.
type SharedPoolAdmin interface {
	ListWorkers() []string
	ReloadPackages(ctx context.Context) error
}

// Deps carries the server's collaborators. WorkerPool, PingDB, Sandbox, and
// SharedPool may be nil; the endpoints that need them degrade or report the
// component as absent.
type Deps struct {
	Stores   *store.Stores
	Queue    *queue.JobQueue
	Executor *executor.Executor
	Relay    *relay.Relay

	WorkerPool *queue.WorkerPool
	Sandbox    PoolAdmin
	SharedPool SharedPoolAdmin

	// PingDB checks backing-store connectivity for /health. Nil when the
	// stores are in-memory.
	PingDB func(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

// NewServer creates the server over its collaborators.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: slog.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), securityHeaders(), s.accessLog())

	r.GET("/health", s.healthHandler)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/chats", s.createChatHandler)
		v1.GET("/chats/:id", s.getChatHandler)
		v1.GET("/chats/:id/messages", s.listMessagesHandler)
		v1.POST("/chats/:id/messages", s.sendMessageHandler)

		v1.POST("/approvals/:id/decision", s.decideApprovalHandler)
		v1.GET("/approvals/:id", s.getApprovalHandler)

		v1.POST("/functions/:namespace/:name/execute", s.executeFunctionHandler)
		v1.POST("/functions/:namespace/:name/enqueue", s.enqueueFunctionHandler)

		v1.GET("/executions/:id", s.getExecutionHandler)
		v1.POST("/executions/:id/resume", s.resumeExecutionHandler)

		v1.GET("/jobs/:id", s.jobStatusHandler)
		v1.GET("/jobs/:id/result", s.jobResultHandler)
		v1.GET("/queue/dead-letters", s.deadLettersHandler)

		v1.GET("/stream/:channel", s.streamHandler)

		admin := v1.Group("/admin")
		{
			admin.GET("/sandbox/stats", s.sandboxStatsHandler)
			admin.POST("/sandbox/scale", s.scaleSandboxHandler)
			admin.POST("/sandbox/reload-packages", s.reloadPackagesHandler)
			admin.GET("/workers", s.listWorkersHandler)
		}
	}
	return r
}

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("API server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
