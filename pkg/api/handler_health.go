package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stratumhq/stratum/pkg/queue"
	"github.com/stratumhq/stratum/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's entry in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Detail  any    `json:"detail,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /health. Only our own components are checked:
// database, worker pool, and sandbox pool. External dependencies (MCP
// servers, LLM providers) are excluded so an orchestrator never restarts
// this process over someone else's outage.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.deps.PingDB != nil {
		if err := s.deps.PingDB(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.deps.WorkerPool != nil {
		workers := s.deps.WorkerPool.Health()
		check := HealthCheck{Status: healthStatusHealthy, Detail: workerSummary(workers)}
		if len(workers) == 0 {
			check.Status = healthStatusDegraded
			check.Message = "no workers running"
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
		}
		checks["worker_pool"] = check
	}

	if s.deps.Sandbox != nil {
		stats := s.deps.Sandbox.Stats()
		check := HealthCheck{Status: healthStatusHealthy, Detail: stats}
		if stats.Idle == 0 && stats.InUse == 0 {
			check.Status = healthStatusDegraded
			check.Message = "no sandbox containers available"
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
		}
		checks["sandbox_pool"] = check
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

func workerSummary(workers []queue.WorkerHealth) gin.H {
	idle, working, processed := 0, 0, 0
	for _, w := range workers {
		switch w.Status {
		case queue.WorkerStatusWorking:
			working++
		default:
			idle++
		}
		processed += w.JobsProcessed
	}
	return gin.H{"idle": idle, "working": working, "jobs_processed": processed}
}
