package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stratumhq/stratum/pkg/models"
)

// requireAdmin gates the admin surface. The "admin" permission (or the
// wildcard) is required; regular execute grants do not qualify.
func (s *Server) requireAdmin(c *gin.Context) (*models.UserContext, bool) {
	user := userContext(c)
	if !user.HasPermission("admin") {
		respondError(c, models.NewError(models.ErrKindPermission,
			"admin permission required"))
		return nil, false
	}
	return user, true
}

// sandboxStatsHandler handles GET /api/v1/admin/sandbox/stats.
func (s *Server) sandboxStatsHandler(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	resp := gin.H{}
	if s.deps.Sandbox != nil {
		resp["pool"] = s.deps.Sandbox.Stats()
	}
	if s.deps.SharedPool != nil {
		resp["shared_workers"] = s.deps.SharedPool.ListWorkers()
	}
	c.JSON(http.StatusOK, resp)
}

// ScaleSandboxRequest is the POST /admin/sandbox/scale body.
type ScaleSandboxRequest struct {
	Target int `json:"target"`
}

// scaleSandboxHandler handles POST /api/v1/admin/sandbox/scale.
func (s *Server) scaleSandboxHandler(c *gin.Context) {
	user, ok := s.requireAdmin(c)
	if !ok {
		return
	}
	if s.deps.Sandbox == nil {
		respondError(c, models.NewError(models.ErrKindValidation,
			"no sandbox pool is running"))
		return
	}
	var req ScaleSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Target < 0 {
		badRequest(c, "target must be >= 0")
		return
	}

	added, removed, err := s.deps.Sandbox.Scale(c.Request.Context(), req.Target)
	if err != nil {
		respondError(c, err)
		return
	}
	s.logger.Info("Sandbox pool scaled",
		"target", req.Target, "added", added, "removed", removed, "by", user.UserID)
	c.JSON(http.StatusOK, gin.H{"added": added, "removed": removed})
}

// reloadPackagesHandler handles POST /api/v1/admin/sandbox/reload-packages.
// Reinstalls the approved package set into the pool template and every
// shared worker.
func (s *Server) reloadPackagesHandler(c *gin.Context) {
	user, ok := s.requireAdmin(c)
	if !ok {
		return
	}
	if s.deps.Sandbox != nil {
		if err := s.deps.Sandbox.ReloadPackages(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
	}
	if s.deps.SharedPool != nil {
		if err := s.deps.SharedPool.ReloadPackages(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
	}
	s.logger.Info("Sandbox packages reloaded", "by", user.UserID)
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

// listWorkersHandler handles GET /api/v1/admin/workers: queue worker health.
func (s *Server) listWorkersHandler(c *gin.Context) {
	if _, ok := s.requireAdmin(c); !ok {
		return
	}
	workers := s.deps.WorkerPool.Health()
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}
