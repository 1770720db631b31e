package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stratumhq/stratum/pkg/executor"
	"github.com/stratumhq/stratum/pkg/models"
)

// getExecutionHandler handles GET /api/v1/executions/:id.
func (s *Server) getExecutionHandler(c *gin.Context) {
	rec, err := s.deps.Stores.Executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if user := userContext(c); rec.UserID != "" && rec.UserID != user.UserID && !user.HasPermission("*") {
		respondError(c, models.NewError(models.ErrKindPermission,
			"execution %s belongs to another user", rec.ExecutionID))
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ResumeExecutionRequest is the body for POST /api/v1/executions/:id/resume.
type ResumeExecutionRequest struct {
	ResumeData json.RawMessage `json:"resume_data"`
}

// resumeExecutionHandler handles POST /api/v1/executions/:id/resume.
// Continues a function paused in awaiting_input with the user's answer. The
// resume runs synchronously against the stored cursor; a function may pause
// again, in which case the new prompt is returned.
func (s *Server) resumeExecutionHandler(c *gin.Context) {
	executionID := c.Param("id")
	var req ResumeExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if len(req.ResumeData) == 0 {
		badRequest(c, "resume_data is required")
		return
	}

	rec, err := s.deps.Stores.Executions.Get(c.Request.Context(), executionID)
	if err != nil {
		respondError(c, err)
		return
	}
	user := userContext(c)
	if rec.UserID != "" && rec.UserID != user.UserID && !user.HasPermission("*") {
		respondError(c, models.NewError(models.ErrKindPermission,
			"execution %s belongs to another user", executionID))
		return
	}

	outcome, err := s.deps.Executor.ExecuteFunction(c.Request.Context(), &executor.Request{
		FunctionRef: rec.FunctionRef(),
		ExecutionID: executionID,
		ResumeData:  req.ResumeData,
		TriggerType: models.TriggerAPI,
		UserCtx:     user,
		ChatID:      rec.ChatID,
		Final:       true,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	if outcome.Status == models.ExecutionStatusAwaitingInput {
		c.JSON(http.StatusOK, gin.H{
			"execution_id": executionID,
			"status":       outcome.Status,
			"prompt":       outcome.Prompt,
			"schema":       outcome.Schema,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"execution_id": executionID,
		"status":       outcome.Status,
		"result":       outcome.Output,
	})
}
