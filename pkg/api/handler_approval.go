package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stratumhq/stratum/pkg/models"
)

// getApprovalHandler handles GET /api/v1/approvals/:id.
func (s *Server) getApprovalHandler(c *gin.Context) {
	approval, err := s.deps.Stores.Approvals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

// DecideApprovalRequest is the body for POST /api/v1/approvals/:id/decision.
type DecideApprovalRequest struct {
	Approved bool `json:"approved"`
	// Stream requests an SSE channel for the resumed conversation.
	Stream bool `json:"stream"`
}

// DecideApprovalResponse is the 202 body for a recorded decision.
type DecideApprovalResponse struct {
	ApprovalID string                  `json:"approval_id"`
	Decision   models.ApprovalDecision `json:"decision"`
	JobID      string                  `json:"job_id"`
	ChannelID  string                  `json:"channel_id,omitempty"`
}

// decideApprovalHandler handles POST /api/v1/approvals/:id/decision.
// Records the decision exactly once, then enqueues the resume job that
// continues the parked conversation.
func (s *Server) decideApprovalHandler(c *gin.Context) {
	approvalID := c.Param("id")
	var req DecideApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	approval, err := s.deps.Stores.Approvals.Get(c.Request.Context(), approvalID)
	if err != nil {
		respondError(c, err)
		return
	}
	user := userContext(c)
	if user.UserID != approval.UserID {
		respondError(c, models.NewError(models.ErrKindPermission,
			"approval %s belongs to another user", approvalID))
		return
	}

	decision := models.ApprovalRejected
	if req.Approved {
		decision = models.ApprovalApproved
	}
	if _, err := s.deps.Stores.Approvals.Decide(c.Request.Context(), approvalID, decision); err != nil {
		respondError(c, err)
		return
	}

	channelID := ""
	if req.Stream {
		channelID = uuid.NewString()
	}
	jobID, err := s.deps.Queue.EnqueueAgentResume(c.Request.Context(), &models.AgentResumeJobPayload{
		ApprovalID: approvalID,
		Approved:   req.Approved,
		ChannelID:  channelID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	s.logger.Info("Approval decision recorded",
		"approval_id", approvalID, "decision", decision, "job_id", jobID)
	c.JSON(http.StatusAccepted, &DecideApprovalResponse{
		ApprovalID: approvalID,
		Decision:   decision,
		JobID:      jobID,
		ChannelID:  channelID,
	})
}
