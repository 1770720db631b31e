package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stratumhq/stratum/pkg/models"
)

// ExecuteFunctionRequest is the body for the execute and enqueue endpoints.
type ExecuteFunctionRequest struct {
	Input json.RawMessage `json:"input"`
	// ExecutionID makes the call idempotent; generated when absent.
	ExecutionID string `json:"execution_id,omitempty"`
	// TimeoutSeconds bounds the synchronous wait (execute endpoint only).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// executeFunctionHandler handles POST /api/v1/functions/:namespace/:name/execute.
// Enqueues the job and blocks until the completion notice or the timeout.
func (s *Server) executeFunctionHandler(c *gin.Context) {
	payload, req, ok := s.bindFunctionPayload(c)
	if !ok {
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second

	result, err := s.deps.Queue.EnqueueAndWait(c.Request.Context(), payload, timeout)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"execution_id": payload.ExecutionID,
		"status":       models.ExecutionStatusCompleted,
		"result":       result,
	})
}

// enqueueFunctionHandler handles POST /api/v1/functions/:namespace/:name/enqueue.
// Fire-and-poll: returns the job and execution ids immediately.
func (s *Server) enqueueFunctionHandler(c *gin.Context) {
	payload, _, ok := s.bindFunctionPayload(c)
	if !ok {
		return
	}

	jobID, err := s.deps.Queue.EnqueueFunction(c.Request.Context(), payload, 0)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":       jobID,
		"execution_id": payload.ExecutionID,
	})
}

// bindFunctionPayload validates the route, the caller's execute permission,
// and the request body, and builds the job payload.
func (s *Server) bindFunctionPayload(c *gin.Context) (*models.FunctionJobPayload, *ExecuteFunctionRequest, bool) {
	namespace, name := c.Param("namespace"), c.Param("name")

	var req ExecuteFunctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return nil, nil, false
	}

	user := userContext(c)
	if !user.CanExecuteFunction(namespace, name) {
		respondError(c, models.NewError(models.ErrKindPermission,
			"permission denied for %s/%s", namespace, name))
		return nil, nil, false
	}

	if _, err := s.deps.Stores.Resources.GetFunction(c.Request.Context(), namespace, name); err != nil {
		respondError(c, err)
		return nil, nil, false
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	input := req.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	return &models.FunctionJobPayload{
		FunctionNamespace: namespace,
		FunctionName:      name,
		InputData:         input,
		ExecutionID:       executionID,
		TriggerType:       models.TriggerAPI,
		UserID:            user.UserID,
	}, &req, true
}
