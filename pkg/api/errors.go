package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/queue"
	"github.com/stratumhq/stratum/pkg/store"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// respondError maps domain errors onto HTTP statuses with the tagged error
// kind as the machine-readable code.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := string(models.ErrKindInfrastructure)

	switch {
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, string(models.ErrKindNotFound)
	case errors.Is(err, store.ErrAlreadyExists):
		status, code = http.StatusConflict, "already_exists"
	case errors.Is(err, store.ErrAlreadyDecided):
		status, code = http.StatusConflict, "already_decided"
	case errors.Is(err, store.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, queue.ErrJobNotFound):
		status, code = http.StatusNotFound, string(models.ErrKindNotFound)
	case errors.Is(err, queue.ErrWaitTimeout):
		status, code = http.StatusGatewayTimeout, string(models.ErrKindTimeout)
	default:
		switch models.KindOf(err) {
		case models.ErrKindValidation:
			status, code = http.StatusBadRequest, string(models.ErrKindValidation)
		case models.ErrKindPermission:
			status, code = http.StatusForbidden, string(models.ErrKindPermission)
		case models.ErrKindNotFound:
			status, code = http.StatusNotFound, string(models.ErrKindNotFound)
		case models.ErrKindTimeout:
			status, code = http.StatusGatewayTimeout, string(models.ErrKindTimeout)
		case models.ErrKindPoolExhausted:
			status, code = http.StatusServiceUnavailable, string(models.ErrKindPoolExhausted)
		case models.ErrKindExecutionFailure:
			status, code = http.StatusUnprocessableEntity, string(models.ErrKindExecutionFailure)
		}
	}

	c.AbortWithStatusJSON(status, &ErrorResponse{
		Code:      code,
		Message:   err.Error(),
		RequestID: c.GetString(requestIDKey),
	})
}

// badRequest rejects malformed input with a validation code.
func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, &ErrorResponse{
		Code:      string(models.ErrKindValidation),
		Message:   msg,
		RequestID: c.GetString(requestIDKey),
	})
}
