package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// jobStatusHandler handles GET /api/v1/jobs/:id.
func (s *Server) jobStatusHandler(c *gin.Context) {
	rec, err := s.deps.Queue.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// jobResultHandler handles GET /api/v1/jobs/:id/result.
func (s *Server) jobResultHandler(c *gin.Context) {
	result, err := s.deps.Queue.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("id"), "result": result})
}

// deadLettersHandler handles GET /api/v1/queue/dead-letters?limit=N.
func (s *Server) deadLettersHandler(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	letters, err := s.deps.Queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters, "count": len(letters)})
}
