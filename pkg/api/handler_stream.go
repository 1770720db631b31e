package api

import (
	"io"

	"github.com/gin-gonic/gin"
)

// streamHandler handles GET /api/v1/stream/:channel. Bridges the relay's
// envelopes onto an SSE response; the stream ends after the terminal
// envelope or when the client disconnects. A disconnect only drops the
// subscription, never the producing job.
func (s *Server) streamHandler(c *gin.Context) {
	channelID := c.Param("channel")

	envelopes, cancel, err := s.deps.Relay.Subscribe(c.Request.Context(), channelID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case env, ok := <-envelopes:
			if !ok {
				return false
			}
			c.SSEvent(string(env.Type), env)
			return !env.Terminal()
		case <-c.Request.Context().Done():
			return false
		}
	})
}
