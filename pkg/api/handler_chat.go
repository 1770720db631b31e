package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stratumhq/stratum/pkg/models"
)

const maxMessageLength = 100_000

// CreateChatRequest is the body for POST /api/v1/chats.
type CreateChatRequest struct {
	AgentRef   string          `json:"agent_ref"`
	AgentInput json.RawMessage `json:"agent_input,omitempty"`
}

// createChatHandler handles POST /api/v1/chats.
func (s *Server) createChatHandler(c *gin.Context) {
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ref, err := models.ParseRef(req.AgentRef)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if _, err := s.deps.Stores.Resources.GetAgent(c.Request.Context(), ref.Namespace, ref.Name); err != nil {
		respondError(c, err)
		return
	}

	chat := &models.Chat{
		ChatID:     uuid.NewString(),
		UserID:     userContext(c).UserID,
		AgentRef:   req.AgentRef,
		AgentInput: req.AgentInput,
		CreatedAt:  time.Now(),
	}
	if err := s.deps.Stores.Chats.CreateChat(c.Request.Context(), chat); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

// getChatHandler handles GET /api/v1/chats/:id.
func (s *Server) getChatHandler(c *gin.Context) {
	chat, err := s.deps.Stores.Chats.GetChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

// listMessagesHandler handles GET /api/v1/chats/:id/messages?limit=N.
func (s *Server) listMessagesHandler(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	if _, err := s.deps.Stores.Chats.GetChat(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	msgs, err := s.deps.Stores.Chats.ListMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessageRequest is the body for POST /api/v1/chats/:id/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
	// Stream requests an SSE channel for the reply.
	Stream bool `json:"stream"`
	// Provider and Model override the agent's settings for this message.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// SendMessageResponse is the 202 body: poll the job or subscribe to the
// stream channel for the reply.
type SendMessageResponse struct {
	JobID     string `json:"job_id"`
	ChatID    string `json:"chat_id"`
	ChannelID string `json:"channel_id,omitempty"`
}

// sendMessageHandler handles POST /api/v1/chats/:id/messages. The message
// rides the agents queue; the reply arrives via the job result or, when
// streaming, the SSE channel.
func (s *Server) sendMessageHandler(c *gin.Context) {
	chatID := c.Param("id")
	chat, err := s.deps.Stores.Chats.GetChat(c.Request.Context(), chatID)
	if err != nil {
		respondError(c, err)
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Content == "" {
		badRequest(c, "content is required")
		return
	}
	if len(req.Content) > maxMessageLength {
		badRequest(c, "content exceeds maximum length of 100,000 characters")
		return
	}

	user := userContext(c)
	if user.UserID != chat.UserID {
		respondError(c, models.NewError(models.ErrKindPermission,
			"chat %s belongs to another user", chatID))
		return
	}

	channelID := ""
	if req.Stream {
		channelID = uuid.NewString()
	}

	content, _ := json.Marshal(req.Content)
	jobID, err := s.deps.Queue.EnqueueAgentMessage(c.Request.Context(), &models.AgentMessageJobPayload{
		ChatID:      chatID,
		UserID:      user.UserID,
		Permissions: user.Permissions,
		Content:     content,
		ChannelID:   channelID,
		Provider:    req.Provider,
		Model:       req.Model,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, &SendMessageResponse{
		JobID:     jobID,
		ChatID:    chatID,
		ChannelID: channelID,
	})
}
