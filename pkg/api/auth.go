package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stratumhq/stratum/pkg/models"
)

// userContext reconstructs the caller identity from trusted proxy headers.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email >
// X-Remote-User (kube-rbac-proxy) > "api-client". Permissions arrive as a
// comma-separated X-User-Permissions header; a deployment without the
// header grants the wildcard, matching a single-tenant install.
func userContext(c *gin.Context) *models.UserContext {
	userID := "api-client"
	if user := c.GetHeader("X-Forwarded-User"); user != "" {
		userID = user
	} else if email := c.GetHeader("X-Forwarded-Email"); email != "" {
		userID = email
	} else if user := c.GetHeader("X-Remote-User"); user != "" {
		userID = user
	}

	permissions := []string{"*"}
	if raw := c.GetHeader("X-User-Permissions"); raw != "" {
		permissions = permissions[:0]
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				permissions = append(permissions, p)
			}
		}
	}

	return &models.UserContext{UserID: userID, Permissions: permissions}
}
