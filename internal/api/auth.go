package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthMiddleware validates "Authorization: Bearer <token>" against the
// configured server token. Browsers cannot set headers on a websocket
// handshake, so upgrade requests may pass the token as ?access_token=.
//
// An empty token disables auth (development mode) and is logged loudly once.
func AuthMiddleware(token string, log *zap.Logger) gin.HandlerFunc {
	if token == "" {
		log.Warn("server.auth_token is not set; the admin API is unauthenticated")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		presented := ""
		if auth := c.GetHeader("Authorization"); auth != "" {
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid Authorization header format"})
				return
			}
			presented = parts[1]
		} else if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			presented = c.Query("access_token")
		}

		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"hint":  "Use: Authorization: Bearer <token>",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid token"})
			return
		}
		c.Next()
	}
}
