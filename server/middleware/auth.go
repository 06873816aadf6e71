package middleware

import (
	"crypto/hmac"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthMiddleware guards operator endpoints with a static bearer token. With
// no token configured every request to a guarded route is refused.
type AuthMiddleware struct {
	token  []byte
	logger *zap.Logger
}

func NewAuthMiddleware(adminToken string, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		token:  []byte(adminToken),
		logger: logger,
	}
}

func (a *AuthMiddleware) Enabled() bool { return len(a.token) > 0 }

func (a *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin endpoints are disabled"})
			c.Abort()
			return
		}

		token := a.extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization token required"})
			c.Abort()
			return
		}

		if !hmac.Equal([]byte(token), a.token) {
			a.logger.Warn("Invalid admin token", zap.String("client_ip", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		c.Set("role", "admin")
		c.Next()
	}
}

func (a *AuthMiddleware) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
