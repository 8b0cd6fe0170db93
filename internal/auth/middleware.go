package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/citylord/trajectory-engine/pkg/utils"
)

// Middleware для аутентификации запросов
type Middleware struct {
	provider Provider
	logger   *utils.Logger
}

// NewMiddleware создает новый middleware аутентификации
func NewMiddleware(provider Provider, logger *utils.Logger) *Middleware {
	return &Middleware{
		provider: provider,
		logger:   logger,
	}
}

// Authenticate проверяет токен и кладет id пользователя в контекст запроса
func (m *Middleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			m.logger.WithField("ip", c.ClientIP()).Debug("Missing authentication token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Missing authentication token",
				"code":    "MISSING_TOKEN",
			})
			return
		}

		userID, err := m.provider.Resolve(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrInvalidCredential) {
				m.logger.WithField("ip", c.ClientIP()).
					WithError(err).
					Warn("Token validation failed")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"success": false,
					"error":   "Invalid or expired token",
					"code":    "INVALID_TOKEN",
				})
				return
			}

			m.logger.WithError(err).Error("Authentication backend unavailable")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "Authentication temporarily unavailable",
				"code":    "AUTH_UNAVAILABLE",
			})
			return
		}

		c.Set(string(utils.UserIDKey), userID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), utils.UserIDKey, userID))

		c.Next()
	}
}

// extractToken извлекает токен из заголовка Authorization или cookie
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	if token, err := c.Cookie("token"); err == nil && token != "" {
		return token
	}

	return ""
}

// GetUserID возвращает ID пользователя из контекста Gin
func GetUserID(c *gin.Context) (string, bool) {
	v, exists := c.Get(string(utils.UserIDKey))
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
