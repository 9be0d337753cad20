package http

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/service"
)

const sessionContextKey = "session"

// HeaderInternalKey carries the service credential of internal callers
const HeaderInternalKey = "X-Internal-Key"

// AuthMiddleware creates middleware that admits requests carrying the active session token
func AuthMiddleware(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(c, http.StatusUnauthorized, CodeUnauthorized, "Invalid authorization header")
			return
		}

		session, err := authService.ValidateToken(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			if errors.Is(err, core.ErrTokenExpired) {
				writeError(c, http.StatusUnauthorized, CodeTokenExpired, "Token expired")
			} else {
				writeError(c, http.StatusUnauthorized, CodeUnauthorized, "Invalid token")
			}
			return
		}

		c.Set(sessionContextKey, session)
		c.Next()
	}
}

// InternalKeyMiddleware admits only service callers presenting key. Wallet sessions are
// not accepted, and an empty key rejects every request.
func InternalKeyMiddleware(key string) gin.HandlerFunc {
	expected := []byte(key)
	return func(c *gin.Context) {
		presented := strings.TrimSpace(c.GetHeader(HeaderInternalKey))
		if len(expected) == 0 || presented == "" {
			writeError(c, http.StatusUnauthorized, CodeUnauthorized, "Service credential required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			writeError(c, http.StatusForbidden, CodeForbidden, "Invalid service credential")
			return
		}
		c.Next()
	}
}

func sessionFromContext(c *gin.Context) (*core.Session, bool) {
	value, exists := c.Get(sessionContextKey)
	if !exists {
		return nil, false
	}
	session, ok := value.(*core.Session)
	return session, ok && session != nil
}

// RequestLogger logs one line per request. Query strings are left out.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
