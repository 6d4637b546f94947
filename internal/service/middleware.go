package service

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	authenticationHeader      = "Authorization"
	authenticationTokenPrefix = "Bearer "
)

// bearerAuth rejects requests that do not carry the static admin token.
func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		hdr := c.GetHeader(authenticationHeader)
		if !strings.HasPrefix(hdr, authenticationTokenPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "no token provided"})
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(hdr, authenticationTokenPrefix))
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// requestLogger emits one slog line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
