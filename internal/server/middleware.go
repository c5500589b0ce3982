// Package server exposes the broker over HTTP: an Anthropic-style
// messages endpoint plus a management surface for the account pool.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/config"
)

// CORSMiddleware handles CORS headers.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Session-Id")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// APIKeyAuthMiddleware validates the API key on protected groups. No-op
// when no key is configured.
func APIKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		var providedKey string
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			providedKey = strings.TrimPrefix(auth, "Bearer ")
		} else if xKey := c.GetHeader("X-API-Key"); xKey != "" {
			providedKey = xKey
		}

		if providedKey != cfg.APIKey {
			log.Warnf("[API] Unauthorized request from %s, invalid API key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "Invalid or missing API key",
				},
			})
			return
		}

		c.Next()
	}
}

// RequestLoggingMiddleware logs completed requests with latency.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start).Milliseconds()

		// Chatty client-side endpoints stay quiet outside debug.
		if path == "/api/event_logging/batch" || strings.HasPrefix(path, "/.well-known/") {
			log.Debugf("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
			return
		}

		switch {
		case status >= 500:
			log.Errorf("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
		case status >= 400:
			log.Warnf("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
		default:
			log.Infof("[%s] %s %d (%dms)", c.Request.Method, path, status, elapsed)
		}
	}
}

// SilentHandlerMiddleware acknowledges client telemetry endpoints
// without forwarding them upstream.
func SilentHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost &&
			(c.Request.URL.Path == "/api/event_logging/batch" || c.Request.URL.Path == "/") {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}
		c.Next()
	}
}
