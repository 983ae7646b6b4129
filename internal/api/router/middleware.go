package router

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/dataport/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// OrganizationHeader carries the tenant set by the authentication layer in front of the API
const OrganizationHeader = "X-Organization-ID"

// LoggerMiddleware logs HTTP requests with slog
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		logger.Info("HTTP Request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.String("ip", c.ClientIP()),
			slog.String("organization_id", c.GetString(handler.OrganizationIDKey)),
			slog.Duration("latency", latency),
			slog.Int("body_size", c.Writer.Size()),
		)

		for _, e := range c.Errors {
			logger.Error("Request error",
				slog.String("error", e.Error()),
				slog.Uint64("type", uint64(e.Type)),
			)
		}
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+OrganizationHeader)
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// OrganizationMiddleware rejects requests without a tenant and stores it in the context
func OrganizationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := strings.TrimSpace(c.GetHeader(OrganizationHeader))
		if orgID == "" || strings.ContainsAny(orgID, `/\`) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": OrganizationHeader + " header is required",
			})
			return
		}

		c.Set(handler.OrganizationIDKey, orgID)
		c.Next()
	}
}
