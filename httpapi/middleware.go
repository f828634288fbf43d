package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"salessync/auth"
)

const identityKey = "identity"

// authenticate resolves the bearer token to an identity or rejects the request.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		id, err := s.tokens.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			s.logger.WithError(err).Debug("token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func requireReviewer() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !identity(c).CanReview() {
			c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: "supervisor role required"})
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) auth.Identity {
	id, _ := c.Get(identityKey)
	out, _ := id.(auth.Identity)
	return out
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if id := identity(c); id.TenantID != "" {
			entry = entry.WithField("tenant_id", id.TenantID)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request failed")
			return
		}
		entry.Debug("request served")
	}
}
