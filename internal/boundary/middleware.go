// Package boundary implements Boundary (C8): a thin Gin validation
// shell that resolves caller identity, rejects malformed payloads, and
// invokes KeyManager/SessionEngine/TrustLedger. It holds no
// cryptographic logic of its own, adapted from the teacher's
// internal/encryption/handlers.go.
package boundary

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cupid-crypto/internal/utils"
	"cupid-crypto/pkg/apperr"
)

const (
	ctxUserID   = "caller_user_id"
	ctxDeviceID = "caller_device_id"
)

// AuthMiddleware resolves the bearer token into a caller identity and
// stashes it on the Gin context for handlers to read.
func AuthMiddleware(jwtSvc *utils.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		userID, deviceID, err := jwtSvc.ResolveCaller(header[len(prefix):])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(ctxUserID, userID)
		c.Set(ctxDeviceID, deviceID)
		c.Next()
	}
}

func callerUserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func callerDeviceID(c *gin.Context) int {
	v, ok := c.Get(ctxDeviceID)
	if !ok {
		return 0
	}
	id, _ := v.(int)
	return id
}

// renderError translates an apperr.AppError to its mapped HTTP status
// and a stable code + one-line message. Any other error is reported as
// an opaque 500 — no stack traces, no internal identifiers.
func renderError(c *gin.Context, err error) {
	if ae, ok := apperr.As(err); ok {
		c.JSON(ae.Status(), gin.H{"code": string(ae.Kind), "message": ae.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"code": "internal_error", "message": "an internal error occurred"})
}
