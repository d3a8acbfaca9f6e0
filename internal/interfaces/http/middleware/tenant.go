package middleware

import (
	"net/http"

	"github.com/clinicdesk/backend/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Identity header and context keys. Authentication is handled upstream; the
// gateway forwards the caller's tenant and user in these headers.
const (
	TenantHeaderKey = "X-Tenant-ID"
	UserHeaderKey   = "X-User-ID"
	TenantIDKey     = "tenant_id"
	UserIDKey       = "user_id"
)

// RequireTenant parses X-Tenant-ID and stores it in the context.
// Requests without a valid tenant are rejected with 400.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(TenantHeaderKey)
		if raw == "" {
			abortBadRequest(c, "X-Tenant-ID header is required")
			return
		}
		tenantID, err := uuid.Parse(raw)
		if err != nil || tenantID == uuid.Nil {
			abortBadRequest(c, "X-Tenant-ID must be a UUID")
			return
		}
		c.Set(TenantIDKey, tenantID)
		c.Next()
	}
}

// RequireUser stores X-User-ID in the context; it is an opaque string
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserHeaderKey)
		if userID == "" {
			abortBadRequest(c, "X-User-ID header is required")
			return
		}
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// GetTenantID returns the tenant stored by RequireTenant
func GetTenantID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(TenantIDKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// GetUserID returns the user stored by RequireUser
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

func abortBadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest,
		dto.NewErrorResponseWithRequestID(dto.ErrCodeBadRequest, message, GetRequestID(c)))
}
