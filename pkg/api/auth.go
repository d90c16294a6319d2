package api

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/inferd-io/inferd/pkg/errs"
	"github.com/inferd-io/inferd/pkg/models"
)

// KeyResolver maps an API key to a tenant ID. Returns false for unknown keys.
type KeyResolver func(apiKey string) (tenantID string, ok bool)

const tenantContextKey = "tenant_context"

// apiKeyFrom extracts the client API key: X-API-Key first, then a bearer
// token. Empty means anonymous.
func apiKeyFrom(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// authMiddleware resolves the tenant from the API key. Without a key the
// request runs as the community tenant when anonymous access is enabled,
// otherwise it is rejected. Unknown keys are always rejected.
func authMiddleware(resolve KeyResolver, anonymousEnabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := apiKeyFrom(c)

		var tenantID string
		switch {
		case key == "" && anonymousEnabled:
			tenantID = models.CommunityTenant
		case key == "":
			writeError(c, errs.Newf(errs.AuthTenantNotFound, "missing API key"))
			c.Abort()
			return
		default:
			id, ok := resolve(key)
			if !ok {
				writeError(c, errs.New(errs.AuthTenantNotFound))
				c.Abort()
				return
			}
			tenantID = id
		}

		traceID := c.GetHeader("X-Trace-Id")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set(tenantContextKey, models.TenantContext{
			TenantID: tenantID,
			TraceID:  traceID,
		})
		c.Next()
	}
}

// tenantFrom returns the tenant context placed by the auth middleware.
func tenantFrom(c *gin.Context) models.TenantContext {
	if v, ok := c.Get(tenantContextKey); ok {
		if tc, ok := v.(models.TenantContext); ok {
			return tc
		}
	}
	return models.TenantContext{}
}
