package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"agentbridge/internal/app"
	"agentbridge/internal/pkg/jwtutil"
	"agentbridge/internal/transport/http/response"
)

const contextIdentityKey = "identity"

// AuthJWT resolves the bearer token into an explicit app.Identity and stores
// it on the request context. Handlers never read ambient session state; they
// pull the identity out with IdentityFromContext.
func AuthJWT(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			response.Error(c, 401, response.CodeUnauthorized, "missing authorization header")
			c.Abort()
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			response.Error(c, 401, response.CodeUnauthorized, "invalid authorization scheme")
			c.Abort()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
		claims, err := jwtutil.ParseToken(secret, token)
		if err != nil {
			response.Error(c, 401, response.CodeUnauthorized, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(contextIdentityKey, app.Identity{
			UserID:   claims.UserID,
			Username: claims.Username,
		})
		c.Next()
	}
}

// IdentityFromContext returns the identity the middleware resolved, or a zero
// Identity when there is none.
func IdentityFromContext(c *gin.Context) (app.Identity, bool) {
	raw, exists := c.Get(contextIdentityKey)
	if !exists {
		return app.Identity{}, false
	}
	identity, ok := raw.(app.Identity)
	return identity, ok && identity.Valid()
}
