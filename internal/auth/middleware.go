package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"classtrack/internal/domain"
)

const callerKey = "caller"

// Bearer enforces bearer JWT tokens signed with HS256 and stores the
// resulting caller on the context. When roles are given, the caller's
// role must be one of them (admin always passes).
func Bearer(signingKey, issuer string, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		caller := domain.Caller{ID: claims.Subject, Role: claims.Role}
		if len(roles) > 0 && !caller.IsAdmin() {
			allowed := false
			for _, r := range roles {
				if caller.Role == r {
					allowed = true
					break
				}
			}
			if !allowed {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role not permitted"})
				return
			}
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// CallerFrom returns the caller the middleware attached.
func CallerFrom(c *gin.Context) domain.Caller {
	v, _ := c.Get(callerKey)
	caller, _ := v.(domain.Caller)
	return caller
}
