package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TeacherAuth enforces bearer JWT tokens signed with HS256 and stashes the
// claims for handlers.
func TeacherAuth(signingKey, issuer string) gin.HandlerFunc {
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
		c.Set("claims", claims)
		c.Next()
	}
}

// TeacherID extracts the authenticated teacher id from gin context.
func TeacherID(c *gin.Context) string {
	claimsAny, _ := c.Get("claims")
	claims, _ := claimsAny.(Claims)
	return claims.Subject
}
