package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding *Claims of an authenticated request.
const ClaimsKey = "auth_claims"

// GinAuth rejects requests without a valid bearer token. A nil signer lets every
// request through.
func GinAuth(s *Signer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s == nil {
			c.Next()
			return
		}
		claims, err := s.Verify(BearerToken(c.GetHeader("Authorization")))
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="bootvisor"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}
