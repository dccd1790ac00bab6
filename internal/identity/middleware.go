package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxTokenClaims = "auditledger_token_claims"

// RequireScope is a Gin middleware that requires a valid Bearer token
// carrying at least one of scopes. A nil issuer disables authentication.
func RequireScope(tokens *TokenIssuer, scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}

		granted := len(scopes) == 0
		for _, s := range scopes {
			if HasScope(claims, s) {
				granted = true
				break
			}
		}
		if !granted {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "token lacks scope " + strings.Join(scopes, " or "),
			})
			return
		}

		c.Set(ctxTokenClaims, claims)
		c.Next()
	}
}

// ClaimsFromCtx returns the verified claims stored by RequireScope, or nil
// when authentication is disabled.
func ClaimsFromCtx(c *gin.Context) *LedgerClaims {
	v, _ := c.Get(ctxTokenClaims)
	claims, _ := v.(*LedgerClaims)
	return claims
}

// SubjectFromCtx returns the token subject, or "" without a token.
func SubjectFromCtx(c *gin.Context) string {
	if claims := ClaimsFromCtx(c); claims != nil {
		return claims.Subject
	}
	return ""
}
