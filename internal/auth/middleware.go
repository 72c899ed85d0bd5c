// Package auth guards the HTTP surface with an optional static bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	defaultHeaderName = "Authorization"
	// CookieName carries the token for clients that cannot set headers, such
	// as browser EventSource connections.
	CookieName = "cdr_token"
)

// Guard validates requests against a single configured token. A guard with
// an empty token lets every request through.
type Guard struct {
	token      string
	headerName string
	cookieName string
}

func NewGuard(token string) *Guard {
	return &Guard{
		token:      strings.TrimSpace(token),
		headerName: defaultHeaderName,
		cookieName: CookieName,
	}
}

// Enabled reports whether a token is required.
func (g *Guard) Enabled() bool {
	return g != nil && g.token != ""
}

// Middleware rejects requests that do not present the configured token.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Enabled() {
			c.Next()
			return
		}
		presented := g.extractToken(c)
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(g.token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (g *Guard) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(g.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(g.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}
