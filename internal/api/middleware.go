package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	userHeader = "X-Herald-User"
	csrfCookie = "herald_csrf"
	csrfHeader = "X-CSRF-Token"

	ctxUserKey = "herald.user"
)

// identity trusts the user header injected by the host's auth proxy.
// Requests without it are anonymous and rejected.
func (s *Server) identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(userHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Set(ctxUserKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(ctxUserKey)
}

// csrf implements the double-submit check: mutating requests must echo the
// csrf cookie in a header. Safe requests mint the cookie when absent; the
// cookie is intentionally readable by page scripts.
func (s *Server) csrf() gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie, err := c.Cookie(csrfCookie)

		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			if err != nil || cookie == "" {
				if tok := newCSRFToken(); tok != "" {
					c.SetCookie(csrfCookie, tok, 0, "/", "", false, false)
				}
			}
			c.Next()
			return
		}

		header := c.GetHeader(csrfHeader)
		if err != nil || cookie == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "csrf token mismatch"})
			return
		}
		c.Next()
	}
}

func newCSRFToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
