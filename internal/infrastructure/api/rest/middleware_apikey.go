package rest

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyMiddleware guards the API with a static key set. Configured entries
// may be plaintext keys or bcrypt hashes (prefix "$2"), so deployments can
// keep only hashes in their environment.
type APIKeyMiddleware struct {
	keys []string
}

// NewAPIKeyMiddleware creates the middleware; an empty key set disables it.
func NewAPIKeyMiddleware(keys []string) *APIKeyMiddleware {
	return &APIKeyMiddleware{keys: keys}
}

// RequireKey returns the gin handler enforcing the X-API-Key header.
func (m *APIKeyMiddleware) RequireKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(m.keys) == 0 {
			c.Next()
			return
		}

		presented := c.GetHeader("X-API-Key")
		if presented == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "ApiKey ") {
				presented = strings.TrimPrefix(auth, "ApiKey ")
			}
		}
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrUnauthorized)
			return
		}

		for _, key := range m.keys {
			if strings.HasPrefix(key, "$2") {
				if bcrypt.CompareHashAndPassword([]byte(key), []byte(presented)) == nil {
					c.Next()
					return
				}
				continue
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrUnauthorized)
	}
}
