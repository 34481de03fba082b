package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"mission-marketplace/pkg/errutil"
)

// SharedSecret guards trusted machine endpoints (scheduler, payment
// webhooks). The secret is accepted from the header or, when query is not
// empty, from that query parameter. An empty configured secret rejects
// every request.
func SharedSecret(secret, header, query string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		got := c.GetHeader(header)
		if got == "" && query != "" {
			got = c.Query(query)
		}

		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			_ = c.Error(errutil.Unauthorized("invalid secret", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
