// Package middleware holds the gin middleware shared by the HTTP surface.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/driftcall/server/internal/v1/logging"
)

// HeaderXCorrelationID carries the request correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID echoes the caller's correlation id, minting one when the
// header is absent, and threads it through the response header, the gin
// context, and the request context the logger reads from.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		ctx := logging.WithCorrelation(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
