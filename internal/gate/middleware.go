package gate

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Middleware consults the gate before the handler runs. The payer identity
// comes from the X-Payer-Address header when the caller supplies one; the
// gate sees an empty payer otherwise and applies its per-route policy.
// A denied request never reaches scheme logic.
func Middleware(g Gate, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		payer := c.GetHeader("X-Payer-Address")
		network := c.Query("network")

		decision, err := g.IsAllowed(c.Request.Context(), payer, c.FullPath(), network)
		if err != nil {
			log.Error("access gate unreachable", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "access gate unavailable"})
			return
		}
		if !decision.Allowed {
			status := http.StatusForbidden
			reason := decision.Reason
			if reason == ReasonRateLimited {
				status = http.StatusTooManyRequests
			} else if reason == "" {
				reason = ReasonUnauthorized
			}
			c.AbortWithStatusJSON(status, gin.H{"error": reason})
			return
		}
		c.Next()
	}
}
