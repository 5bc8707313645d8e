package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/services"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RateLimit throttles requests per authenticated user, or per client IP before
// authentication. Limiter outages reject the request.
func RateLimit(limiter services.RateLimiter, requests, windowSeconds int, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "api:ip:" + utils.GetRealIP(c)
		if userCtx, ok := GetUserContext(c); ok {
			key = "api:user:" + userCtx.UserID.String()
		}

		_, err := limiter.Check(c.Request.Context(), key, requests, windowSeconds)
		if err == nil {
			c.Next()
			return
		}

		var rle *services.RateLimitError
		if errors.As(err, &rle) {
			retryAfter := int(math.Ceil(rle.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "RATE_LIMITED",
				"message":     "Too many requests",
				"retry_after": retryAfter,
			})
			return
		}

		logger.WithError(err).WithField("key", key).Error("Rate limiter unavailable")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "Service temporarily unavailable",
		})
	}
}
