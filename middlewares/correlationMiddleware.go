package middlewares

import (
	"bitbucket.org/gracesoft/congregate_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CorrelationMiddleware threads an X-Correlation-Id through the request
// context (generating one when absent) and echoes it on the response, so a
// client retry and its server-side processing are joinable in logs.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		corrId := c.Request.Header.Get("X-Correlation-Id")
		if corrId == "" {
			corrId = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), corrId)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Correlation-Id", corrId)
		c.Next()
	}
}
