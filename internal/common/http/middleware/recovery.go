package middleware

import (
	"github.com/gin-gonic/gin"

	appErr "ojudge/pkg/errors"
	"ojudge/pkg/utils/response"
)

// Recovery turns a handler panic into the standard error envelope.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		response.AbortWithError(c, appErr.Newf(appErr.InternalServerError, "panic: %v", recovered))
	})
}
