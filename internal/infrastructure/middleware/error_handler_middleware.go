package middleware

import (
	"net/http"

	"meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached by a handler.
// AppErrors keep their status and code; anything else becomes a 500.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := errors.GetAppError(err); appErr != nil {
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				logger.Errorw("request failed",
					"code", appErr.Code,
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
			} else {
				logger.Debugw("request rejected",
					"code", appErr.Code,
					"message", appErr.Message,
					"path", c.Request.URL.Path,
				)
			}

			body := gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			}
			if len(appErr.Context) > 0 {
				body["details"] = appErr.Context
			}
			c.JSON(appErr.HTTPStatus, body)
			return
		}

		logger.Errorw("unhandled error",
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware converts panics into a 500 response.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic recovered",
					"panic", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
