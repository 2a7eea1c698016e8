package middleware

import (
	"net/http"

	herrors "confhammer/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last handler error as JSON.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if hErr := herrors.Get(err); hErr != nil {
			logger.Errorw("request failed",
				"code", hErr.Code,
				"message", hErr.Message,
				"path", c.Request.URL.Path,
				"context", hErr.Context,
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   string(hErr.Code),
				"message": hErr.Message,
				"details": hErr.Context,
			})
			return
		}

		logger.Errorw("unhandled error", "error", err.Error(), "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()

		c.Next()
	}
}
