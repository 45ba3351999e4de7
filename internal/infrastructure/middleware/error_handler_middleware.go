package middleware

import (
	"net/http"

	"peercall/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errInternal = errors.NewAppError(errors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)

// ErrorHandlerMiddleware renders the last error a handler attached as
// {"error", "code"} plus "details" when the error carries context. Errors
// that are not AppErrors are logged and hidden behind a generic 500.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		route := c.FullPath()

		appErr := errors.GetAppError(err)
		switch {
		case appErr == nil:
			logger.Errorw("unhandled error", "error", err, "route", route, "method", c.Request.Method)
			appErr = errInternal
		case appErr.HTTPStatus >= http.StatusInternalServerError:
			logger.Errorw("request failed", "code", appErr.Code, "error", appErr, "route", route)
		default:
			logger.Debugw("request rejected", "code", appErr.Code, "status", appErr.HTTPStatus, "message", appErr.Message, "route", route)
		}

		body := gin.H{"error": appErr.Message, "code": string(appErr.Code)}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware turns a panicking handler into a 500.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered", "panic", r, "path", c.Request.URL.Path, "method", c.Request.Method)
				abortWith(c, errInternal)
			}
		}()
		c.Next()
	}
}
