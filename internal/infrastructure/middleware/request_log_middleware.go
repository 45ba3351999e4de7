package middleware

import (
	"time"

	"peercall/internal/core/domain"
	"peercall/pkg/logger"
	"peercall/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

// RequestLogMiddleware tags each request with an id and writes an access log
// entry carrying the call it belongs to. Register it before
// TracingMiddleware so the entry picks up the trace id.
func RequestLogMiddleware(log *zap.Logger) gin.HandlerFunc {
	cl := logger.NewContextLogger(log)
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))

		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		if sessionID, ok := c.Get(ContextSessionID); ok {
			ctx = logger.WithSessionID(ctx, string(sessionID.(domain.SessionID)))
		} else if sessionID := c.Query("sessionId"); sessionID != "" {
			ctx = logger.WithSessionID(ctx, sessionID)
		}
		if peerID := c.GetString(ContextPeerID); peerID != "" {
			ctx = logger.WithPeerID(ctx, peerID)
		} else if peerID := c.Query("peerId"); peerID != "" {
			ctx = logger.WithPeerID(ctx, peerID)
		}
		cl.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
