package middleware

import (
	"net/http"

	"peercall/internal/core/domain"
	"peercall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

// TracingMiddleware opens one span per signaling request. A traceparent sent
// by the client becomes the parent, so a call started in cmd/call and relayed
// here shows up as one trace.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		parent := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracing.TraceHTTPRequest(parent, c.Request.Method, route)
		defer span.End()

		upgrade := c.GetHeader("Upgrade") == "websocket"
		span.SetAttributes(
			attribute.String("http.client_ip", c.ClientIP()),
			attribute.Bool("signal.websocket", upgrade),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		// Hijacked websocket connections report no body size.
		if !upgrade {
			span.SetAttributes(attribute.Int("http.response_size", c.Writer.Size()))
		}
		if v, ok := c.Get(ContextSessionID); ok {
			if sessionID, ok := v.(domain.SessionID); ok {
				span.SetAttributes(tracing.SessionIDKey.String(string(sessionID)))
			}
		}
		if peerID := c.GetString(ContextPeerID); peerID != "" {
			span.SetAttributes(tracing.PeerIDKey.String(peerID))
		}

		switch {
		case status >= http.StatusInternalServerError:
			span.SetStatus(codes.Error, c.Errors.String())
		case len(c.Errors) > 0:
			// Client mistakes are annotated but do not fail the span.
			span.AddEvent("request rejected", tracing.WithMessage(c.Errors.Last().Error()))
		}
	}
}
