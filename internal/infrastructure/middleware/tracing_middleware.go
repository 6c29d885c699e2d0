package middleware

import (
	"time"

	"meshcall/pkg/logger"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const RequestIDHeader = "X-Request-ID"

// TracingMiddleware opens a span per request and stores the request and
// trace ids in the request context for the context logger.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, requestID)

		ctx = logger.WithRequestID(ctx, requestID)
		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}

		span.SetAttributes(
			attribute.String("http.request_id", requestID),
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.user_agent", c.Request.UserAgent()),
			attribute.String("http.remote_addr", c.ClientIP()),
		)

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int("http.response_size", c.Writer.Size()),
		)

		if c.Writer.Status() >= 500 {
			tracing.SetSpanStatus(ctx, codes.Error, c.Errors.String())
		} else {
			tracing.SetSpanStatus(ctx, codes.Ok, "")
		}
	}
}

// RequestLogMiddleware logs one line per request with the ids from context.
func RequestLogMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cl.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
