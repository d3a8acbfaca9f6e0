package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig holds configuration for the tracing middleware.
type TracingConfig struct {
	ServiceName string
	// TracerProvider defaults to the global provider
	TracerProvider trace.TracerProvider
}

// Tracing returns the otelgin middleware followed by a handler that tags the
// request span with request_id, tenant_id and document_type. Incoming W3C
// traceparent headers are continued. Mount it after
// RequestID and before the logging middleware so request logs carry the
// trace id.
func Tracing(cfg TracingConfig) []gin.HandlerFunc {
	opts := []otelgin.Option{
		otelgin.WithPropagators(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		)),
	}
	if cfg.TracerProvider != nil {
		opts = append(opts, otelgin.WithTracerProvider(cfg.TracerProvider))
	}
	return []gin.HandlerFunc{
		otelgin.Middleware(cfg.ServiceName, opts...),
		enrichSpan,
	}
}

func enrichSpan(c *gin.Context) {
	span := trace.SpanFromContext(c.Request.Context())
	if span.IsRecording() {
		if requestID := GetRequestID(c); requestID != "" {
			span.SetAttributes(attribute.String("request_id", truncate(requestID, 128)))
		}
		// only well-formed tenant ids reach the span
		if tenantID, err := uuid.Parse(c.GetHeader(TenantHeaderKey)); err == nil {
			span.SetAttributes(attribute.String("tenant_id", tenantID.String()))
		}
		if docType := c.Param("type"); docType != "" {
			span.SetAttributes(attribute.String("document_type", truncate(docType, 32)))
		}
	}
	c.Next()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
