package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTracedRouter(t *testing.T) (*gin.Engine, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	router := gin.New()
	router.Use(RequestID())
	router.Use(Tracing(TracingConfig{ServiceName: "clinicdesk-test", TracerProvider: tp})...)
	router.GET("/api/v1/documents/:type/next-number", func(c *gin.Context) {
		assert.True(t, trace.SpanContextFromContext(c.Request.Context()).IsValid())
		c.Status(http.StatusOK)
	})
	return router, exporter
}

func spanAttrs(span tracetest.SpanStub) map[attribute.Key]attribute.Value {
	attrs := make(map[attribute.Key]attribute.Value, len(span.Attributes))
	for _, kv := range span.Attributes {
		attrs[kv.Key] = kv.Value
	}
	return attrs
}

func TestTracing(t *testing.T) {
	t.Run("records a server span tagged with the request", func(t *testing.T) {
		router, exporter := setupTracedRouter(t)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/payment/next-number", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		req.Header.Set(TenantHeaderKey, "6f1c2c1e-9a4b-4c1e-8f0a-3e2d1c0b9a87")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind)
		assert.Contains(t, spans[0].Name, "/api/v1/documents/:type/next-number")

		attrs := spanAttrs(spans[0])
		assert.Equal(t, "req-42", attrs["request_id"].AsString())
		assert.Equal(t, "6f1c2c1e-9a4b-4c1e-8f0a-3e2d1c0b9a87", attrs["tenant_id"].AsString())
		assert.Equal(t, "payment", attrs["document_type"].AsString())
	})

	t.Run("malformed tenant header is not recorded", func(t *testing.T) {
		router, exporter := setupTracedRouter(t)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/invoice/next-number", nil)
		req.Header.Set(TenantHeaderKey, "<script>")
		router.ServeHTTP(httptest.NewRecorder(), req)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		_, ok := spanAttrs(spans[0])["tenant_id"]
		assert.False(t, ok)
	})

	t.Run("continues an incoming trace", func(t *testing.T) {
		router, exporter := setupTracedRouter(t)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/payment/next-number", nil)
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		router.ServeHTTP(httptest.NewRecorder(), req)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext.TraceID().String())
	})
}
