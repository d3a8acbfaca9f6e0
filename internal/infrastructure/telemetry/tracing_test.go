package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/clinicdesk/backend/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useRecorder installs a recording tracer provider as the global one for
// the test
func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestStartServiceSpan(t *testing.T) {
	recorder := useRecorder(t)

	ctx, span := telemetry.StartServiceSpan(context.Background(), "allocator", "create_document",
		telemetry.SpanAttrDocumentType, "payment",
		telemetry.SpanAttrAttempts, 3,
		telemetry.SpanAttrRehearsal, true,
		42, "skipped",
	)
	assert.Equal(t, span.SpanContext(), trace.SpanContextFromContext(ctx))
	assert.Equal(t, span, telemetry.SpanFromContext(ctx))
	telemetry.SetAttributes(span, telemetry.SpanAttrSequence, int64(1489))
	telemetry.AddEvent(span, "allocation_retry", telemetry.SpanAttrAttempts, 1)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "allocator.create_document", spans[0].Name())
	assert.Equal(t, trace.SpanKindInternal, spans[0].SpanKind())

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "payment", attrs[telemetry.SpanAttrDocumentType].AsString())
	assert.EqualValues(t, 3, attrs[telemetry.SpanAttrAttempts].AsInt64())
	assert.True(t, attrs[telemetry.SpanAttrRehearsal].AsBool())
	assert.EqualValues(t, 1489, attrs[telemetry.SpanAttrSequence].AsInt64())
	assert.Len(t, attrs, 4)

	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "allocation_retry", spans[0].Events()[0].Name)
}

func TestRecordError(t *testing.T) {
	recorder := useRecorder(t)

	_, span := telemetry.StartServiceSpan(context.Background(), "repair", "run")
	telemetry.RecordError(span, nil)
	telemetry.RecordError(span, errors.New("namespace changed"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "namespace changed", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestSpanHelpers_NilSpan(t *testing.T) {
	// Should not panic
	telemetry.SetAttributes(nil, telemetry.SpanAttrModified, 1)
	telemetry.RecordError(nil, errors.New("boom"))
	telemetry.AddEvent(nil, "event")
}
