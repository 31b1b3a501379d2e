package observability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/velometry/velometry/internal/observability"
)

func newRecordingProvider() (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	return tp, recorder
}

func TestFilteringTracerProvider_SuppressesCacheTracer(t *testing.T) {
	t.Parallel()

	base, recorder := newRecordingProvider()
	fp := observability.NewFilteringTracerProvider(base)

	_, span := fp.Tracer("velometry.cache").Start(context.Background(), "get")
	span.End()

	assert.Empty(t, recorder.Ended(), "cache tracer spans should be suppressed")
}

func TestFilteringTracerProvider_SuppressesHotPathSpans(t *testing.T) {
	t.Parallel()

	base, recorder := newRecordingProvider()
	fp := observability.NewFilteringTracerProvider(base)

	tracer := fp.Tracer("velometry")

	_, hot := tracer.Start(context.Background(), "velometry.githost.page")
	hot.End()

	_, structural := tracer.Start(context.Background(), "velometry.collect.team")
	structural.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "velometry.collect.team", ended[0].Name())
}

func TestFilteringTracerProvider_PassesStructuralSpans(t *testing.T) {
	t.Parallel()

	base, recorder := newRecordingProvider()
	fp := observability.NewFilteringTracerProvider(base)

	_, span := fp.Tracer("velometry").Start(context.Background(), "velometry.collect.run")
	span.End()

	require.Len(t, recorder.Ended(), 1)
}
