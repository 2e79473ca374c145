package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func Test_WithSpanError(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	_, span := tp.Tracer("test").Start(context.Background(), "failing")
	err := WithSpanError(span, errors.New("boom"))
	span.End()

	_, other := tp.Tracer("test").Start(context.Background(), "ok")
	require.NoError(t, WithSpanError(other, nil))
	other.End()

	require.EqualError(t, err, "boom")

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Equal(t, "boom", spans[0].Status.Description)
	require.Equal(t, codes.Unset, spans[1].Status.Code)
}
