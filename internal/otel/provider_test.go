package otel

import (
	"context"
	"testing"

	"github.com/mrzor/fifomon/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitProvider_DisabledWithoutEndpoint(t *testing.T) {
	p, err := InitProvider(&config.OTELConfig{ServiceName: "fifomon"}, nil)
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	_, span := p.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitProvider_NilConfig(t *testing.T) {
	p, err := InitProvider(nil, nil)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
}

func TestInitProvider_WithEndpoint(t *testing.T) {
	cfg := &config.OTELConfig{
		ServiceName:        "fifomon-test",
		ExporterEndpoint:   "127.0.0.1:4318",
		ResourceAttributes: "deployment.environment=test",
	}
	p, err := InitProvider(cfg, nil)
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	// Nothing was recorded, so shutdown does not need the collector.
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	p := NewProvider(tp)
	assert.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "fifomon.read")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "fifomon.read", spans[0].Name)
	assert.Equal(t, TracerName, spans[0].InstrumentationScope.Name)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}
