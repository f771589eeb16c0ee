package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup_UnsupportedProtocol(t *testing.T) {
	_, err := Setup(context.Background(), Options{Protocol: "zipkin"})
	assert.Error(t, err)
}

func TestSetup_HTTPExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	// The exporter connects lazily, so no collector is needed to set up.
	shutdown, err := Setup(context.Background(), Options{
		Endpoint: "127.0.0.1:4318",
		Protocol: "HTTP",
		Insecure: true,
		Version:  "test",
	})
	require.NoError(t, err)
	assert.NotEqual(t, prev, otel.GetTracerProvider())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}
