package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
)

func TestInitWithoutEndpointKeepsGlobals(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Init(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown(context.Background())
	require.Equal(t, before, otel.GetTracerProvider())
}
