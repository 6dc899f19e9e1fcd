package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRequiresConfig(t *testing.T) {
	tel, err := New(context.Background(), nil, zap.NewNop())

	require.Error(t, err)
	assert.Nil(t, tel)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""

	tel, err := New(context.Background(), &cfg, zap.NewNop())

	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNewDisabledIsNoop(t *testing.T) {
	cfg := DefaultConfig()

	tel, err := New(context.Background(), &cfg, zap.NewNop())

	require.NoError(t, err)
	require.NotNil(t, tel)
	assert.False(t, tel.Degraded())

	// Accessors fall through to the global providers without panicking.
	tracer := tel.Tracer("chaind.test")
	_, span := tracer.Start(context.Background(), "noop")
	span.End()

	meter := tel.Meter("chaind.test")
	counter, err := meter.Int64Counter("chaind.test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNilTelemetryAccessors(t *testing.T) {
	var tel *Telemetry

	assert.NotNil(t, tel.Tracer("chaind.test"))
	assert.NotNil(t, tel.Meter("chaind.test"))
	assert.False(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNewDefaultsLogger(t *testing.T) {
	cfg := DefaultConfig()

	tel, err := New(context.Background(), &cfg, nil)

	require.NoError(t, err)
	require.NotNil(t, tel)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
