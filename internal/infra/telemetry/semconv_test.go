package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenerAttributesOmitEmptyReason(t *testing.T) {
	attrs := ListenerAttributes("dev", ItemEvent, "")
	require.Len(t, attrs, 2)

	attrs = ListenerAttributes("dev", ItemStatus, "queue_full")
	require.Len(t, attrs, 3)
	require.Equal(t, "queue_full", attrs[2].Value.AsString())
}

func TestEnvironmentDefaultsAndNormalises(t *testing.T) {
	SetEnvironment("")
	require.Equal(t, "development", Environment())

	SetEnvironment("  PROD ")
	require.Equal(t, "prod", Environment())
	SetEnvironment("")
}

func TestDisabledProviderUsesGlobalMeter(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, provider.Meter("engine"))
	require.NoError(t, provider.Shutdown(context.Background()))
	require.Equal(t, "test", Environment())
	SetEnvironment("")
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
