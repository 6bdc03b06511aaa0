package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientIDFromContext(t *testing.T) {
	ctx := WithClientID(context.Background(), "client-a")
	require.Equal(t, "client-a", ClientIDFromContext(ctx))
}

func TestClientIDFromContext_DefaultsToUnknown(t *testing.T) {
	require.Equal(t, "unknown", ClientIDFromContext(context.Background()))
	require.Equal(t, "unknown", ClientIDFromContext(WithClientID(context.Background(), "")))
}
