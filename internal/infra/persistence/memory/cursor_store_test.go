package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/internal/domain/schema"
)

func TestCursorStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewCursorStore()

	_, ok, err := store.Load(ctx, "client-a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Save(ctx, "client-a", schema.Cursor{Timetoken: 42, Region: 3}))
	record, ok, err := store.Load(ctx, " client-a ")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schema.Cursor{Timetoken: 42, Region: 3}, record.Cursor)
	require.False(t, record.UpdatedAt.IsZero())

	require.NoError(t, store.Delete(ctx, "client-a"))
	_, ok, err = store.Load(ctx, "client-a")
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, store.Save(ctx, "  ", schema.Cursor{Timetoken: 1}))
	require.NoError(t, store.Close())
}
