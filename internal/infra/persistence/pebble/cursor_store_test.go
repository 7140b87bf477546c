package pebblestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/schema"
)

func TestCursorSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := Open(Options{DataDir: dir, Sync: true})
	require.NoError(t, err)

	_, ok, err := store.Load(ctx, "client-a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Save(ctx, "client-a", schema.Cursor{Timetoken: 17000000000000001, Region: 4}))
	require.NoError(t, store.Save(ctx, "client-b", schema.Cursor{Timetoken: 5}))
	require.NoError(t, store.Close())

	store, err = Open(Options{DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	record, ok, err := store.Load(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "client-a", record.Key)
	require.Equal(t, schema.Cursor{Timetoken: 17000000000000001, Region: 4}, record.Cursor)
	require.False(t, record.UpdatedAt.IsZero())

	require.NoError(t, store.Delete(ctx, "client-a"))
	_, ok, err = store.Load(ctx, "client-a")
	require.NoError(t, err)
	require.False(t, ok)

	record, ok, err = store.Load(ctx, "client-b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), record.Cursor.Timetoken)
}

func TestOpenAndSaveValidate(t *testing.T) {
	_, err := Open(Options{})
	require.Equal(t, errs.CodeInvalid, errs.KindOf(err))

	store, err := Open(Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	err = store.Save(context.Background(), " ", schema.Cursor{Timetoken: 1})
	require.Equal(t, errs.CodeInvalid, errs.KindOf(err))
}
