package sqlitecold

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/storage"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	var store, err = Open(filepath.Join(t.TempDir(), "cold.db"), 1)
	require.NoError(t, err)
	defer store.Close()

	var ctx = context.Background()
	var doc = storage.StoredDocument{
		State:         schema.VObject(map[string]schema.Value{"title": schema.VString("hi")}),
		Version:       3,
		SchemaVersion: 1,
		SavedAt:       time.Unix(1000, 0),
	}
	require.NoError(t, store.Save(ctx, "doc-1", doc))

	var loaded, ok, lerr = store.Load(ctx, "doc-1")
	require.NoError(t, lerr)
	require.True(t, ok)
	require.Equal(t, int64(3), loaded.Version)
	var title, _ = loaded.State.Field("title").AsString()
	require.Equal(t, "hi", title)
}

func TestLoadAbsentReturnsNotOK(t *testing.T) {
	var store, err = Open(filepath.Join(t.TempDir(), "cold.db"), 1)
	require.NoError(t, err)
	defer store.Close()

	var _, ok, lerr = store.Load(context.Background(), "missing")
	require.NoError(t, lerr)
	require.False(t, ok)
}

func TestLoadSchemaVersionMismatchTreatedAsAbsent(t *testing.T) {
	var store, err = Open(filepath.Join(t.TempDir(), "cold.db"), 2)
	require.NoError(t, err)
	defer store.Close()

	var ctx = context.Background()
	require.NoError(t, store.Save(ctx, "doc-1", storage.StoredDocument{
		State: schema.Null(), Version: 1, SchemaVersion: 1, SavedAt: time.Unix(0, 0),
	}))

	var _, ok, lerr = store.Load(ctx, "doc-1")
	require.NoError(t, lerr)
	require.False(t, ok)
}
