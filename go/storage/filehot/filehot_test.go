package filehot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docsync/engine/go/document"
	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/storage"
)

func TestAppendEntriesTruncate(t *testing.T) {
	var store, err = New(t.TempDir())
	require.NoError(t, err)
	var ctx = context.Background()

	for v := int64(1); v <= 3; v++ {
		require.NoError(t, store.Append(ctx, "doc-1", storage.WalEntry{
			Transaction: document.Transaction{ID: "t", Ops: []schema.Operation{
				{Kind: "number.set", Path: schema.Path{"count"}, Payload: schema.VNumber(float64(v))},
			}},
			Version: v,
		}))
	}

	var entries, eerr = store.Entries(ctx, "doc-1", 1)
	require.NoError(t, eerr)
	require.Len(t, entries, 2)
	require.Equal(t, int64(2), entries[0].Version)
	require.Equal(t, int64(3), entries[1].Version)

	require.NoError(t, store.Truncate(ctx, "doc-1", 2))
	var after, aerr = store.Entries(ctx, "doc-1", 0)
	require.NoError(t, aerr)
	require.Len(t, after, 1)
	require.Equal(t, int64(3), after[0].Version)
}

func TestEntriesOnMissingDocumentReturnsEmpty(t *testing.T) {
	var store, err = New(t.TempDir())
	require.NoError(t, err)
	var entries, eerr = store.Entries(context.Background(), "nope", 0)
	require.NoError(t, eerr)
	require.Empty(t, entries)
}
