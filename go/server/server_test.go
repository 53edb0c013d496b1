package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docsync/engine/go/document"
	"github.com/docsync/engine/go/internal/jsonassert"
	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/storage"
)

func serverTestSchema() schema.Primitive {
	return schema.NewStruct(map[string]schema.Primitive{
		"title": schema.NewString(),
		"count": schema.NewNumber(),
	}, []string{"title", "count"})
}

type memCold struct {
	mu   sync.Mutex
	docs map[string]storage.StoredDocument
}

func newMemCold() *memCold { return &memCold{docs: map[string]storage.StoredDocument{}} }

func (m *memCold) Load(_ context.Context, documentID string) (storage.StoredDocument, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var d, ok = m.docs[documentID]
	return d, ok, nil
}

func (m *memCold) Save(_ context.Context, documentID string, doc storage.StoredDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[documentID] = doc
	return nil
}

type memHot struct {
	mu      sync.Mutex
	entries map[string][]storage.WalEntry
}

func newMemHot() *memHot { return &memHot{entries: map[string][]storage.WalEntry{}} }

func (m *memHot) Append(_ context.Context, documentID string, entry storage.WalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[documentID] = append(m.entries[documentID], entry)
	return nil
}

func (m *memHot) Entries(_ context.Context, documentID string, since int64) ([]storage.WalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.WalEntry
	for _, e := range m.entries[documentID] {
		if e.Version > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memHot) Truncate(_ context.Context, documentID string, upTo int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []storage.WalEntry
	for _, e := range m.entries[documentID] {
		if e.Version > upTo {
			kept = append(kept, e)
		}
	}
	m.entries[documentID] = kept
	return nil
}

func titleSetTx(id, title string) document.Transaction {
	return document.Transaction{ID: id, Ops: []schema.Operation{
		{Kind: "string.set", Path: schema.Path{"title"}, Payload: schema.VString(title)},
	}}
}

// Scenario-adjacent: submit assigns strictly ascending versions and
// broadcasts to subscribers in order (spec.md §8.1 invariant 9).
func TestSubmitAssignsVersionsAndBroadcasts(t *testing.T) {
	var doc = New(serverTestSchema(), nil, 0, newSeqIDGenServer("s"), func() int64 { return 0 })
	var sub = doc.Subscribe()

	var r1 = doc.Submit(titleSetTx("t1", "a"))
	require.True(t, r1.Success)
	require.Equal(t, int64(1), r1.Version)

	var r2 = doc.Submit(titleSetTx("t2", "b"))
	require.True(t, r2.Success)
	require.Equal(t, int64(2), r2.Version)

	var m1 = <-sub.Messages
	require.Equal(t, int64(1), m1.Version)
	var m2 = <-sub.Messages
	require.Equal(t, int64(2), m2.Version)
}

func TestSubmitDuplicateIDRejected(t *testing.T) {
	var doc = New(serverTestSchema(), nil, 0, newSeqIDGenServer("s"), func() int64 { return 0 })
	require.True(t, doc.Submit(titleSetTx("dup", "a")).Success)
	var r = doc.Submit(titleSetTx("dup", "b"))
	require.False(t, r.Success)
	require.Equal(t, "duplicate", r.Reason)
}

func newSeqIDGenServer(prefix string) func() string {
	var n int
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func engineTestConfig(cold storage.ColdStorage, hot storage.HotStorage) Config {
	return Config{
		SchemaFor: func(documentID string) (schema.Primitive, any) {
			return serverTestSchema(), nil
		},
		Cold:                cold,
		Hot:                 hot,
		SchemaVersion:       1,
		IDGen:               newSeqIDGenServer("e"),
		NowFn:               func() int64 { return 0 },
		MaxIdleTime:         50 * time.Millisecond,
		IdleGCInterval:      10 * time.Millisecond,
		SnapshotTxThreshold: 1000,
		SnapshotInterval:    time.Hour,
	}
}

// Scenario 6 (spec.md §8.3): idle eviction followed by restore from cold
// storage with documents_restored incrementing.
func TestIdleEvictionAndRestore(t *testing.T) {
	var cold = newMemCold()
	var hot = newMemHot()
	var cfg = engineTestConfig(cold, hot)
	var engine = New(cfg)
	defer engine.Shutdown(context.Background())

	var ctx = context.Background()
	var result, err = engine.Submit(ctx, "doc-X", titleSetTx("tx-1", "hello"))
	require.NoError(t, err)
	require.True(t, result.Success)

	require.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		_, present := engine.entries["doc-X"]
		return !present
	}, time.Second, 5*time.Millisecond)

	var stored, ok, lerr = cold.Load(ctx, "doc-X")
	require.NoError(t, lerr)
	require.True(t, ok)
	require.Equal(t, int64(1), stored.Version)

	var instance, gerr = engine.GetOrCreate(ctx, "doc-X")
	require.NoError(t, gerr)
	var snap, version, serr = instance.GetSnapshot()
	require.NoError(t, serr)
	require.Equal(t, int64(1), version)
	var title, _ = snap.Field("title").AsString()
	require.Equal(t, "hello", title)
}

func TestEngineReplaysWalOnRestart(t *testing.T) {
	var cold = newMemCold()
	var hot = newMemHot()
	var cfg = engineTestConfig(cold, hot)

	var engine1 = New(cfg)
	var ctx = context.Background()
	_, err := engine1.Submit(ctx, "doc-Y", titleSetTx("tx-1", "first"))
	require.NoError(t, err)
	// Simulate a crash: stop the background fiber without the clean
	// shutdown snapshot, so the WAL entry is still the only record.
	close(engine1.stopCh)
	engine1.wg.Wait()

	var engine2 = New(cfg)
	defer engine2.Shutdown(ctx)
	var instance, gerr = engine2.GetOrCreate(ctx, "doc-Y")
	require.NoError(t, gerr)
	var snap, _, serr = instance.GetSnapshot()
	require.NoError(t, serr)
	var title, _ = snap.Field("title").AsString()
	require.Equal(t, "first", title)
}

// TestSnapshotJSONMatchesExpectedDocument exercises the engine's whole
// snapshot against a literal JSON document rather than field-by-field
// checks, so a mismatch reports which field diverged.
func TestSnapshotJSONMatchesExpectedDocument(t *testing.T) {
	var doc = New(serverTestSchema(), nil, 0, newSeqIDGenServer("s"), func() int64 { return 0 })
	require.True(t, doc.Submit(titleSetTx("t1", "hello")).Success)

	var snap, _, err = doc.GetSnapshot()
	require.NoError(t, err)

	var expected = map[string]any{"title": "hello"}
	var ok, diff = jsonassert.Equal(expected, snap)
	require.True(t, ok, diff)
}
