// Package storage declares the cold (snapshot) and hot (WAL) storage
// interfaces the Engine depends on (spec.md §6.3). Concrete backends live
// in the sqlitecold and filehot subpackages; the interfaces here are the
// seam the Engine tests against with in-memory fakes.
package storage

import (
	"context"
	"time"

	"github.com/docsync/engine/go/document"
	"github.com/docsync/engine/go/schema"
)

// StoredDocument is a durable document snapshot.
type StoredDocument struct {
	State         schema.Value
	Version       int64
	SchemaVersion int
	SavedAt       time.Time
}

// ColdStorage persists document snapshots keyed by documentId.
//
// Load's ok=false return also covers a schema_version mismatch: per the
// Open Question in spec.md §9, a mismatched schema version is treated as
// absent rather than attempting a migration.
type ColdStorage interface {
	Load(ctx context.Context, documentID string) (doc StoredDocument, ok bool, err error)
	Save(ctx context.Context, documentID string, doc StoredDocument) error
}

// WalEntry is one hot-storage record: an accepted transaction at its
// assigned version.
type WalEntry struct {
	Transaction document.Transaction
	Version     int64
	Timestamp   int64
}

// HotStorage is the write-ahead log the engine appends accepted
// transactions to and truncates after each successful snapshot.
type HotStorage interface {
	Append(ctx context.Context, documentID string, entry WalEntry) error
	Entries(ctx context.Context, documentID string, sinceVersion int64) ([]WalEntry, error)
	Truncate(ctx context.Context, documentID string, upToVersion int64) error
}
