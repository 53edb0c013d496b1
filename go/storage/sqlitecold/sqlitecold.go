// Package sqlitecold implements storage.ColdStorage over a local sqlite
// database, grounded on the teacher's sqlite usage
// (go/flow/builds.go: database/sql + the mattn/go-sqlite3 driver
// registered for its side effect).
package sqlitecold

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/docsync/engine/go/schema"
	"github.com/docsync/engine/go/storage"
)

// Store is a storage.ColdStorage backed by a single sqlite file.
type Store struct {
	db            *sql.DB
	schemaVersion int
}

// Open opens (creating if absent) a sqlite database at path and ensures
// its schema exists. schemaVersion is this deployment's current schema
// version: a row saved under a different version is treated as absent on
// Load, per spec.md §9's Open Question decision.
func Open(path string, schemaVersion int) (*Store, error) {
	var db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("sqlitecold: open %q: %w", path, err)
	}
	var s = &Store{db: db, schemaVersion: schemaVersion}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var _, err = s.db.Exec(`
CREATE TABLE IF NOT EXISTS documents (
	document_id    TEXT PRIMARY KEY,
	state_json     TEXT NOT NULL,
	version        INTEGER NOT NULL,
	schema_version INTEGER NOT NULL,
	saved_at       INTEGER NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("sqlitecold: migrate: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, documentID string) (storage.StoredDocument, bool, error) {
	var doc, found, schemaVersion, err = s.loadRow(ctx, documentID)
	if err != nil || !found {
		return storage.StoredDocument{}, found, err
	}
	if schemaVersion != s.schemaVersion {
		log.WithFields(log.Fields{
			"document": documentID, "storedSchemaVersion": schemaVersion, "currentSchemaVersion": s.schemaVersion,
		}).Warn("sqlitecold: stored schema_version mismatch, treating document as absent")
		return storage.StoredDocument{}, false, nil
	}
	return doc, true, nil
}

// LoadIgnoringSchemaVersion loads a document regardless of schema_version,
// for operational tooling (cmd/docsync-inspect) that wants to inspect a
// snapshot without first knowing its schema version.
func (s *Store) LoadIgnoringSchemaVersion(ctx context.Context, documentID string) (storage.StoredDocument, bool, error) {
	var doc, found, _, err = s.loadRow(ctx, documentID)
	return doc, found, err
}

func (s *Store) loadRow(ctx context.Context, documentID string) (storage.StoredDocument, bool, int, error) {
	var row = s.db.QueryRowContext(ctx,
		`SELECT state_json, version, schema_version, saved_at FROM documents WHERE document_id = ?`,
		documentID)

	var stateJSON string
	var version int64
	var schemaVersion int
	var savedAt int64
	var err = row.Scan(&stateJSON, &version, &schemaVersion, &savedAt)
	if err == sql.ErrNoRows {
		return storage.StoredDocument{}, false, 0, nil
	}
	if err != nil {
		return storage.StoredDocument{}, false, 0, fmt.Errorf("sqlitecold: load %q: %w", documentID, err)
	}

	var state schema.Value
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return storage.StoredDocument{}, false, 0, fmt.Errorf("sqlitecold: decode state for %q: %w", documentID, err)
	}
	return storage.StoredDocument{
		State:         state,
		Version:       version,
		SchemaVersion: schemaVersion,
		SavedAt:       time.Unix(savedAt, 0),
	}, true, schemaVersion, nil
}

func (s *Store) Save(ctx context.Context, documentID string, doc storage.StoredDocument) error {
	var stateJSON, err = json.Marshal(doc.State)
	if err != nil {
		return fmt.Errorf("sqlitecold: encode state for %q: %w", documentID, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO documents (document_id, state_json, version, schema_version, saved_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(document_id) DO UPDATE SET
	state_json = excluded.state_json,
	version = excluded.version,
	schema_version = excluded.schema_version,
	saved_at = excluded.saved_at`,
		documentID, string(stateJSON), doc.Version, doc.SchemaVersion, doc.SavedAt.Unix())
	if err != nil {
		return fmt.Errorf("sqlitecold: save %q: %w", documentID, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

var _ storage.ColdStorage = (*Store)(nil)
