// Package filehot implements storage.HotStorage as one append-only,
// JSON-lines file per document, grounded on the WAL file-handling idiom
// found in the retrieved pack (buffered append-only writer, JSON decoder
// tolerant of a truncated/corrupt tail) — see
// _examples/straga-Mimir_lite/nornicdb/pkg/storage/wal.go.
package filehot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/docsync/engine/go/storage"
)

// Store is a storage.HotStorage backed by one file per documentId under
// dir, named "<documentId>.wal".
type Store struct {
	mu  sync.Mutex
	dir string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filehot: create dir %q: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(documentID string) string {
	return filepath.Join(s.dir, urlEscape(documentID)+".wal")
}

// urlEscape keeps documentId-derived filenames filesystem-safe without
// pulling in net/url for a single replace pass.
func urlEscape(id string) string {
	var out = make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		var c = id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (s *Store) Append(_ context.Context, documentID string, entry storage.WalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f, err = os.OpenFile(s.path(documentID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("filehot: open %q: %w", documentID, err)
	}
	defer f.Close()

	var w = bufio.NewWriter(f)
	if err := json.NewEncoder(w).Encode(entry); err != nil {
		return fmt.Errorf("filehot: encode entry for %q: %w", documentID, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("filehot: flush %q: %w", documentID, err)
	}
	return f.Sync()
}

func (s *Store) Entries(_ context.Context, documentID string, sinceVersion int64) ([]storage.WalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f, err = os.Open(s.path(documentID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filehot: open %q: %w", documentID, err)
	}
	defer f.Close()

	var out []storage.WalEntry
	var dec = json.NewDecoder(f)
	for {
		var entry storage.WalEntry
		if err := dec.Decode(&entry); err != nil {
			if err == io.EOF {
				break
			}
			break // tolerate a truncated/corrupt tail, as the teacher's WAL reader does
		}
		if entry.Version > sinceVersion {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Store) Truncate(_ context.Context, documentID string, upToVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var path = s.path(documentID)
	var f, err = os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("filehot: open %q: %w", documentID, err)
	}

	var keep []storage.WalEntry
	var dec = json.NewDecoder(f)
	for {
		var entry storage.WalEntry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		if entry.Version > upToVersion {
			keep = append(keep, entry)
		}
	}
	f.Close()

	var tmpPath = path + ".tmp"
	var tmp, terr = os.Create(tmpPath)
	if terr != nil {
		return fmt.Errorf("filehot: create temp for %q: %w", documentID, terr)
	}
	var w = bufio.NewWriter(tmp)
	var enc = json.NewEncoder(w)
	for _, entry := range keep {
		if err := enc.Encode(entry); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("filehot: rewrite %q: %w", documentID, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("filehot: flush rewrite %q: %w", documentID, err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("filehot: rename rewrite %q: %w", documentID, err)
	}
	return nil
}

var _ storage.HotStorage = (*Store)(nil)
