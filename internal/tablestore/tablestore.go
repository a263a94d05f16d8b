// Package tablestore persists the raw rows of ingested sheets on disk.
// Stores are immutable once written: re-ingesting a document replaces
// its row stores atomically instead of mutating them in place.
package tablestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Table is one sheet's worth of rows. Columns are the normalized
// header names; Rows hold raw cell text below the header.
type Table struct {
	DocumentID string     `json:"document_id"`
	Filename   string     `json:"filename"`
	SheetName  string     `json:"sheet_name"`
	Columns    []string   `json:"columns"`
	Rows       [][]string `json:"rows"`
}

// Store manages row-store files under a single data directory, one
// subdirectory per document.
type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating table store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

var refClean = regexp.MustCompile(`[^a-z0-9_\-]+`)

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = refClean.ReplaceAllString(s, "_")
	if s == "" {
		s = "sheet"
	}
	return s
}

// Ref is the stable key a saved table is addressed by.
func Ref(documentID, sheetName string) string {
	return sanitize(documentID) + "/" + sanitize(sheetName)
}

func (s *Store) path(ref string) string {
	return filepath.Join(s.dir, filepath.FromSlash(ref)+".json")
}

// Save writes a table to disk and returns its ref. The write goes
// through a temp file and a rename so readers never observe a partial
// store.
func (s *Store) Save(t Table) (string, error) {
	ref := Ref(t.DocumentID, t.SheetName)
	path := s.path(ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating document dir: %w", err)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encoding table %s: %w", ref, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".store-*")
	if err != nil {
		return "", fmt.Errorf("creating temp store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("writing table %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing temp store: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("publishing table %s: %w", ref, err)
	}
	return ref, nil
}

// Load reads a full table back by ref.
func (s *Store) Load(ref string) (Table, error) {
	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		return Table{}, fmt.Errorf("reading table %s: %w", ref, err)
	}
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("decoding table %s: %w", ref, err)
	}
	return t, nil
}

// LoadBounded loads a table but truncates it to at most maxRows data
// rows, for scans that must stay cheap on very large sheets.
func (s *Store) LoadBounded(ref string, maxRows int) (Table, error) {
	t, err := s.Load(ref)
	if err != nil {
		return Table{}, err
	}
	if maxRows > 0 && len(t.Rows) > maxRows {
		t.Rows = t.Rows[:maxRows]
	}
	return t, nil
}

// DeleteDocument removes every row store belonging to a document.
func (s *Store) DeleteDocument(documentID string) error {
	dir := filepath.Join(s.dir, sanitize(documentID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing document stores: %w", err)
	}
	return nil
}

// Sweep removes leftover temp files and any document directory the
// keep predicate rejects. It is meant to run on a schedule, not on the
// request path.
func (s *Store) Sweep(keep func(documentID string) bool) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("listing table store dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			if strings.HasPrefix(e.Name(), ".store-") {
				os.Remove(filepath.Join(s.dir, e.Name()))
			}
			continue
		}
		docDir := filepath.Join(s.dir, e.Name())
		files, err := os.ReadDir(docDir)
		if err == nil {
			for _, f := range files {
				if strings.HasPrefix(f.Name(), ".store-") {
					os.Remove(filepath.Join(docDir, f.Name()))
				}
			}
		}
		if keep != nil && !keep(e.Name()) {
			if err := os.RemoveAll(docDir); err != nil {
				return fmt.Errorf("sweeping document %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}
