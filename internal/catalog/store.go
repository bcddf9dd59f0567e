// Package catalog is the offline-first card catalogue: a local sqlite
// store of canonical records, an in-memory normalized-name index, and
// the fuzzy resolution ladder that maps OCR output onto it.
package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS cards (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	name_normalized TEXT NOT NULL,
	lang            TEXT NOT NULL DEFAULT 'en',
	layout          TEXT NOT NULL DEFAULT 'normal',
	faces           TEXT NOT NULL DEFAULT '[]',
	updated_at      TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_cards_name_normalized ON cards(name_normalized);

CREATE TABLE IF NOT EXISTS metadata (
	key        TEXT PRIMARY KEY,
	value      TEXT,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Card is one canonical catalogue record.
type Card struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Lang   string   `json:"lang"`
	Layout string   `json:"layout"`
	Faces  []string `json:"faces,omitempty"`
}

// DisplayName is the canonical presentation name under the card's
// layout: multi-face cards surface the front face, split cards keep
// the joined form.
func (c Card) DisplayName() string {
	switch c.Layout {
	case "transform", "modal_dfc", "adventure":
		if len(c.Faces) > 0 && c.Faces[0] != "" {
			return c.Faces[0]
		}
		if i := strings.Index(c.Name, " // "); i > 0 {
			return c.Name[:i]
		}
	}
	return c.Name
}

// Store wraps the sqlite catalogue and its in-memory index.
type Store struct {
	db *sql.DB

	mu      sync.RWMutex
	names   []string          // sorted-insertion normalized corpus
	byNorm  map[string][]Card // normalized name -> records
	created time.Time
}

// Open opens (creating if needed) the catalogue at |path| and loads
// the in-memory index.
func Open(path string) (*Store, error) {
	var db, err = sql.Open("sqlite3", path+"?_busy_timeout=10000")
	if err != nil {
		return nil, fmt.Errorf("opening catalogue database: %w", err)
	}
	if _, err = db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing catalogue schema: %w", err)
	}

	var s = &Store{db: db, created: time.Now()}
	if err = s.reloadIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping() error { return s.db.Ping() }

// bulkCard is the subset of a bulk-export record the store persists.
type bulkCard struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Lang      string `json:"lang"`
	Layout    string `json:"layout"`
	CardFaces []struct {
		Name string `json:"name"`
	} `json:"card_faces"`
}

// HydrateFromBulk replaces the catalogue contents with the records of
// a bulk JSON export and records the snapshot identifier.
func (s *Store) HydrateFromBulk(bulkPath, snapshot string) error {
	var raw, err = os.ReadFile(bulkPath)
	if err != nil {
		return fmt.Errorf("reading bulk export: %w", err)
	}
	var cards []bulkCard
	if err = json.Unmarshal(raw, &cards); err != nil {
		return fmt.Errorf("decoding bulk export: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning hydrate transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.Exec("DELETE FROM cards"); err != nil {
		return fmt.Errorf("clearing catalogue: %w", err)
	}
	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO cards(id, name, name_normalized, lang, layout, faces) VALUES(?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range cards {
		var faces []string
		for _, f := range c.CardFaces {
			faces = append(faces, f.Name)
		}
		facesJSON, _ := json.Marshal(faces)

		var lang = c.Lang
		if lang == "" {
			lang = "en"
		}
		var layout = c.Layout
		if layout == "" {
			layout = "normal"
		}
		if _, err = stmt.Exec(c.ID, c.Name, NormalizeName(c.Name), lang, layout, string(facesJSON)); err != nil {
			return fmt.Errorf("inserting card %q: %w", c.Name, err)
		}
	}

	if _, err = tx.Exec(
		"INSERT OR REPLACE INTO metadata(key, value, updated_at) VALUES('snapshot', ?, CURRENT_TIMESTAMP)",
		snapshot); err != nil {
		return fmt.Errorf("recording snapshot: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing hydrate transaction: %w", err)
	}

	log.WithFields(log.Fields{"cards": len(cards), "snapshot": snapshot}).
		Info("hydrated catalogue from bulk export")

	return s.reloadIndex()
}

// Snapshot returns the identifier of the loaded bulk export, or "".
func (s *Store) Snapshot() string {
	var value string
	var err = s.db.QueryRow("SELECT value FROM metadata WHERE key = 'snapshot'").Scan(&value)
	if err != nil {
		return ""
	}
	return value
}

// AllNormalizedNames returns the normalized corpus for fuzzy scoring.
// Callers must not mutate the returned slice.
func (s *Store) AllNormalizedNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.names
}

// LookupExact returns the records matching |name|, case-insensitively
// when requested. Matching is over normalized names, so diacritic and
// punctuation variants of the canonical name also resolve.
func (s *Store) LookupExact(name string, caseInsensitive bool) []Card {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if caseInsensitive {
		return append([]Card(nil), s.byNorm[NormalizeName(name)]...)
	}
	var out []Card
	for _, c := range s.byNorm[NormalizeName(name)] {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// lookupNormalized returns the records indexed under an
// already-normalized name.
func (s *Store) lookupNormalized(norm string) []Card {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byNorm[norm]
}

// Count reports the number of catalogue records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	for _, cards := range s.byNorm {
		n += len(cards)
	}
	return n
}

func (s *Store) reloadIndex() error {
	var rows, err = s.db.Query(
		"SELECT id, name, name_normalized, lang, layout, faces FROM cards WHERE lang = 'en'")
	if err != nil {
		return fmt.Errorf("loading catalogue index: %w", err)
	}
	defer rows.Close()

	var names []string
	var byNorm = make(map[string][]Card)
	for rows.Next() {
		var c Card
		var norm, facesJSON string
		if err = rows.Scan(&c.ID, &c.Name, &norm, &c.Lang, &c.Layout, &facesJSON); err != nil {
			return fmt.Errorf("scanning catalogue row: %w", err)
		}
		if err = json.Unmarshal([]byte(facesJSON), &c.Faces); err != nil {
			c.Faces = nil
		}
		if _, seen := byNorm[norm]; !seen {
			names = append(names, norm)
		}
		byNorm[norm] = append(byNorm[norm], c)
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("iterating catalogue rows: %w", err)
	}

	s.mu.Lock()
	s.names, s.byNorm = names, byNorm
	s.mu.Unlock()
	return nil
}
