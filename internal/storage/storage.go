// Package storage persists the artist roster, the process config and the
// command history as small JSON documents under the data directory.
//
// Artists live in artists.json plus an optional artists/ directory of JSON
// fragments merged at load time. On id collision the principal document
// wins. An artist found only in a fragment is written back to that fragment,
// never copied into the principal document.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"project-mirage/internal/model"
)

type Storage struct {
	dataDir     string
	artistsDir  string
	artistsFile string
	configFile  string
	historyFile string
	log         *slog.Logger

	mu sync.Mutex
}

// New opens (and on first run seeds) the data directory.
func New(dataDir string, log *slog.Logger) (*Storage, error) {
	s := &Storage{
		dataDir:     dataDir,
		artistsDir:  filepath.Join(dataDir, "artists"),
		artistsFile: filepath.Join(dataDir, "artists.json"),
		configFile:  filepath.Join(dataDir, "config.json"),
		historyFile: filepath.Join(dataDir, "history.json"),
		log:         log,
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	seeds := map[string]string{
		s.artistsFile: "[]",
		s.configFile:  "{}",
		s.historyFile: "[]",
	}
	for path, seed := range seeds {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte(seed), 0644); err != nil {
				return nil, fmt.Errorf("failed to seed %s: %w", filepath.Base(path), err)
			}
		}
	}
	return s, nil
}

// DataDir returns the directory this store was opened on.
func (s *Storage) DataDir() string {
	return s.dataDir
}

// ListArtists returns the merged roster: principal document first, then
// fragment-only artists in directory walk order.
func (s *Storage) ListArtists() ([]model.Artist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged, _, err := s.listLocked()
	return merged, err
}

// GetArtist returns the artist or nil when the id is unknown.
func (s *Storage) GetArtist(id string) (*model.Artist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged, _, err := s.listLocked()
	if err != nil {
		return nil, err
	}
	for i := range merged {
		if merged[i].ID == id {
			a := merged[i]
			return &a, nil
		}
	}
	return nil, nil
}

// SaveArtist upserts. Updates go to wherever the artist currently lives;
// brand-new artists are appended to the principal document.
func (s *Storage) SaveArtist(a *model.Artist) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	principal, err := s.loadPrincipal()
	if err != nil {
		return err
	}
	for i := range principal {
		if principal[i].ID == a.ID {
			principal[i] = *a
			return WriteJSONAtomic(s.artistsFile, principal)
		}
	}

	if path := s.findFragment(a.ID); path != "" {
		return s.updateFragment(path, a)
	}

	principal = append(principal, *a)
	return WriteJSONAtomic(s.artistsFile, principal)
}

// RemoveArtist drops the artist from the principal document and from its
// fragment. Removing an unknown id is not an error.
func (s *Storage) RemoveArtist(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	principal, err := s.loadPrincipal()
	if err != nil {
		return err
	}
	kept := make([]model.Artist, 0, len(principal))
	removed := false
	for _, a := range principal {
		if a.ID == id {
			removed = true
			continue
		}
		kept = append(kept, a)
	}
	if removed {
		if err := WriteJSONAtomic(s.artistsFile, kept); err != nil {
			return err
		}
	}

	if path := s.findFragment(id); path != "" {
		return s.removeFromFragment(path, id)
	}
	return nil
}

// LoadConfig reads config.json over the defaults, so missing keys keep their
// default values. Callers validate separately.
func (s *Storage) LoadConfig() (*model.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := model.DefaultConfig()
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) {
		return cfg, nil
	}
	if err := json.Unmarshal(trimmed, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func (s *Storage) SaveConfig(cfg *model.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSONAtomic(s.configFile, cfg)
}

// AppendHistory adds one record to the history log, assigning id and
// timestamp when the caller left them empty.
func (s *Storage) AppendHistory(rec model.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadHistory()
	if err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	records = append(records, rec)
	return WriteJSONAtomic(s.historyFile, records)
}

// RecentHistory returns up to n records, newest first. n <= 0 means all.
func (s *Storage) RecentHistory(n int) ([]model.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadHistory()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > len(records) {
		n = len(records)
	}
	out := make([]model.HistoryRecord, 0, n)
	for i := len(records) - 1; i >= len(records)-n; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

func (s *Storage) ClearHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSONAtomic(s.historyFile, []model.HistoryRecord{})
}

func (s *Storage) loadPrincipal() ([]model.Artist, error) {
	data, err := os.ReadFile(s.artistsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read artists file: %w", err)
	}
	var artists []model.Artist
	if err := json.Unmarshal(data, &artists); err != nil {
		return nil, fmt.Errorf("failed to parse artists file: %w", err)
	}
	return artists, nil
}

func (s *Storage) loadHistory() ([]model.HistoryRecord, error) {
	data, err := os.ReadFile(s.historyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	var records []model.HistoryRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}
	return records, nil
}

// listLocked merges principal and fragment artists. The returned origins map
// holds the fragment path for every artist that came from one.
func (s *Storage) listLocked() ([]model.Artist, map[string]string, error) {
	principal, err := s.loadPrincipal()
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool, len(principal))
	for _, a := range principal {
		seen[a.ID] = true
	}

	merged := principal
	origins := make(map[string]string)
	s.walkFragments(func(path string, a model.Artist) {
		if a.ID == "" || seen[a.ID] {
			return
		}
		seen[a.ID] = true
		origins[a.ID] = path
		merged = append(merged, a)
	})
	return merged, origins, nil
}

// walkFragments visits every artist in every readable fragment file.
// Unparseable files are skipped with a warning.
func (s *Storage) walkFragments(visit func(path string, a model.Artist)) {
	_ = filepath.WalkDir(s.artistsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		items, err := readFragment(path)
		if err != nil {
			s.log.Warn("skipping unreadable artist fragment", "path", path, "error", err)
			return nil
		}
		for _, a := range items {
			visit(path, a)
		}
		return nil
	})
}

func (s *Storage) findFragment(id string) string {
	found := ""
	s.walkFragments(func(path string, a model.Artist) {
		if found == "" && a.ID == id {
			found = path
		}
	})
	return found
}

// updateFragment rewrites one fragment file with the updated artist,
// preserving the file's shape (single object or list).
func (s *Storage) updateFragment(path string, a *model.Artist) error {
	items, single, err := readFragmentShape(path)
	if err != nil {
		return fmt.Errorf("failed to read fragment %s: %w", path, err)
	}
	for i := range items {
		if items[i].ID == a.ID {
			items[i] = *a
		}
	}
	if single {
		return WriteJSONAtomic(path, items[0])
	}
	return WriteJSONAtomic(path, items)
}

func (s *Storage) removeFromFragment(path, id string) error {
	items, single, err := readFragmentShape(path)
	if err != nil {
		return fmt.Errorf("failed to read fragment %s: %w", path, err)
	}
	kept := make([]model.Artist, 0, len(items))
	for _, a := range items {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove empty fragment %s: %w", path, err)
		}
		return nil
	}
	if single {
		return WriteJSONAtomic(path, kept[0])
	}
	return WriteJSONAtomic(path, kept)
}

func readFragment(path string) ([]model.Artist, error) {
	items, _, err := readFragmentShape(path)
	return items, err
}

func readFragmentShape(path string) (items []model.Artist, single bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, nil
	}
	if trimmed[0] == '{' {
		var a model.Artist
		if err := json.Unmarshal(trimmed, &a); err != nil {
			return nil, false, err
		}
		return []model.Artist{a}, true, nil
	}
	var list []model.Artist
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, false, err
	}
	return list, false, nil
}

// WriteJSONAtomic marshals v and replaces path via a temp file rename, so
// readers never observe a half-written document. Cache and Validator reuse
// it for their own files.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
