// Package validate audits the corpus for path collisions before they happen
// on disk. Three levels are checked independently: artist folders across
// artists, post folders across the corpus, and full file paths. Conflicts an
// operator deliberately accepts live in an ignore store and are filtered out
// of subsequent audits.
package validate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"project-mirage/internal/cache"
	"project-mirage/internal/format"
	"project-mirage/internal/model"
	"project-mirage/internal/storage"
)

const ignoreFileName = "validation_ignore.json"

// Levels selects which uniqueness checks run.
type Levels struct {
	ArtistUnique bool `json:"artist_unique"`
	PostUnique   bool `json:"post_unique"`
	FileUnique   bool `json:"file_unique"`
}

// AllLevels enables every check.
func AllLevels() Levels {
	return Levels{ArtistUnique: true, PostUnique: true, FileUnique: true}
}

// Conflict is one rendered path claimed by more than one item. Item ids are
// artist ids, artist:post pairs or artist:post:file triples depending on the
// level that produced the conflict.
type Conflict struct {
	Path    string   `json:"path"`
	ItemIDs []string `json:"item_ids"`
}

// IgnoreEntry is the per-artist record in the ignore store. Paths are stored
// relative to the download directory so the store survives a move.
type IgnoreEntry struct {
	ArtistID   string   `json:"artist_id"`
	ArtistName string   `json:"artist_name"`
	Conflicts  []string `json:"conflicts"`
	Ignores    []string `json:"ignores"`
}

// Report is the outcome of one audit.
type Report struct {
	Conflicts     []Conflict `json:"conflicts"`      // after ignore filtering
	FilteredCount int        `json:"filtered_count"` // conflicts hidden by ignores
}

// Validator renders every path the corpus would occupy and groups the
// collisions. It shares the format engine with the downloader so the audit
// sees the same paths downloads produce.
type Validator struct {
	storePath string
	cache     *cache.Cache
	engine    *format.Engine
	log       *slog.Logger
}

func New(dataDir string, c *cache.Cache, engine *format.Engine, log *slog.Logger) *Validator {
	return &Validator{
		storePath: filepath.Join(dataDir, ignoreFileName),
		cache:     c,
		engine:    engine,
		log:       log.With("component", "validator"),
	}
}

// IgnoreFilePath returns the location of the ignore store for operator
// editing.
func (v *Validator) IgnoreFilePath() string {
	return v.storePath
}

// LoadStore reads the full ignore store. A missing or corrupt file is an
// empty store.
func (v *Validator) LoadStore() map[string]IgnoreEntry {
	store := make(map[string]IgnoreEntry)
	data, err := os.ReadFile(v.storePath)
	if err != nil {
		if !os.IsNotExist(err) {
			v.log.Warn("ignore store unreadable, starting empty", "error", err)
		}
		return store
	}
	if err := json.Unmarshal(data, &store); err != nil {
		v.log.Warn("ignore store corrupt, starting empty", "error", err)
		return make(map[string]IgnoreEntry)
	}
	return store
}

// SaveStore rewrites the ignore store.
func (v *Validator) SaveStore(store map[string]IgnoreEntry) error {
	return storage.WriteJSONAtomic(v.storePath, store)
}

// AddIgnore accepts one conflict path (relative to the download dir) for an
// artist so future audits stop reporting it.
func (v *Validator) AddIgnore(artistID, relPath string) error {
	store := v.LoadStore()
	entry := store[artistID]
	entry.ArtistID = artistID
	for _, p := range entry.Ignores {
		if p == relPath {
			return nil
		}
	}
	entry.Ignores = append(entry.Ignores, relPath)
	store[artistID] = entry
	return v.SaveStore(store)
}

// Validate audits the given artists under the supplied configuration,
// filters accepted conflicts and rewrites the store. Stale ignores, paths
// that no longer conflict at all, are dropped from the store.
func (v *Validator) Validate(artists []model.Artist, cfg *model.Config, levels Levels) (*Report, error) {
	all, err := v.audit(artists, cfg, levels)
	if err != nil {
		return nil, err
	}

	store := v.LoadStore()

	ignoredAbs := make(map[string]bool)
	for i := range artists {
		entry := store[artists[i].ID]
		for _, rel := range entry.Ignores {
			ignoredAbs[filepath.Join(cfg.DownloadDir, rel)] = true
		}
	}

	report := &Report{}
	for _, c := range all {
		if ignoredAbs[c.Path] {
			report.FilteredCount++
			continue
		}
		report.Conflicts = append(report.Conflicts, c)
	}

	// Rewrite the store per audited artist: conflicts reflect this audit,
	// ignores shrink to paths that still conflict.
	currentRel := make(map[string]map[string]bool) // artist id -> rel path set
	perArtist := make(map[string][]string)
	for _, c := range all {
		id := ownerArtist(c)
		rel := relToDownloads(c.Path, cfg.DownloadDir)
		if currentRel[id] == nil {
			currentRel[id] = make(map[string]bool)
		}
		currentRel[id][rel] = true
	}
	for _, c := range report.Conflicts {
		id := ownerArtist(c)
		perArtist[id] = append(perArtist[id], relToDownloads(c.Path, cfg.DownloadDir))
	}

	for i := range artists {
		a := &artists[i]
		entry := store[a.ID]
		entry.ArtistID = a.ID
		entry.ArtistName = a.DisplayName()
		entry.Conflicts = perArtist[a.ID]

		var kept []string
		for _, rel := range entry.Ignores {
			if currentRel[a.ID][rel] {
				kept = append(kept, rel)
			}
		}
		entry.Ignores = kept
		store[a.ID] = entry
	}

	if err := v.SaveStore(store); err != nil {
		return nil, fmt.Errorf("save ignore store: %w", err)
	}

	v.log.Info("validation finished",
		"artists", len(artists),
		"conflicts", len(report.Conflicts),
		"ignored", report.FilteredCount)
	return report, nil
}

// audit renders every level's paths and returns all size>=2 groups.
func (v *Validator) audit(artists []model.Artist, cfg *model.Config, levels Levels) ([]Conflict, error) {
	artistPaths := make(map[string][]string)
	postPaths := make(map[string][]string)
	filePaths := make(map[string][]string)
	var artistOrder, postOrder, fileOrder []string

	record := func(m map[string][]string, order *[]string, path, id string) {
		if _, seen := m[path]; !seen {
			*order = append(*order, path)
		}
		m[path] = append(m[path], id)
	}

	for i := range artists {
		a := &artists[i]
		artistFolder, err := v.engine.ArtistFolder(format.ArtistFolderParams{
			Service:  a.Service,
			Name:     a.Name,
			Alias:    a.Alias,
			UserID:   a.UserID,
			LastDate: a.LastDate,
		}, cfg.StringFor(a, "artist_folder_template"))
		if err != nil {
			return nil, fmt.Errorf("artist %s: %w", a.ID, err)
		}
		artistPath := filepath.Join(cfg.DownloadDir, artistFolder)
		if levels.ArtistUnique {
			record(artistPaths, &artistOrder, artistPath, a.ID)
		}
		if !levels.PostUnique && !levels.FileUnique {
			continue
		}

		posts := v.cache.LoadPosts(a.ID)
		for j := range posts {
			p := &posts[j]
			postFolder, err := v.engine.PostFolder(format.PostFolderParams{
				ID:        p.ID,
				User:      p.User,
				Service:   p.Service,
				Title:     p.Title,
				Published: p.Published,
			}, cfg.StringFor(a, "post_folder_template"), cfg.DateFormat)
			if err != nil {
				return nil, fmt.Errorf("artist %s post %s: %w", a.ID, p.ID, err)
			}
			postPath := filepath.Join(artistPath, postFolder)
			if levels.PostUnique {
				record(postPaths, &postOrder, postPath, a.ID+":"+p.ID)
			}
			if !levels.FileUnique {
				continue
			}

			names := fileNames(p)
			if len(names) == 0 {
				continue
			}
			rendered, err := v.engine.FilesNames(names, cfg.StringFor(a, "file_template"), cfg.RenameImagesOnly, cfg.ImageExtensions)
			if err != nil {
				return nil, fmt.Errorf("artist %s post %s files: %w", a.ID, p.ID, err)
			}
			for k, fn := range rendered {
				record(filePaths, &fileOrder, filepath.Join(postPath, fn), a.ID+":"+p.ID+":"+names[k])
			}
		}
	}

	var conflicts []Conflict
	collect := func(m map[string][]string, order []string) {
		for _, path := range order {
			if ids := m[path]; len(ids) > 1 {
				conflicts = append(conflicts, Conflict{Path: path, ItemIDs: ids})
			}
		}
	}
	collect(artistPaths, artistOrder)
	collect(postPaths, postOrder)
	collect(filePaths, fileOrder)
	return conflicts, nil
}

// ownerArtist attributes a conflict to the artist of its first claimant.
func ownerArtist(c Conflict) string {
	if len(c.ItemIDs) == 0 {
		return ""
	}
	id := c.ItemIDs[0]
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id[:i]
		}
	}
	return id
}

func relToDownloads(path, downloadDir string) string {
	rel, err := filepath.Rel(downloadDir, path)
	if err != nil {
		return path
	}
	return rel
}

func fileNames(p *model.Post) []string {
	var names []string
	if p.File != nil && p.File.Name != "" {
		names = append(names, p.File.Name)
	}
	for _, a := range p.Attachments {
		names = append(names, a.Name)
	}
	return names
}
