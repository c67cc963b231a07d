// Package migrate plans and executes path renames after a template change.
// A plan is computed against the post cache and the filesystem, surfacing
// every collision before anything is moved; execution is strictly the
// renames the plan emitted.
package migrate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"project-mirage/internal/cache"
	"project-mirage/internal/format"
	"project-mirage/internal/model"
)

// Kind distinguishes post-folder plans from file plans.
type Kind string

const (
	KindPost Kind = "post"
	KindFile Kind = "file"
)

// Templates is one self-contained rendering configuration. Plans take two of
// these, the layout being migrated away from and the one migrated to.
type Templates struct {
	DownloadDir          string
	ArtistFolderTemplate string
	PostFolderTemplate   string
	FileTemplate         string
	DateFormat           string
	RenameImagesOnly     bool
	ImageExtensions      []string
}

// TemplatesFor assembles the effective rendering configuration for an artist,
// honoring per-artist template overrides.
func TemplatesFor(cfg *model.Config, a *model.Artist) Templates {
	return Templates{
		DownloadDir:          cfg.DownloadDir,
		ArtistFolderTemplate: cfg.StringFor(a, "artist_folder_template"),
		PostFolderTemplate:   cfg.StringFor(a, "post_folder_template"),
		FileTemplate:         cfg.StringFor(a, "file_template"),
		DateFormat:           cfg.DateFormat,
		RenameImagesOnly:     cfg.RenameImagesOnly,
		ImageExtensions:      cfg.ImageExtensions,
	}
}

// Mapping is one safe rename the plan cleared for execution.
type Mapping struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
	ItemID  string `json:"item_id"`
}

// Conflict is a many-to-one path group in either the old or new projection.
type Conflict struct {
	Path    string   `json:"path"`
	ItemIDs []string `json:"item_ids"`
}

// Skip records an item the plan refused to move and why.
type Skip struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// Plan is the full outcome of a dry run: what will move, what collides and
// what gets left alone.
type Plan struct {
	Kind          Kind       `json:"kind"`
	TotalItems    int        `json:"total_items"`
	Mappings      []Mapping  `json:"mappings"`
	Conflicts     []Conflict `json:"conflicts"`
	Skipped       []Skip     `json:"skipped"`
	ConflictCount int        `json:"conflict_count"`
}

// Failure is one rename that did not go through during execution.
type Failure struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
	ItemID  string `json:"item_id"`
	Error   string `json:"error"`
}

// Result summarises an executed plan.
type Result struct {
	Kind    Kind      `json:"kind"`
	Total   int       `json:"total"`
	Success int       `json:"success"`
	Failed  []Failure `json:"failed"`
}

// Migrator computes and applies rename plans. It shares the format engine
// with the downloader so both render identical paths.
type Migrator struct {
	cache  *cache.Cache
	engine *format.Engine
	log    *slog.Logger
}

func New(c *cache.Cache, engine *format.Engine, log *slog.Logger) *Migrator {
	return &Migrator{cache: c, engine: engine, log: log.With("component", "migrator")}
}

// candidate is one item with both path projections resolved.
type candidate struct {
	id      string
	oldPath string
	newPath string
}

// PlanPosts computes the post-folder rename plan for one artist.
func (m *Migrator) PlanPosts(artist *model.Artist, oldCfg, newCfg Templates) (*Plan, error) {
	posts := m.cache.LoadPosts(artist.ID)
	plan := &Plan{Kind: KindPost, TotalItems: len(posts)}
	if len(posts) == 0 {
		return plan, nil
	}

	var candidates []candidate
	for i := range posts {
		post := &posts[i]
		oldPath, err := m.postPath(artist, post, oldCfg)
		if err != nil {
			return nil, fmt.Errorf("render old path for post %s: %w", post.ID, err)
		}
		newPath, err := m.postPath(artist, post, newCfg)
		if err != nil {
			return nil, fmt.Errorf("render new path for post %s: %w", post.ID, err)
		}
		if !exists(oldPath) {
			plan.Skipped = append(plan.Skipped, Skip{ItemID: post.ID, Reason: "Source not found"})
			continue
		}
		candidates = append(candidates, candidate{id: post.ID, oldPath: oldPath, newPath: newPath})
	}

	m.resolve(plan, candidates, "posts")
	return plan, nil
}

// PlanFiles computes the per-file rename plan for one artist. Files of posts
// whose old folder does not exist are not considered at all.
func (m *Migrator) PlanFiles(artist *model.Artist, oldCfg, newCfg Templates) (*Plan, error) {
	posts := m.cache.LoadPosts(artist.ID)
	plan := &Plan{Kind: KindFile}
	if len(posts) == 0 {
		return plan, nil
	}

	var candidates []candidate
	for i := range posts {
		post := &posts[i]
		oldDir, err := m.postPath(artist, post, oldCfg)
		if err != nil {
			return nil, fmt.Errorf("render old path for post %s: %w", post.ID, err)
		}
		if !exists(oldDir) {
			continue
		}
		newDir, err := m.postPath(artist, post, newCfg)
		if err != nil {
			return nil, fmt.Errorf("render new path for post %s: %w", post.ID, err)
		}

		names := fileNames(post)
		oldNames, err := m.engine.FilesNames(names, oldCfg.FileTemplate, oldCfg.RenameImagesOnly, oldCfg.ImageExtensions)
		if err != nil {
			return nil, fmt.Errorf("render old file names for post %s: %w", post.ID, err)
		}
		newNames, err := m.engine.FilesNames(names, newCfg.FileTemplate, newCfg.RenameImagesOnly, newCfg.ImageExtensions)
		if err != nil {
			return nil, fmt.Errorf("render new file names for post %s: %w", post.ID, err)
		}

		for j, name := range names {
			plan.TotalItems++
			key := post.ID + ":" + name
			oldPath := filepath.Join(oldDir, oldNames[j])
			if !exists(oldPath) {
				plan.Skipped = append(plan.Skipped, Skip{ItemID: key, Reason: "Source not found"})
				continue
			}
			candidates = append(candidates, candidate{id: key, oldPath: oldPath, newPath: filepath.Join(newDir, newNames[j])})
		}
	}

	m.resolve(plan, candidates, "files")
	return plan, nil
}

// resolve turns existence-checked candidates into mappings, conflict groups
// and skips. An item in any many-to-one group in either projection never
// moves.
func (m *Migrator) resolve(plan *Plan, candidates []candidate, noun string) {
	oldGroups := make(map[string][]string)
	newGroups := make(map[string][]string)
	for _, c := range candidates {
		oldGroups[c.oldPath] = append(oldGroups[c.oldPath], c.id)
		newGroups[c.newPath] = append(newGroups[c.newPath], c.id)
	}

	conflicted := make(map[string]bool)
	// Walk in candidate order so conflict output is deterministic.
	seen := make(map[string]bool)
	for _, c := range candidates {
		if ids := oldGroups[c.oldPath]; len(ids) > 1 && !seen["old:"+c.oldPath] {
			seen["old:"+c.oldPath] = true
			plan.Conflicts = append(plan.Conflicts, Conflict{Path: c.oldPath, ItemIDs: ids})
			for _, id := range ids {
				conflicted[id] = true
			}
		}
		if ids := newGroups[c.newPath]; len(ids) > 1 && !seen["new:"+c.newPath] {
			seen["new:"+c.newPath] = true
			plan.Conflicts = append(plan.Conflicts, Conflict{Path: c.newPath, ItemIDs: ids})
			for _, id := range ids {
				conflicted[id] = true
			}
		}
	}
	plan.ConflictCount = len(conflicted)

	for _, c := range candidates {
		if conflicted[c.id] {
			reason := "Path conflict"
			if n := len(oldGroups[c.oldPath]); n > 1 {
				reason = fmt.Sprintf("Old path conflict (%d %s -> 1 path)", n, noun)
			} else if n := len(newGroups[c.newPath]); n > 1 {
				reason = fmt.Sprintf("New path conflict (%d %s -> 1 path)", n, noun)
			}
			plan.Skipped = append(plan.Skipped, Skip{ItemID: c.id, Reason: reason})
			continue
		}
		if c.oldPath == c.newPath {
			plan.Skipped = append(plan.Skipped, Skip{ItemID: c.id, Reason: "Same path"})
			continue
		}
		if exists(c.newPath) {
			plan.Skipped = append(plan.Skipped, Skip{ItemID: c.id, Reason: "Target exists"})
			continue
		}
		plan.Mappings = append(plan.Mappings, Mapping{OldPath: c.oldPath, NewPath: c.newPath, ItemID: c.id})
	}
}

// Execute applies a plan one rename at a time. A failed rename is recorded
// and the batch continues.
func (m *Migrator) Execute(plan *Plan) *Result {
	res := &Result{Kind: plan.Kind, Total: len(plan.Mappings)}
	for _, mp := range plan.Mappings {
		if err := os.MkdirAll(filepath.Dir(mp.NewPath), 0o755); err != nil {
			res.Failed = append(res.Failed, Failure{OldPath: mp.OldPath, NewPath: mp.NewPath, ItemID: mp.ItemID, Error: err.Error()})
			continue
		}
		if err := os.Rename(mp.OldPath, mp.NewPath); err != nil {
			res.Failed = append(res.Failed, Failure{OldPath: mp.OldPath, NewPath: mp.NewPath, ItemID: mp.ItemID, Error: err.Error()})
			m.log.Warn("rename failed", "item", mp.ItemID, "error", err)
			continue
		}
		res.Success++
	}
	m.log.Info("migration executed", "kind", plan.Kind, "renamed", res.Success, "failed", len(res.Failed))
	return res
}

func (m *Migrator) postPath(artist *model.Artist, post *model.Post, cfg Templates) (string, error) {
	artistFolder, err := m.engine.ArtistFolder(format.ArtistFolderParams{
		Service:  artist.Service,
		Name:     artist.Name,
		Alias:    artist.Alias,
		UserID:   artist.UserID,
		LastDate: artist.LastDate,
	}, cfg.ArtistFolderTemplate)
	if err != nil {
		return "", err
	}
	postFolder, err := m.engine.PostFolder(format.PostFolderParams{
		ID:        post.ID,
		User:      post.User,
		Service:   post.Service,
		Title:     post.Title,
		Published: post.Published,
	}, cfg.PostFolderTemplate, cfg.DateFormat)
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg.DownloadDir, artistFolder, postFolder), nil
}

// fileNames lists a post's file names, principal file first.
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

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
