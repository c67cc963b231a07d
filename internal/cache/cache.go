// Package cache persists the per-artist post list and profile snapshot.
// Every artist owns two documents in the cache directory: <id>_posts.json
// (ordered) and <id>_profile.json. A missing or unreadable document reads as
// empty, which the reconcile path treats as "artist never fetched".
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"project-mirage/internal/model"
	"project-mirage/internal/storage"
)

// Stats summarises one artist's cache for the shell and the status surface.
type Stats struct {
	Total   int `json:"total"`
	Done    int `json:"done"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

type Cache struct {
	dir string
	log *slog.Logger
	mu  sync.Mutex
}

func New(dir string, log *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &Cache{dir: dir, log: log}, nil
}

func (c *Cache) postsPath(artistID string) string {
	return filepath.Join(c.dir, artistID+"_posts.json")
}

func (c *Cache) profilePath(artistID string) string {
	return filepath.Join(c.dir, artistID+"_profile.json")
}

// SaveProfile stores the remote profile snapshot, stamping cached_at.
func (c *Cache) SaveProfile(artistID string, p *model.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stamped := *p
	stamped.CachedAt = time.Now().Format("2006-01-02T15:04:05")
	return storage.WriteJSONAtomic(c.profilePath(artistID), &stamped)
}

// LoadProfile returns nil when the profile was never cached or is unreadable.
func (c *Cache) LoadProfile(artistID string) *model.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadProfileLocked(artistID)
}

func (c *Cache) loadProfileLocked(artistID string) *model.Profile {
	data, err := os.ReadFile(c.profilePath(artistID))
	if err != nil {
		return nil
	}
	var p model.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Warn("discarding unreadable profile cache", "artist", artistID, "error", err)
		return nil
	}
	return &p
}

// SavePosts replaces the artist's post list. Order is preserved as given.
func (c *Cache) SavePosts(artistID string, posts []model.Post) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.savePostsLocked(artistID, posts)
}

func (c *Cache) savePostsLocked(artistID string, posts []model.Post) error {
	if posts == nil {
		posts = []model.Post{}
	}
	return storage.WriteJSONAtomic(c.postsPath(artistID), posts)
}

// LoadPosts returns the cached posts in stored order. Missing or unreadable
// documents read as empty.
func (c *Cache) LoadPosts(artistID string) []model.Post {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadPostsLocked(artistID)
}

func (c *Cache) loadPostsLocked(artistID string) []model.Post {
	data, err := os.ReadFile(c.postsPath(artistID))
	if err != nil {
		return nil
	}
	var posts []model.Post
	if err := json.Unmarshal(data, &posts); err != nil {
		c.log.Warn("discarding unreadable post cache", "artist", artistID, "error", err)
		return nil
	}
	return posts
}

// UpdatePost sets one post's done flag and optionally replaces its failed
// file list (nil leaves it alone) and content (nil leaves it alone). The
// read-modify-write runs under the cache mutex.
func (c *Cache) UpdatePost(artistID, postID string, done bool, failedFiles []string, content *string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	posts := c.loadPostsLocked(artistID)
	for i := range posts {
		if posts[i].ID == postID {
			posts[i].Done = done
			if failedFiles != nil {
				posts[i].FailedFiles = failedFiles
			}
			if content != nil {
				posts[i].Content = *content
			}
			break
		}
	}
	return c.savePostsLocked(artistID, posts)
}

// ResetPost marks one post undone and clears its failures.
func (c *Cache) ResetPost(artistID, postID string) error {
	return c.UpdatePost(artistID, postID, false, []string{}, nil)
}

// GetUndone returns posts still needing work: not done, or done with
// failures recorded.
func (c *Cache) GetUndone(artistID string) []model.Post {
	c.mu.Lock()
	defer c.mu.Unlock()

	posts := c.loadPostsLocked(artistID)
	undone := make([]model.Post, 0, len(posts))
	for _, p := range posts {
		if !p.Done || len(p.FailedFiles) > 0 {
			undone = append(undone, p)
		}
	}
	return undone
}

// MarkOldDone flags every post published at or before the watermark as done.
// Used when adopting an artist that already has a resume watermark.
func (c *Cache) MarkOldDone(artistID, beforeDate string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	posts := c.loadPostsLocked(artistID)
	for i := range posts {
		if posts[i].Published <= beforeDate {
			posts[i].Done = true
		}
	}
	return c.savePostsLocked(artistID, posts)
}

// ResetAfterDate marks done posts undone again. An empty date resets every
// done post; otherwise only posts published strictly after it. Posts without
// a published stamp are left alone. Returns the number reset.
func (c *Cache) ResetAfterDate(artistID, afterDate string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	posts := c.loadPostsLocked(artistID)
	if len(posts) == 0 {
		return 0, nil
	}

	reset := 0
	for i := range posts {
		if posts[i].Published == "" {
			continue
		}
		if afterDate != "" && posts[i].Published <= afterDate {
			continue
		}
		if posts[i].Done {
			posts[i].Done = false
			posts[i].FailedFiles = []string{}
			reset++
		}
	}
	if reset == 0 {
		return 0, nil
	}
	return reset, c.savePostsLocked(artistID, posts)
}

// HasNew reports whether the remote count exceeds the cached profile's
// count. With no cached profile it always reports true.
func (c *Cache) HasNew(artistID string, remoteCount int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	profile := c.loadProfileLocked(artistID)
	if profile == nil {
		return true
	}
	return remoteCount > profile.PostCount
}

// DeduplicatePosts drops posts repeating an earlier id, keeping first
// occurrences in order, and returns how many were removed.
func (c *Cache) DeduplicatePosts(artistID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	posts := c.loadPostsLocked(artistID)
	if len(posts) == 0 {
		return 0, nil
	}

	seen := make(map[string]bool, len(posts))
	unique := make([]model.Post, 0, len(posts))
	removed := 0
	for _, p := range posts {
		if seen[p.ID] {
			removed++
			continue
		}
		seen[p.ID] = true
		unique = append(unique, p)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, c.savePostsLocked(artistID, unique)
}

// Stats counts the artist's cache states.
func (c *Cache) Stats(artistID string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	posts := c.loadPostsLocked(artistID)
	s := Stats{Total: len(posts)}
	for _, p := range posts {
		if p.Done {
			s.Done++
		}
		if len(p.FailedFiles) > 0 {
			s.Failed++
		}
	}
	s.Pending = s.Total - s.Done
	return s
}
