// Package model holds the persistent data model shared by the storage,
// cache, downloader and scheduler layers.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// NoContentMarker is stored as a post's content when the remote returned an
// empty body, so the downloader can tell "never fetched" from "fetched,
// nothing there" and skip the refetch.
const NoContentMarker = "<NO_CONTENT>"

// Timer describes a recurring schedule for an artist (or the global default).
type Timer struct {
	Type string `json:"type"`          // daily, weekly, monthly
	Time string `json:"time"`          // "HH:MM"
	Day  int    `json:"day,omitempty"` // weekday 0-6 (weekly) or day of month (monthly)
}

// Artist is a tracked creator identity on the remote service.
type Artist struct {
	ID        string         `json:"id"` // conventionally service_userId
	Service   string         `json:"service"`
	UserID    string         `json:"user_id"`
	Name      string         `json:"name"`
	Alias     string         `json:"alias,omitempty"`
	URL       string         `json:"url,omitempty"`
	LastDate  string         `json:"last_date,omitempty"` // ISO-8601 resume watermark
	Timer     *Timer         `json:"timer,omitempty"`
	Ignore    bool           `json:"ignore,omitempty"`    // excluded from scheduled runs
	Completed bool           `json:"completed,omitempty"` // excluded from all runs
	Config    map[string]any `json:"config,omitempty"`    // per-artist template/behavior overrides
	Filter    map[string]any `json:"filter,omitempty"`    // per-artist filter config, merged over global
}

// DisplayName prefers the operator-assigned alias over the remote name.
func (a *Artist) DisplayName() string {
	if a.Alias != "" {
		return a.Alias
	}
	return a.Name
}

// FileRef is one attachment descriptor as the remote API reports it.
type FileRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Post is a unit of content belonging to one artist.
type Post struct {
	ID          string          `json:"id"`
	User        string          `json:"user"`
	Service     string          `json:"service"`
	Title       string          `json:"title"`
	Content     string          `json:"content"`
	Embed       json.RawMessage `json:"embed,omitempty"`       // opaque pass-through
	SharedFile  json.RawMessage `json:"shared_file,omitempty"` // opaque pass-through
	Added       string          `json:"added"`
	Published   string          `json:"published"`
	Edited      string          `json:"edited,omitempty"`
	File        *FileRef        `json:"file,omitempty"`
	Attachments []FileRef       `json:"attachments"`
	Done        bool            `json:"done"`
	FailedFiles []string        `json:"failed_files,omitempty"`
}

// HasFiles reports whether the post carries any attachment descriptors.
func (p *Post) HasFiles() bool {
	return (p.File != nil && p.File.Path != "") || len(p.Attachments) > 0
}

// PublishedDate returns the date prefix ("YYYY-MM-DD") of the published stamp.
func (p *Post) PublishedDate() string {
	if i := strings.IndexByte(p.Published, 'T'); i >= 0 {
		return p.Published[:i]
	}
	return p.Published
}

// Profile is the cached remote metadata for an artist. PostCount is the
// field the reconcile path depends on; the rest is kept for the shell.
type Profile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Service    string `json:"service"`
	Indexed    string `json:"indexed"`
	Updated    string `json:"updated"`
	PublicID   string `json:"public_id"`
	RelationID string `json:"relation_id,omitempty"`
	PostCount  int    `json:"post_count"`
	DMCount    int    `json:"dm_count"`
	ShareCount int    `json:"share_count"`
	ChatCount  int    `json:"chat_count"`
	CachedAt   string `json:"cached_at"`
}

// HistoryRecord is one shell command appended to the history log.
type HistoryRecord struct {
	ID        string            `json:"id"`
	Command   string            `json:"command"`
	Timestamp time.Time         `json:"timestamp"`
	Success   bool              `json:"success"`
	ArtistID  string            `json:"artist_id,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Note      string            `json:"note,omitempty"`
}

// ExternalLink is a URL harvested from cached post content.
type ExternalLink struct {
	URL      string `json:"url"`
	Domain   string `json:"domain"`
	Protocol string `json:"protocol"`
	PostID   string `json:"post_id"`
	ArtistID string `json:"artist_id"`
}
