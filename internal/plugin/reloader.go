// Package plugin hot-reloads path-rewrite rules from a small JSON file so
// operators can adjust folder naming for specific artists without a restart.
// The Reloader implements format.Hooks.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"project-mirage/internal/format"
)

// Rule is one rewrite applied to a formatter parameter before rendering.
// Empty Service/User match every artist.
type Rule struct {
	Service string `json:"service,omitempty"`
	User    string `json:"user,omitempty"`
	Field   string `json:"field"`          // artist: name|alias, post: title, file: name
	Op      string `json:"op"`             // trim_after, cap_length, replace, uppercase
	Arg     string `json:"arg,omitempty"`  // separator (trim_after) or needle (replace)
	With    string `json:"with,omitempty"` // replacement (replace)
	Max     int    `json:"max,omitempty"`  // rune cap (cap_length)
}

type ruleset struct {
	Artist []Rule `json:"artist"`
	Post   []Rule `json:"post"`
	File   []Rule `json:"file"`
}

func (rs *ruleset) count() int {
	return len(rs.Artist) + len(rs.Post) + len(rs.File)
}

// Reloader watches a rules file and swaps the active ruleset atomically, so
// formatter lookups never touch the filesystem. Load failures leave the
// previous ruleset in place and are surfaced through Status.
type Reloader struct {
	path string
	log  *slog.Logger

	current atomic.Pointer[ruleset]

	mu       sync.Mutex
	lastErr  error
	loadedAt time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewReloader(path string, log *slog.Logger) *Reloader {
	r := &Reloader{path: path, log: log, done: make(chan struct{})}
	r.current.Store(&ruleset{})
	return r
}

// Start performs the initial load and begins watching the rules file's
// directory. A missing or broken file is a warning, never fatal.
func (r *Reloader) Start() error {
	if err := r.Reload(); err != nil {
		r.log.Warn("path rules not loaded", "path", r.path, "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to create rules dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rules dir: %w", err)
	}
	r.watcher = watcher

	go r.watchLoop()
	return nil
}

func (r *Reloader) watchLoop() {
	base := filepath.Base(r.path)
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				r.log.Warn("path rules reload failed", "path", r.path, "error", err)
			} else {
				r.log.Info("path rules reloaded", "path", r.path, "rules", r.current.Load().count())
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("rules watcher error", "error", err)
		}
	}
}

// Reload re-reads the rules file and swaps the active ruleset. On failure
// the previous ruleset stays active.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.current.Store(&ruleset{})
			r.lastErr = err
			return fmt.Errorf("rules file not found: %w", err)
		}
		r.lastErr = err
		return fmt.Errorf("failed to read rules file: %w", err)
	}

	var rs ruleset
	if err := json.Unmarshal(data, &rs); err != nil {
		r.lastErr = err
		return fmt.Errorf("failed to parse rules file: %w", err)
	}

	rs.Artist = r.validRules(rs.Artist, "artist")
	rs.Post = r.validRules(rs.Post, "post")
	rs.File = r.validRules(rs.File, "file")

	r.current.Store(&rs)
	r.lastErr = nil
	r.loadedAt = time.Now()
	return nil
}

func (r *Reloader) validRules(rules []Rule, scope string) []Rule {
	valid := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if err := checkRule(&rule, scope); err != nil {
			r.log.Warn("skipping invalid path rule", "scope", scope, "error", err)
			continue
		}
		valid = append(valid, rule)
	}
	return valid
}

func checkRule(rule *Rule, scope string) error {
	switch rule.Op {
	case "trim_after":
		if rule.Arg == "" {
			return fmt.Errorf("trim_after needs arg")
		}
	case "cap_length":
		if rule.Max <= 0 {
			return fmt.Errorf("cap_length needs max > 0")
		}
	case "replace":
		if rule.Arg == "" {
			return fmt.Errorf("replace needs arg")
		}
	case "uppercase":
	default:
		return fmt.Errorf("unknown op %q", rule.Op)
	}

	fields := map[string][]string{
		"artist": {"name", "alias"},
		"post":   {"title"},
		"file":   {"name"},
	}
	for _, f := range fields[scope] {
		if rule.Field == f {
			return nil
		}
	}
	return fmt.Errorf("field %q not rewritable for %s rules", rule.Field, scope)
}

// Status reports the active rule count, the last successful load time and
// the last load error, for the shell's plugins command.
func (r *Reloader) Status() (rules int, loadedAt time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Load().count(), r.loadedAt, r.lastErr
}

func (r *Reloader) Close() error {
	close(r.done)
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// RewriteArtist implements format.Hooks.
func (r *Reloader) RewriteArtist(p *format.ArtistFolderParams) {
	for _, rule := range r.current.Load().Artist {
		if !rule.matches(p.Service, p.UserID) {
			continue
		}
		switch rule.Field {
		case "name":
			p.Name = applyOp(p.Name, &rule)
		case "alias":
			p.Alias = applyOp(p.Alias, &rule)
		}
	}
}

// RewritePost implements format.Hooks.
func (r *Reloader) RewritePost(p *format.PostFolderParams) {
	for _, rule := range r.current.Load().Post {
		if !rule.matches(p.Service, p.User) {
			continue
		}
		if rule.Field == "title" {
			p.Title = applyOp(p.Title, &rule)
		}
	}
}

// RewriteFile implements format.Hooks. File rules carry no service/user
// context, so only unconditional rules apply.
func (r *Reloader) RewriteFile(p *format.FileParams) {
	for _, rule := range r.current.Load().File {
		if rule.Service != "" || rule.User != "" {
			continue
		}
		if rule.Field == "name" {
			p.Name = applyOp(p.Name, &rule)
		}
	}
}

func (rule *Rule) matches(service, user string) bool {
	if rule.Service != "" && rule.Service != service {
		return false
	}
	if rule.User != "" && rule.User != user {
		return false
	}
	return true
}

func applyOp(value string, rule *Rule) string {
	switch rule.Op {
	case "trim_after":
		if i := strings.Index(value, rule.Arg); i >= 0 {
			value = strings.TrimSpace(value[:i])
		}
	case "cap_length":
		if runes := []rune(value); len(runes) > rule.Max {
			value = string(runes[:rule.Max])
		}
	case "replace":
		value = strings.ReplaceAll(value, rule.Arg, rule.With)
	case "uppercase":
		value = strings.ToUpper(value)
	}
	return value
}
