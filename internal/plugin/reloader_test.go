package plugin

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"project-mirage/internal/format"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRules(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestApplyOp(t *testing.T) {
	tests := []struct {
		name     string
		rule     Rule
		input    string
		expected string
	}{
		{"TrimAfter", Rule{Op: "trim_after", Arg: "/"}, "Chapter 1 / sketches", "Chapter 1"},
		{"TrimAfterNoMatch", Rule{Op: "trim_after", Arg: "/"}, "Chapter 1", "Chapter 1"},
		{"CapLength", Rule{Op: "cap_length", Max: 5}, "abcdefgh", "abcde"},
		{"CapLengthRuneSafe", Rule{Op: "cap_length", Max: 3}, "日本語のタイトル", "日本語"},
		{"CapLengthShortInput", Rule{Op: "cap_length", Max: 10}, "abc", "abc"},
		{"Replace", Rule{Op: "replace", Arg: "R-18", With: "nsfw"}, "R-18 pack", "nsfw pack"},
		{"Uppercase", Rule{Op: "uppercase"}, "miko", "MIKO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := applyOp(tt.input, &tt.rule); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestReloadMissingFile(t *testing.T) {
	r := NewReloader(filepath.Join(t.TempDir(), "path_rules.json"), discardLogger())

	err := r.Reload()
	require.Error(t, err)

	// Formatter hooks must stay no-ops.
	p := format.PostFolderParams{Service: "patreon", User: "1", Title: "a/b"}
	r.RewritePost(&p)
	require.Equal(t, "a/b", p.Title)

	rules, _, lastErr := r.Status()
	require.Zero(t, rules)
	require.Error(t, lastErr)
}

func TestReloadAppliesScopedRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "path_rules.json")
	writeRules(t, path, `{
		"artist": [{"service": "fanbox", "field": "name", "op": "uppercase"}],
		"post": [{"service": "patreon", "user": "99342295", "field": "title", "op": "trim_after", "arg": "/"}],
		"file": [{"field": "name", "op": "cap_length", "max": 4}]
	}`)

	r := NewReloader(path, discardLogger())
	require.NoError(t, r.Reload())

	a := format.ArtistFolderParams{Service: "fanbox", UserID: "1", Name: "miko"}
	r.RewriteArtist(&a)
	require.Equal(t, "MIKO", a.Name)

	other := format.ArtistFolderParams{Service: "patreon", UserID: "1", Name: "miko"}
	r.RewriteArtist(&other)
	require.Equal(t, "miko", other.Name, "rule must not fire for other services")

	p := format.PostFolderParams{Service: "patreon", User: "99342295", Title: "Chapter 1 / sketches"}
	r.RewritePost(&p)
	require.Equal(t, "Chapter 1", p.Title)

	f := format.FileParams{Name: "extremely-long-name.png"}
	r.RewriteFile(&f)
	require.Equal(t, "extr", f.Name)
}

func TestReloadSkipsInvalidRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "path_rules.json")
	writeRules(t, path, `{
		"post": [
			{"field": "title", "op": "explode"},
			{"field": "published", "op": "uppercase"},
			{"field": "title", "op": "uppercase"}
		]
	}`)

	r := NewReloader(path, discardLogger())
	require.NoError(t, r.Reload())

	rules, _, _ := r.Status()
	require.Equal(t, 1, rules, "only the well-formed rule should survive")
}

func TestReloadBadJSONKeepsPreviousRuleset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "path_rules.json")
	writeRules(t, path, `{"post": [{"field": "title", "op": "uppercase"}]}`)

	r := NewReloader(path, discardLogger())
	require.NoError(t, r.Reload())

	writeRules(t, path, `{not json`)
	require.Error(t, r.Reload())

	p := format.PostFolderParams{Title: "quiet"}
	r.RewritePost(&p)
	require.Equal(t, "QUIET", p.Title, "previous ruleset should stay active")
}

func TestWatcherPicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "path_rules.json")
	writeRules(t, path, `{}`)

	r := NewReloader(path, discardLogger())
	require.NoError(t, r.Start())
	defer r.Close()

	writeRules(t, path, `{"post": [{"field": "title", "op": "uppercase"}]}`)

	require.Eventually(t, func() bool {
		p := format.PostFolderParams{Title: "quiet"}
		r.RewritePost(&p)
		return p.Title == "QUIET"
	}, 5*time.Second, 50*time.Millisecond, "watcher should reload edited rules")
}
