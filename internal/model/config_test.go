package model

import (
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero artist workers", func(c *Config) { c.MaxConcurrentArtists = 0 }},
		{"negative retry delay", func(c *Config) { c.RetryDelay = -1 }},
		{"empty download dir", func(c *Config) { c.DownloadDir = "" }},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"rpc port out of range", func(c *Config) { c.RPCPort = 99999 }},
		{"bad timer type", func(c *Config) { c.GlobalTimer = &Timer{Type: "hourly", Time: "12:00"} }},
		{"bad timer time", func(c *Config) { c.GlobalTimer = &Timer{Type: "daily", Time: "25:99"} }},
		{"weekly day out of range", func(c *Config) { c.GlobalTimer = &Timer{Type: "weekly", Time: "12:00", Day: 7} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestStringForPrefersArtistOverride(t *testing.T) {
	cfg := DefaultConfig()
	artist := &Artist{
		ID:     "patreon_1",
		Config: map[string]any{"post_folder_template": "{id}"},
	}

	if got := cfg.StringFor(artist, "post_folder_template"); got != "{id}" {
		t.Errorf("expected override {id}, got %q", got)
	}
	if got := cfg.StringFor(artist, "artist_folder_template"); got != cfg.ArtistFolderTemplate {
		t.Errorf("expected global fallback, got %q", got)
	}
	if got := cfg.StringFor(nil, "file_template"); got != "{idx}" {
		t.Errorf("nil artist should use global, got %q", got)
	}
}

func TestBoolForPrefersArtistOverride(t *testing.T) {
	cfg := DefaultConfig() // save_content defaults to true
	artist := &Artist{Config: map[string]any{"save_content": false}}

	if cfg.BoolFor(artist, "save_content") {
		t.Error("artist override should win")
	}
	if !cfg.BoolFor(&Artist{}, "save_content") {
		t.Error("global default should apply without an override")
	}
}

func TestMergedFilterArtistWinsPerKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalFilter = map[string]any{
		"require_files":    true,
		"exclude_keywords": []any{"wip"},
	}
	artist := &Artist{Filter: map[string]any{"require_files": false}}

	merged := cfg.MergedFilter(artist)
	if merged["require_files"] != false {
		t.Error("artist key should shadow global")
	}
	if _, ok := merged["exclude_keywords"]; !ok {
		t.Error("unshadowed global key should survive")
	}
}

func TestIsImage(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name string
		want bool
	}{
		{"photo.jpg", true},
		{"photo.JPEG", true},
		{"clip.mp4", false},
		{"archive.zip", false},
		{"noext", false},
		{"weird.webp", true},
	}
	for _, tt := range tests {
		if got := cfg.IsImage(tt.name); got != tt.want {
			t.Errorf("IsImage(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEffectiveTimer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalTimer = &Timer{Type: "daily", Time: "03:00"}

	own := &Artist{Timer: &Timer{Type: "weekly", Time: "09:30", Day: 1}}
	if got := cfg.EffectiveTimer(own); got.Type != "weekly" {
		t.Errorf("artist timer should win, got %s", got.Type)
	}
	if got := cfg.EffectiveTimer(&Artist{}); got.Type != "daily" {
		t.Errorf("global timer should apply, got %v", got)
	}
}

func TestPostHelpers(t *testing.T) {
	p := &Post{Published: "2024-07-01T12:30:00"}
	if got := p.PublishedDate(); got != "2024-07-01" {
		t.Errorf("PublishedDate = %q", got)
	}
	if (&Post{Published: "2024-07-01"}).PublishedDate() != "2024-07-01" {
		t.Error("date-only stamp should pass through")
	}

	if (&Post{}).HasFiles() {
		t.Error("empty post has no files")
	}
	if !(&Post{File: &FileRef{Name: "a", Path: "/x"}}).HasFiles() {
		t.Error("principal file counts")
	}
	if !(&Post{Attachments: []FileRef{{Name: "b", Path: "/y"}}}).HasFiles() {
		t.Error("attachments count")
	}
}

func TestArtistDisplayName(t *testing.T) {
	if (&Artist{Name: "remote", Alias: "local"}).DisplayName() != "local" {
		t.Error("alias should win")
	}
	if (&Artist{Name: "remote"}).DisplayName() != "remote" {
		t.Error("name is the fallback")
	}
}
