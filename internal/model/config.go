package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the process-wide configuration document. It is loaded from
// <data>/config.json at startup and editable at runtime; per-artist overrides
// in Artist.Config shadow individual keys (see Config.StringFor / BoolFor).
type Config struct {
	// Directories
	CacheDir    string `json:"cache_dir" validate:"required"`
	LogsDir     string `json:"logs_dir" validate:"required"`
	TempDir     string `json:"temp_dir" validate:"required"`
	DownloadDir string `json:"download_dir" validate:"required"`

	// Scheduling & filtering
	GlobalTimer  *Timer         `json:"global_timer,omitempty"`
	GlobalFilter map[string]any `json:"global_filter,omitempty"`

	// Network
	MaxRetries     int     `json:"max_retries" validate:"min=0"`
	RetryDelay     int     `json:"retry_delay" validate:"min=0"`     // seconds
	RequestTimeout int     `json:"request_timeout" validate:"min=1"` // seconds
	RateLimit      float64 `json:"rate_limit" validate:"min=0"`      // requests/sec, 0 disables

	// Concurrency. Effective ceiling is the product of the three.
	MaxConcurrentArtists int `json:"max_concurrent_artists" validate:"min=1,max=64"`
	MaxConcurrentPosts   int `json:"max_concurrent_posts" validate:"min=1,max=64"`
	MaxConcurrentFiles   int `json:"max_concurrent_files" validate:"min=1,max=64"`

	// Templates
	DateFormat           string `json:"date_format" validate:"required"`
	ArtistFolderTemplate string `json:"artist_folder_template" validate:"required"`
	PostFolderTemplate   string `json:"post_folder_template" validate:"required"`
	FileTemplate         string `json:"file_template" validate:"required"`

	// Download behavior
	SaveContent      bool     `json:"save_content"`
	SaveEmptyPosts   bool     `json:"save_empty_posts"`
	RenameImagesOnly bool     `json:"rename_images_only"`
	ImageExtensions  []string `json:"image_extensions"`

	// Proxy
	UseProxy          bool     `json:"use_proxy"`
	ProxyBasePort     int      `json:"proxy_base_port" validate:"min=0,max=65535"`
	ProxyNumInstances int      `json:"proxy_num_instances" validate:"min=0,max=50"`
	ClashExePath      string   `json:"clash_exe_path,omitempty"`
	ClashConfigPath   string   `json:"clash_config_path,omitempty"`
	ProxySkipKeywords []string `json:"proxy_skip_keywords,omitempty"`

	// Control surface
	RPCPort int `json:"rpc_port" validate:"min=1,max=65535"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() *Config {
	return &Config{
		CacheDir:             "cache",
		LogsDir:              "logs",
		TempDir:              "temp",
		DownloadDir:          "downloads",
		MaxRetries:           3,
		RetryDelay:           5,
		RequestTimeout:       30,
		MaxConcurrentArtists: 3,
		MaxConcurrentPosts:   5,
		MaxConcurrentFiles:   10,
		DateFormat:           "2006.01.02",
		ArtistFolderTemplate: "{service}/{name}",
		PostFolderTemplate:   "[{published}] {title}",
		FileTemplate:         "{idx}",
		SaveContent:          true,
		SaveEmptyPosts:       false,
		RenameImagesOnly:     true,
		ImageExtensions:      []string{".jpe", ".jpg", ".jpeg", ".png", ".gif", ".webp"},
		ProxyBasePort:        7890,
		ProxyNumInstances:    10,
		ProxySkipKeywords:    []string{"DIRECT", "REJECT"},
		RPCPort:              18861,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags and the timer shape. Failures are
// ConfigInvalid conditions; callers refuse to run with a broken config.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.GlobalTimer != nil {
		if err := c.GlobalTimer.Validate(); err != nil {
			return fmt.Errorf("invalid config: global_timer: %w", err)
		}
	}
	return nil
}

// Validate checks a timer record for a recognised type and a parseable time.
func (t *Timer) Validate() error {
	switch t.Type {
	case "daily", "weekly", "monthly":
	default:
		return fmt.Errorf("unknown timer type %q", t.Type)
	}
	if _, err := time.Parse("15:04", t.Time); err != nil {
		return fmt.Errorf("bad time %q: %w", t.Time, err)
	}
	if t.Type == "weekly" && (t.Day < 0 || t.Day > 6) {
		return fmt.Errorf("weekly day %d out of range", t.Day)
	}
	if t.Type == "monthly" && (t.Day < 1 || t.Day > 31) {
		return fmt.Errorf("monthly day %d out of range", t.Day)
	}
	return nil
}

// RetryDelayDuration returns the fixed sleep between retry attempts.
func (c *Config) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

// RequestTimeoutDuration returns the per-request timeout for JSON calls.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// IsImage reports whether name's extension is in the configured image set.
func (c *Config) IsImage(name string) bool {
	ext := strings.ToLower(extOf(name))
	for _, e := range c.ImageExtensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

// StringFor resolves a string setting with the artist override winning over
// the global value. Keys match the JSON names.
func (c *Config) StringFor(a *Artist, key string) string {
	if a != nil {
		if v, ok := a.Config[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	switch key {
	case "artist_folder_template":
		return c.ArtistFolderTemplate
	case "post_folder_template":
		return c.PostFolderTemplate
	case "file_template":
		return c.FileTemplate
	case "date_format":
		return c.DateFormat
	}
	return ""
}

// BoolFor resolves a boolean setting with the artist override winning.
func (c *Config) BoolFor(a *Artist, key string) bool {
	if a != nil {
		if v, ok := a.Config[key]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
	}
	switch key {
	case "save_content":
		return c.SaveContent
	case "save_empty_posts":
		return c.SaveEmptyPosts
	case "rename_images_only":
		return c.RenameImagesOnly
	}
	return false
}

// MergedFilter overlays the artist filter on the global one, key by key.
func (c *Config) MergedFilter(a *Artist) map[string]any {
	merged := make(map[string]any, len(c.GlobalFilter)+len(a.Filter))
	for k, v := range c.GlobalFilter {
		merged[k] = v
	}
	for k, v := range a.Filter {
		merged[k] = v
	}
	return merged
}

// EffectiveTimer returns the artist timer when set, the global one otherwise.
func (c *Config) EffectiveTimer(a *Artist) *Timer {
	if a.Timer != nil {
		return a.Timer
	}
	return c.GlobalTimer
}
