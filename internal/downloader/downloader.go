// Package downloader drives the per-artist mirror pipeline: reconcile the
// cached post list against the remote, fan out over posts and files, and
// advance the resume watermark. Each level returns a structured result;
// only cancellation crosses fan-out boundaries as an error.
package downloader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"project-mirage/internal/analytics"
	"project-mirage/internal/cache"
	"project-mirage/internal/config"
	"project-mirage/internal/filter"
	"project-mirage/internal/format"
	"project-mirage/internal/kemono"
	"project-mirage/internal/metrics"
	"project-mirage/internal/model"
	"project-mirage/internal/storage"
)

// Remote is the slice of the kemono client the pipeline uses. Tests swap in
// a fake; production passes *kemono.Client.
type Remote interface {
	Cancelled() bool
	GetProfile(service, userID string) (*model.Profile, error)
	GetAllPosts(service, userID string) ([]model.Post, error)
	GetPost(service, userID, postID string) (*model.Post, error)
	DownloadFile(url, destPath string, cb kemono.Callbacks) error
	ResolveFileURL(path string) string
}

type Downloader struct {
	cfg      *config.Manager
	log      *slog.Logger
	storage  *storage.Storage
	cache    *cache.Cache
	api      Remote
	engine   *format.Engine
	notifier Notifier
	stats    *analytics.Manager
}

func New(cfg *config.Manager, log *slog.Logger, st *storage.Storage, ca *cache.Cache, api Remote, engine *format.Engine, notifier Notifier, stats *analytics.Manager) *Downloader {
	if notifier == nil {
		notifier = NullNotifier{}
	}
	return &Downloader{
		cfg:      cfg,
		log:      log.With("component", "downloader"),
		storage:  st,
		cache:    ca,
		api:      api,
		engine:   engine,
		notifier: notifier,
		stats:    stats,
	}
}

// extractedFile is one downloadable unit of a post, in post order.
type extractedFile struct {
	URL  string
	Name string
}

// DownloadArtist runs the full pipeline for one artist. With a date bound set
// the working set is every cached post in range regardless of done status;
// otherwise it is the undone set.
func (d *Downloader) DownloadArtist(artist *model.Artist, fromDate, untilDate string) ArtistResult {
	if d.api.Cancelled() {
		return skippedArtistResult(artist.ID)
	}
	if artist.Completed || artist.Ignore {
		d.log.Info("artist skipped", "artist", artist.DisplayName(), "completed", artist.Completed, "ignored", artist.Ignore)
		return skippedArtistResult(artist.ID)
	}

	if _, err := d.UpdatePostsBasic(artist); err != nil {
		if errors.Is(err, kemono.ErrCancelled) {
			return skippedArtistResult(artist.ID)
		}
		d.log.Error("reconcile failed", "artist", artist.DisplayName(), "error", err)
		return failedArtistResult(artist.ID)
	}

	var working []model.Post
	if fromDate != "" || untilDate != "" {
		for _, p := range d.cache.LoadPosts(artist.ID) {
			if fromDate != "" && p.Published <= fromDate {
				continue
			}
			if untilDate != "" && p.Published > untilDate {
				continue
			}
			working = append(working, p)
		}
	} else {
		working = d.cache.GetUndone(artist.ID)
	}

	cfg := d.cfg.Get()
	working = filter.Apply(working, cfg.MergedFilter(artist))

	var postsResult PostsResult
	if len(working) > 0 {
		postsResult = d.DownloadPosts(artist, working)
	} else {
		d.log.Info("no posts to download", "artist", artist.DisplayName())
		postsResult = emptyPostsResult()
	}

	if newLast := d.calculateNewLastDate(artist); newLast != "" && newLast > artist.LastDate {
		artist.LastDate = newLast
		if err := d.storage.SaveArtist(artist); err != nil {
			d.log.Error("failed to persist watermark", "artist", artist.DisplayName(), "error", err)
		} else {
			d.log.Info("watermark advanced", "artist", artist.DisplayName(), "last_date", newLast)
		}
	}

	return ArtistResult{
		ArtistID:        artist.ID,
		Success:         postsResult.Success,
		PostsDownloaded: postsResult.PostsDownloaded,
		PostsFailed:     postsResult.PostsFailed,
		FailedPosts:     postsResult.FailedPosts,
	}
}

// UpdatePostsBasic reconciles the cached post list with the remote. It is
// cheap when nothing changed: one profile probe, count comparison, done.
// Returns whether the cache was rewritten.
func (d *Downloader) UpdatePostsBasic(artist *model.Artist) (bool, error) {
	if d.api.Cancelled() {
		return false, kemono.ErrCancelled
	}

	profile, err := d.api.GetProfile(artist.Service, artist.UserID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch profile: %w", err)
	}

	cached := d.cache.LoadPosts(artist.ID)
	if len(cached) == profile.PostCount {
		if err := d.cache.SaveProfile(artist.ID, profile); err != nil {
			d.log.Warn("failed to refresh profile cache", "artist", artist.ID, "error", err)
		}
		d.log.Debug("cache up to date", "artist", artist.DisplayName(), "posts", profile.PostCount)
		return false, nil
	}

	remote, err := d.api.GetAllPosts(artist.Service, artist.UserID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch post list: %w", err)
	}
	remote = dedupeByID(remote)
	if len(remote) == len(cached) {
		if err := d.cache.SaveProfile(artist.ID, profile); err != nil {
			d.log.Warn("failed to refresh profile cache", "artist", artist.ID, "error", err)
		}
		return false, nil
	}

	// The watermark shortcut applies to first adoption only: for an artist
	// with an existing cache, older posts appearing later are backfill and
	// must be downloaded.
	adopting := len(cached) == 0

	existing := make(map[string]*model.Post, len(cached))
	for i := range cached {
		existing[cached[i].ID] = &cached[i]
	}

	merged := make([]model.Post, 0, len(remote))
	newCount := 0
	for _, rp := range remote {
		if prev, ok := existing[rp.ID]; ok {
			merged = append(merged, *prev)
			continue
		}
		rp.Done = false
		rp.FailedFiles = nil
		if adopting && artist.LastDate != "" && rp.Published <= artist.LastDate {
			rp.Done = true
		} else {
			newCount++
		}
		merged = append(merged, rp)
	}

	if err := d.cache.SavePosts(artist.ID, merged); err != nil {
		return false, fmt.Errorf("failed to persist post cache: %w", err)
	}
	if err := d.cache.SaveProfile(artist.ID, profile); err != nil {
		d.log.Warn("failed to refresh profile cache", "artist", artist.ID, "error", err)
	}
	d.log.Info("cache updated", "artist", artist.DisplayName(), "total", len(merged), "new", newCount)
	return true, nil
}

// UpdatePostsFull refetches every cached post in parallel, replacing content
// and attachment metadata. File changes are detected by {name,path}
// membership with local treated as a superset: only a remote item missing
// locally counts as a change and resets done. Returns how many posts changed
// in a download-relevant way; the cache is persisted once at the end.
func (d *Downloader) UpdatePostsFull(artist *model.Artist) (int, error) {
	if d.api.Cancelled() {
		return 0, kemono.ErrCancelled
	}
	if artist.Completed || artist.Ignore {
		return 0, nil
	}

	if _, err := d.UpdatePostsBasic(artist); err != nil {
		return 0, err
	}

	posts := d.cache.LoadPosts(artist.ID)
	if len(posts) == 0 {
		return 0, nil
	}

	var mu sync.Mutex
	changed := 0

	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Get().MaxConcurrentPosts)
	for i := range posts {
		g.Go(func() error {
			if d.api.Cancelled() {
				return kemono.ErrCancelled
			}
			full, err := d.api.GetPost(artist.Service, artist.UserID, posts[i].ID)
			if err != nil {
				if errors.Is(err, kemono.ErrCancelled) {
					return err
				}
				d.log.Warn("full refresh failed for post", "post", posts[i].ID, "error", err)
				return nil
			}

			filesChanged := remoteHasNewFiles(&posts[i], full)

			posts[i].Title = full.Title
			posts[i].Content = contentOrMarker(full.Content)
			posts[i].File = full.File
			posts[i].Attachments = full.Attachments
			posts[i].Embed = full.Embed
			posts[i].SharedFile = full.SharedFile
			posts[i].Edited = full.Edited

			if filesChanged {
				posts[i].Done = false
				mu.Lock()
				changed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return changed, err
	}

	if err := d.cache.SavePosts(artist.ID, posts); err != nil {
		return changed, fmt.Errorf("failed to persist post cache: %w", err)
	}
	d.log.Info("full refresh complete", "artist", artist.DisplayName(), "changed", changed)
	return changed, nil
}

// remoteHasNewFiles reports whether the remote post carries a {name,path}
// item the local copy lacks. Local extras do not count: the comparison is
// deliberately permissive so a lossy remote never retriggers downloads.
func remoteHasNewFiles(local, remote *model.Post) bool {
	have := make(map[model.FileRef]bool, len(local.Attachments)+1)
	if local.File != nil {
		have[*local.File] = true
	}
	for _, a := range local.Attachments {
		have[a] = true
	}
	if remote.File != nil && remote.File.Path != "" && !have[*remote.File] {
		return true
	}
	for _, a := range remote.Attachments {
		if a.Path != "" && !have[a] {
			return true
		}
	}
	return false
}

func contentOrMarker(content string) string {
	if content == "" {
		return model.NoContentMarker
	}
	return content
}

// DownloadPosts fans the working set out over max_concurrent_posts workers.
func (d *Downloader) DownloadPosts(artist *model.Artist, posts []model.Post) PostsResult {
	d.log.Info("processing posts", "artist", artist.DisplayName(), "count", len(posts))
	d.notifier.ArtistStart(artist.DisplayName(), len(posts))

	cfg := d.cfg.Get()
	saveContent := cfg.BoolFor(artist, "save_content")

	var mu sync.Mutex
	downloaded := 0
	var failed []PostResult

	record := func(ok bool, res PostResult) {
		mu.Lock()
		defer mu.Unlock()
		if ok {
			downloaded++
		} else {
			failed = append(failed, res)
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(cfg.MaxConcurrentPosts)
	for i := range posts {
		g.Go(func() error {
			post := &posts[i]
			if d.api.Cancelled() {
				record(false, failedPostResult(artist.Service, post.ID))
				return nil
			}

			if err := d.hydratePost(artist, post, saveContent); err != nil {
				if !errors.Is(err, kemono.ErrCancelled) {
					d.log.Error("failed to hydrate post", "post", post.ID, "error", err)
				}
				record(false, failedPostResult(artist.Service, post.ID))
				return nil
			}

			res := d.DownloadPost(artist, post)
			if res.Success {
				var content *string
				if post.Content != "" {
					content = &post.Content
				}
				if err := d.cache.UpdatePost(artist.ID, post.ID, true, []string{}, content); err != nil {
					d.log.Error("failed to persist post status", "post", post.ID, "error", err)
				}
				if !res.Empty {
					d.log.Info("post complete", "post", post.ID, "files", res.FilesDownloaded)
				}
				metrics.PostsDownloaded.Inc()
				d.stats.TrackPost()
				record(true, res)
			} else {
				d.log.Warn("post failed", "post", post.ID, "failed_files", res.FilesFailed)
				metrics.PostsFailed.Inc()
				record(false, res)
			}
			return nil
		})
	}
	g.Wait()

	d.log.Info("artist pass complete", "artist", artist.DisplayName(), "ok", downloaded, "failed", len(failed))
	d.notifier.ArtistComplete(artist.DisplayName(), downloaded, len(failed))

	return PostsResult{
		Success:         len(failed) == 0,
		PostsDownloaded: downloaded,
		PostsFailed:     len(failed),
		FailedPosts:     failed,
	}
}

// hydratePost fetches the full record when the listing left out the file
// descriptors, or the content when save_content needs it. The no-content
// marker remembers a confirmed-empty body across runs.
func (d *Downloader) hydratePost(artist *model.Artist, post *model.Post, saveContent bool) error {
	needsFiles := post.File == nil && len(post.Attachments) == 0
	needsContent := saveContent && post.Content == ""
	if !needsFiles && !needsContent {
		return nil
	}
	full, err := d.api.GetPost(artist.Service, artist.UserID, post.ID)
	if err != nil {
		return err
	}
	if needsFiles {
		post.File = full.File
		post.Attachments = full.Attachments
	}
	if needsContent {
		post.Content = contentOrMarker(full.Content)
	}
	return nil
}

// DownloadPost renders the destination directory and fans the post's files
// out over max_concurrent_files workers.
func (d *Downloader) DownloadPost(artist *model.Artist, post *model.Post) PostResult {
	cfg := d.cfg.Get()
	saveContent := cfg.BoolFor(artist, "save_content")
	saveEmpty := cfg.BoolFor(artist, "save_empty_posts")

	files := d.extractFiles(post)
	if len(files) == 0 && !saveEmpty && !saveContent {
		return emptyPostResult(artist.Service, post.ID)
	}

	artistFolder, err := d.engine.ArtistFolder(format.ArtistFolderParams{
		Service:  artist.Service,
		Name:     artist.Name,
		Alias:    artist.Alias,
		UserID:   artist.UserID,
		LastDate: artist.LastDate,
	}, cfg.StringFor(artist, "artist_folder_template"))
	if err != nil {
		d.log.Error("artist template rendering failed", "post", post.ID, "error", err)
		return failedPostResult(artist.Service, post.ID)
	}
	postFolder, err := d.engine.PostFolder(format.PostFolderParams{
		ID:        post.ID,
		User:      post.User,
		Service:   post.Service,
		Title:     post.Title,
		Published: post.Published,
	}, cfg.StringFor(artist, "post_folder_template"), cfg.StringFor(artist, "date_format"))
	if err != nil {
		d.log.Error("post template rendering failed", "post", post.ID, "error", err)
		return failedPostResult(artist.Service, post.ID)
	}

	return d.downloadInto(artist, post, filepath.Join(cfg.DownloadDir, artistFolder, postFolder), files, saveContent)
}

func (d *Downloader) downloadInto(artist *model.Artist, post *model.Post, saveDir string, files []extractedFile, saveContent bool) PostResult {
	cfg := d.cfg.Get()

	if err := os.MkdirAll(saveDir, 0755); err != nil {
		d.log.Error("failed to create post dir", "dir", saveDir, "error", err)
		return failedPostResult(artist.Service, post.ID)
	}

	if saveContent && post.Content != "" && post.Content != model.NoContentMarker {
		if err := os.WriteFile(filepath.Join(saveDir, "content.txt"), []byte(post.Content), 0644); err != nil {
			d.log.Warn("failed to write content.txt", "post", post.ID, "error", err)
		}
	}

	if len(files) == 0 {
		return emptyPostResult(artist.Service, post.ID)
	}

	originals := make([]string, len(files))
	for i, f := range files {
		originals[i] = f.Name
	}
	names, err := d.engine.FilesNames(originals, cfg.StringFor(artist, "file_template"),
		cfg.BoolFor(artist, "rename_images_only"), cfg.ImageExtensions)
	if err != nil {
		d.log.Error("file template rendering failed", "post", post.ID, "error", err)
		return failedPostResult(artist.Service, post.ID)
	}

	cb := d.fileCallbacks()

	var mu sync.Mutex
	succeeded := 0
	var failedFiles []string

	g := new(errgroup.Group)
	g.SetLimit(cfg.MaxConcurrentFiles)
	for i := range files {
		g.Go(func() error {
			name := names[i]
			if d.api.Cancelled() {
				mu.Lock()
				failedFiles = append(failedFiles, name)
				mu.Unlock()
				return nil
			}
			if err := d.api.DownloadFile(files[i].URL, filepath.Join(saveDir, name), cb); err != nil {
				if !errors.Is(err, kemono.ErrCancelled) {
					d.log.Error("file download failed", "file", name, "error", err)
				}
				mu.Lock()
				failedFiles = append(failedFiles, name)
				mu.Unlock()
				return nil
			}
			d.log.Debug("file complete", "file", name)
			metrics.FilesDownloaded.Inc()
			d.stats.TrackFile()
			mu.Lock()
			succeeded++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if len(failedFiles) > 0 {
		if err := d.cache.UpdatePost(artist.ID, post.ID, false, failedFiles, nil); err != nil {
			d.log.Error("failed to persist failed files", "post", post.ID, "error", err)
		}
	}

	return PostResult{
		Service:         artist.Service,
		PostID:          post.ID,
		Success:         len(failedFiles) == 0,
		FilesDownloaded: succeeded,
		FilesFailed:     len(failedFiles),
		FailedFiles:     failedFiles,
	}
}

// fileCallbacks layers byte accounting over the notifier's callbacks.
func (d *Downloader) fileCallbacks() kemono.Callbacks {
	inner := d.notifier.FileCallbacks()
	var mu sync.Mutex
	last := make(map[string]int64)
	return kemono.Callbacks{
		OnStart: func(name string, size int64) {
			mu.Lock()
			last[name] = 0
			mu.Unlock()
			if inner.OnStart != nil {
				inner.OnStart(name, size)
			}
		},
		OnProgress: func(name string, downloaded, size int64) {
			mu.Lock()
			delta := downloaded - last[name]
			last[name] = downloaded
			mu.Unlock()
			if delta > 0 {
				metrics.BytesDownloaded.Add(float64(delta))
				d.stats.TrackBytes(delta)
			}
			if inner.OnProgress != nil {
				inner.OnProgress(name, downloaded, size)
			}
		},
		OnComplete: func(name string, ok bool) {
			mu.Lock()
			delete(last, name)
			mu.Unlock()
			if inner.OnComplete != nil {
				inner.OnComplete(name, ok)
			}
		},
	}
}

// extractFiles flattens a post's file descriptors into downloadable units:
// principal file first, then attachments in order, empty URLs dropped.
func (d *Downloader) extractFiles(post *model.Post) []extractedFile {
	var files []extractedFile
	if post.File != nil && post.File.Path != "" {
		name := post.File.Name
		if name == "" {
			name = "file"
		}
		files = append(files, extractedFile{URL: d.api.ResolveFileURL(post.File.Path), Name: name})
	}
	for _, att := range post.Attachments {
		if att.Path == "" {
			continue
		}
		name := att.Name
		if name == "" {
			name = "attachment"
		}
		files = append(files, extractedFile{URL: d.api.ResolveFileURL(att.Path), Name: name})
	}
	return files
}

// calculateNewLastDate walks the cached posts in ascending published order
// from the current watermark, advancing over done posts and stopping at the
// first undone one. Returns "" when the watermark cannot move.
func (d *Downloader) calculateNewLastDate(artist *model.Artist) string {
	posts := d.cache.LoadPosts(artist.ID)
	if len(posts) == 0 {
		return ""
	}
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].Published < posts[j].Published
	})

	start := artist.LastDate
	newLast := start
	for _, p := range posts {
		if p.Published <= start {
			continue
		}
		if !p.Done {
			break
		}
		newLast = p.Published
	}
	if newLast == start {
		return ""
	}
	return newLast
}

func dedupeByID(posts []model.Post) []model.Post {
	seen := make(map[string]bool, len(posts))
	out := make([]model.Post, 0, len(posts))
	for _, p := range posts {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	return out
}
