package downloader

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"project-mirage/internal/cache"
	"project-mirage/internal/config"
	"project-mirage/internal/format"
	"project-mirage/internal/kemono"
	"project-mirage/internal/model"
	"project-mirage/internal/storage"
)

// fakeRemote simulates the content host in memory and counts calls so tests
// can assert how much work a run performed.
type fakeRemote struct {
	mu        sync.Mutex
	cancelled bool

	posts     []model.Post          // the remote listing, in remote order
	fullPosts map[string]model.Post // single-post endpoint

	profileCalls  int
	listCalls     int
	postCalls     int
	downloadCalls int
	failURLs      map[string]bool
}

func (f *fakeRemote) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeRemote) GetProfile(service, userID string) (*model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++
	return &model.Profile{Service: service, ID: userID, PostCount: len(f.posts)}, nil
}

func (f *fakeRemote) GetAllPosts(service, userID string) ([]model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]model.Post, len(f.posts))
	copy(out, f.posts)
	return out, nil
}

func (f *fakeRemote) GetPost(service, userID, postID string) (*model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCalls++
	p, ok := f.fullPosts[postID]
	if !ok {
		return nil, fmt.Errorf("%w: post %s", kemono.ErrNotFound, postID)
	}
	return &p, nil
}

func (f *fakeRemote) DownloadFile(url, destPath string, cb kemono.Callbacks) error {
	f.mu.Lock()
	f.downloadCalls++
	fail := f.failURLs[url]
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: %s", kemono.ErrNotFound, url)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(destPath, []byte("payload:"+url), 0644)
}

func (f *fakeRemote) ResolveFileURL(path string) string {
	return "https://remote.example" + path
}

type fixture struct {
	dl      *Downloader
	remote  *fakeRemote
	storage *storage.Storage
	cache   *cache.Cache
	cfg     *model.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	st, err := storage.New(filepath.Join(dir, "data"), log)
	require.NoError(t, err)
	ca, err := cache.New(filepath.Join(dir, "cache"), log)
	require.NoError(t, err)

	cfg := model.DefaultConfig()
	cfg.DownloadDir = filepath.Join(dir, "downloads")
	cfg.CacheDir = filepath.Join(dir, "cache")

	remote := &fakeRemote{fullPosts: make(map[string]model.Post), failURLs: make(map[string]bool)}
	dl := New(config.NewStaticManager(cfg), log, st, ca, remote, format.NewEngine(nil), nil, nil)
	return &fixture{dl: dl, remote: remote, storage: st, cache: ca, cfg: cfg}
}

func post(id, published, filePath string) model.Post {
	p := model.Post{
		ID:        id,
		User:      "1",
		Service:   "patreon",
		Title:     "post " + id,
		Content:   "content of " + id,
		Published: published,
	}
	if filePath != "" {
		p.File = &model.FileRef{Name: id + ".png", Path: filePath}
	}
	return p
}

func testArtist(lastDate string) *model.Artist {
	return &model.Artist{
		ID:       "patreon_1",
		Service:  "patreon",
		UserID:   "1",
		Name:     "alice",
		LastDate: lastDate,
	}
}

// Fresh adoption: posts at or before the watermark start done, the rest are
// fetched, and the watermark advances over the contiguous done range.
func TestFreshAdoptionWithWatermark(t *testing.T) {
	f := newFixture(t)
	artist := testArtist("2024-06-01T00:00:00")
	require.NoError(t, f.storage.SaveArtist(artist))

	f.remote.posts = []model.Post{
		post("c", "2024-07-01T00:00:00", "/c.png"),
		post("b", "2024-06-01T00:00:00", "/b.png"),
		post("a", "2024-05-01T00:00:00", "/a.png"),
	}

	res := f.dl.DownloadArtist(artist, "", "")
	require.True(t, res.Success)
	require.Equal(t, 1, res.PostsDownloaded, "only the post past the watermark is fetched")
	require.Equal(t, 0, res.PostsFailed)

	cached := f.cache.LoadPosts(artist.ID)
	require.Len(t, cached, 3)
	byID := make(map[string]model.Post)
	for _, p := range cached {
		byID[p.ID] = p
	}
	require.True(t, byID["a"].Done)
	require.True(t, byID["b"].Done, "published == last_date counts as already handled")
	require.True(t, byID["c"].Done)

	require.Equal(t, "2024-07-01T00:00:00", artist.LastDate)
	saved, err := f.storage.GetArtist(artist.ID)
	require.NoError(t, err)
	require.Equal(t, "2024-07-01T00:00:00", saved.LastDate)
}

// Backfill: a post older than the watermark appearing on an already-adopted
// artist must be downloaded and must not move the watermark.
func TestBackfillForExistingArtist(t *testing.T) {
	f := newFixture(t)
	artist := testArtist("2024-06-01T00:00:00")
	require.NoError(t, f.storage.SaveArtist(artist))
	f.remote.posts = []model.Post{
		post("c", "2024-07-01T00:00:00", "/c.png"),
		post("b", "2024-06-01T00:00:00", "/b.png"),
		post("a", "2024-05-01T00:00:00", "/a.png"),
	}
	f.dl.DownloadArtist(artist, "", "")
	watermark := artist.LastDate

	// Remote backfills an old post.
	f.remote.posts = append(f.remote.posts, post("z", "2024-03-01T00:00:00", "/z.png"))

	updated, err := f.dl.UpdatePostsBasic(artist)
	require.NoError(t, err)
	require.True(t, updated)

	var z *model.Post
	for _, p := range f.cache.LoadPosts(artist.ID) {
		if p.ID == "z" {
			z = &p
		}
	}
	require.NotNil(t, z)
	require.False(t, z.Done, "watermark rule applies to adoption only, not backfill")

	res := f.dl.DownloadArtist(artist, "", "")
	require.Equal(t, 1, res.PostsDownloaded)
	require.Equal(t, watermark, artist.LastDate, "backfill before the watermark must not move it")
}

// Date-range rerun refetches matching posts regardless of done status.
func TestDateRangeRerun(t *testing.T) {
	f := newFixture(t)
	artist := testArtist("2024-06-01T00:00:00")
	require.NoError(t, f.storage.SaveArtist(artist))
	f.remote.posts = []model.Post{
		post("c", "2024-07-01T00:00:00", "/c.png"),
		post("b", "2024-06-01T00:00:00", "/b.png"),
		post("a", "2024-05-01T00:00:00", "/a.png"),
	}
	f.dl.DownloadArtist(artist, "", "")
	watermark := artist.LastDate
	downloadsBefore := f.remote.downloadCalls

	res := f.dl.DownloadArtist(artist, "2024-06-15T00:00:00", "2024-07-15T23:59:59")
	require.Equal(t, 1, res.PostsDownloaded, "only c is in range")
	require.Greater(t, f.remote.downloadCalls, downloadsBefore, "done posts in range are re-run")
	require.Equal(t, watermark, artist.LastDate)
}

// A fully-done cache costs one profile probe and nothing else.
func TestIdempotentRun(t *testing.T) {
	f := newFixture(t)
	artist := testArtist("")
	require.NoError(t, f.storage.SaveArtist(artist))
	f.remote.posts = []model.Post{
		post("a", "2024-05-01T00:00:00", "/a.png"),
		post("b", "2024-06-01T00:00:00", "/b.png"),
	}
	f.dl.DownloadArtist(artist, "", "")

	listCalls := f.remote.listCalls
	downloadCalls := f.remote.downloadCalls

	res := f.dl.DownloadArtist(artist, "", "")
	require.True(t, res.Success)
	require.Equal(t, 0, res.PostsDownloaded)
	require.Equal(t, listCalls, f.remote.listCalls, "no list fetch when counts match")
	require.Equal(t, downloadCalls, f.remote.downloadCalls, "no file fetch on an idempotent run")
}

// Merge preserves done and failed_files bit-for-bit for surviving ids.
func TestMergePreservesStatus(t *testing.T) {
	f := newFixture(t)
	artist := testArtist("")
	require.NoError(t, f.storage.SaveArtist(artist))

	seeded := []model.Post{
		{ID: "a", Published: "2024-01-01T00:00:00", Done: true},
		{ID: "b", Published: "2024-02-01T00:00:00", Done: false, FailedFiles: []string{"x.png"}},
	}
	require.NoError(t, f.cache.SavePosts(artist.ID, seeded))

	f.remote.posts = []model.Post{
		post("c", "2024-03-01T00:00:00", "/c.png"),
		post("b", "2024-02-01T00:00:00", "/b.png"),
		post("a", "2024-01-01T00:00:00", "/a.png"),
	}

	updated, err := f.dl.UpdatePostsBasic(artist)
	require.NoError(t, err)
	require.True(t, updated)

	byID := make(map[string]model.Post)
	for _, p := range f.cache.LoadPosts(artist.ID) {
		byID[p.ID] = p
	}
	require.True(t, byID["a"].Done)
	require.False(t, byID["b"].Done)
	require.Equal(t, []string{"x.png"}, byID["b"].FailedFiles)
	require.False(t, byID["c"].Done)
}

func TestFailedFilesRecordedAndRetried(t *testing.T) {
	f := newFixture(t)
	artist := testArtist("")
	require.NoError(t, f.storage.SaveArtist(artist))
	f.remote.posts = []model.Post{post("a", "2024-05-01T00:00:00", "/a.png")}
	f.remote.failURLs["https://remote.example/a.png"] = true

	res := f.dl.DownloadArtist(artist, "", "")
	require.False(t, res.Success)
	require.Equal(t, 1, res.PostsFailed)

	cached := f.cache.LoadPosts(artist.ID)[0]
	require.False(t, cached.Done)
	require.NotEmpty(t, cached.FailedFiles)
	require.Equal(t, "", artist.LastDate, "watermark must not advance over a failed post")

	// The failure heals on the next run.
	f.remote.failURLs = map[string]bool{}
	res = f.dl.DownloadArtist(artist, "", "")
	require.True(t, res.Success)
	require.Equal(t, 1, res.PostsDownloaded)

	cached = f.cache.LoadPosts(artist.ID)[0]
	require.True(t, cached.Done)
	require.Empty(t, cached.FailedFiles, "done must clear failed_files")
}

func TestContentSavedToDisk(t *testing.T) {
	f := newFixture(t)
	artist := testArtist("")
	require.NoError(t, f.storage.SaveArtist(artist))
	f.remote.posts = []model.Post{post("a", "2024-05-01T00:00:00", "/a.png")}

	f.dl.DownloadArtist(artist, "", "")

	matches, err := filepath.Glob(filepath.Join(f.cfg.DownloadDir, "*", "*", "content.txt"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	body, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.Equal(t, "content of a", string(body))
}

func TestHydrateFetchesMissingFilesAndContent(t *testing.T) {
	f := newFixture(t)
	artist := testArtist("")
	require.NoError(t, f.storage.SaveArtist(artist))

	listing := post("a", "2024-05-01T00:00:00", "")
	listing.Content = ""
	f.remote.posts = []model.Post{listing}

	full := post("a", "2024-05-01T00:00:00", "/a.png")
	f.remote.fullPosts["a"] = full

	res := f.dl.DownloadArtist(artist, "", "")
	require.True(t, res.Success)
	require.Equal(t, 1, res.PostsDownloaded)
	require.Greater(t, f.remote.postCalls, 0, "listing without files must trigger a full fetch")
	require.Equal(t, 1, f.remote.downloadCalls)

	cached := f.cache.LoadPosts(artist.ID)[0]
	require.Equal(t, "content of a", cached.Content)
}

func TestHydrateStoresNoContentMarker(t *testing.T) {
	f := newFixture(t)
	artist := testArtist("")
	require.NoError(t, f.storage.SaveArtist(artist))

	listing := post("a", "2024-05-01T00:00:00", "/a.png")
	listing.Content = ""
	f.remote.posts = []model.Post{listing}

	full := post("a", "2024-05-01T00:00:00", "/a.png")
	full.Content = ""
	f.remote.fullPosts["a"] = full

	f.dl.DownloadArtist(artist, "", "")

	cached := f.cache.LoadPosts(artist.ID)[0]
	require.Equal(t, model.NoContentMarker, cached.Content, "fetched-empty must be remembered")

	// No content.txt for the sentinel.
	matches, _ := filepath.Glob(filepath.Join(f.cfg.DownloadDir, "*", "*", "content.txt"))
	require.Empty(t, matches)

	// Second run must not refetch the content.
	postCalls := f.remote.postCalls
	f.dl.DownloadArtist(artist, "", "")
	require.Equal(t, postCalls, f.remote.postCalls)
}

func TestSkippedStates(t *testing.T) {
	f := newFixture(t)

	completed := testArtist("")
	completed.Completed = true
	res := f.dl.DownloadArtist(completed, "", "")
	require.True(t, res.Skipped)

	ignored := testArtist("")
	ignored.Ignore = true
	res = f.dl.DownloadArtist(ignored, "", "")
	require.True(t, res.Skipped)

	require.Zero(t, f.remote.profileCalls, "skipped artists must not touch the network")
}

func TestExtractFilesOrderAndFallbacks(t *testing.T) {
	f := newFixture(t)
	p := model.Post{
		File: &model.FileRef{Name: "", Path: "/main.bin"},
		Attachments: []model.FileRef{
			{Name: "second.png", Path: "/second.png"},
			{Name: "skipped", Path: ""},
			{Name: "", Path: "/third.png"},
		},
	}
	files := f.dl.extractFiles(&p)
	require.Len(t, files, 3)
	require.Equal(t, "file", files[0].Name)
	require.Equal(t, "https://remote.example/main.bin", files[0].URL)
	require.Equal(t, "second.png", files[1].Name)
	require.Equal(t, "attachment", files[2].Name)
}

func TestWatermarkWalk(t *testing.T) {
	f := newFixture(t)
	artist := testArtist("2024-01-15T00:00:00")
	require.NoError(t, f.storage.SaveArtist(artist))

	tests := []struct {
		name  string
		posts []model.Post
		want  string
	}{
		{
			name: "advances over contiguous done range",
			posts: []model.Post{
				{ID: "1", Published: "2024-01-01T00:00:00", Done: false},
				{ID: "2", Published: "2024-02-01T00:00:00", Done: true},
				{ID: "3", Published: "2024-03-01T00:00:00", Done: true},
				{ID: "4", Published: "2024-04-01T00:00:00", Done: false},
				{ID: "5", Published: "2024-05-01T00:00:00", Done: true},
			},
			want: "2024-03-01T00:00:00",
		},
		{
			name: "stops immediately at an undone post",
			posts: []model.Post{
				{ID: "1", Published: "2024-02-01T00:00:00", Done: false},
				{ID: "2", Published: "2024-03-01T00:00:00", Done: true},
			},
			want: "",
		},
		{
			name:  "empty cache yields nothing",
			posts: nil,
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, f.cache.SavePosts(artist.ID, tt.posts))
			require.Equal(t, tt.want, f.dl.calculateNewLastDate(artist))
		})
	}
}

func TestUpdatePostsFullSupersetComparison(t *testing.T) {
	f := newFixture(t)
	artist := testArtist("")
	require.NoError(t, f.storage.SaveArtist(artist))

	// Local has two attachments and is done; remote dropped one of them.
	local := post("a", "2024-05-01T00:00:00", "/a.png")
	local.Done = true
	local.Attachments = []model.FileRef{{Name: "x.png", Path: "/x.png"}}
	require.NoError(t, f.cache.SavePosts(artist.ID, []model.Post{local}))
	f.remote.posts = []model.Post{local}

	shrunk := post("a", "2024-05-01T00:00:00", "/a.png")
	f.remote.fullPosts["a"] = shrunk

	changed, err := f.dl.UpdatePostsFull(artist)
	require.NoError(t, err)
	require.Equal(t, 0, changed, "local superset of remote is not a change")
	require.True(t, f.cache.LoadPosts(artist.ID)[0].Done)

	// Remote gains a new attachment: that is a change and resets done.
	grown := post("a", "2024-05-01T00:00:00", "/a.png")
	grown.Attachments = []model.FileRef{{Name: "x.png", Path: "/x.png"}, {Name: "new.png", Path: "/new.png"}}
	f.remote.fullPosts["a"] = grown

	changed, err = f.dl.UpdatePostsFull(artist)
	require.NoError(t, err)
	require.Equal(t, 1, changed)
	require.False(t, f.cache.LoadPosts(artist.ID)[0].Done)
}

func TestFilterAppliedToWorkingSet(t *testing.T) {
	f := newFixture(t)
	artist := testArtist("")
	artist.Filter = map[string]any{"exclude_keywords": []any{"post b"}}
	require.NoError(t, f.storage.SaveArtist(artist))
	f.remote.posts = []model.Post{
		post("a", "2024-05-01T00:00:00", "/a.png"),
		post("b", "2024-06-01T00:00:00", "/b.png"),
	}

	res := f.dl.DownloadArtist(artist, "", "")
	require.Equal(t, 1, res.PostsDownloaded, "filtered post must not be fetched")

	byID := make(map[string]model.Post)
	for _, p := range f.cache.LoadPosts(artist.ID) {
		byID[p.ID] = p
	}
	require.True(t, byID["a"].Done)
	require.False(t, byID["b"].Done, "filtered posts stay undone")
}
