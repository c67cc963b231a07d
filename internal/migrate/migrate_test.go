package migrate

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"project-mirage/internal/cache"
	"project-mirage/internal/format"
	"project-mirage/internal/model"
)

func newFixture(t *testing.T) (*Migrator, *cache.Cache, string) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := cache.New(t.TempDir(), log)
	require.NoError(t, err)
	return New(c, format.NewEngine(nil), log), c, t.TempDir()
}

func templates(downloadDir, postTmpl string) Templates {
	return Templates{
		DownloadDir:          downloadDir,
		ArtistFolderTemplate: "{service}/{name}",
		PostFolderTemplate:   postTmpl,
		FileTemplate:         "{idx}",
		DateFormat:           "2006.01.02",
		ImageExtensions:      []string{".jpg", ".png"},
	}
}

func testArtist() *model.Artist {
	return &model.Artist{ID: "patreon_1", Service: "patreon", UserID: "1", Name: "mona"}
}

func post(id, title, published string) model.Post {
	return model.Post{ID: id, User: "1", Service: "patreon", Title: title, Published: published}
}

func mkdirs(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, os.MkdirAll(p, 0o755))
	}
}

func TestPlanPostsRenameAndSkips(t *testing.T) {
	m, c, dir := newFixture(t)
	artist := testArtist()
	require.NoError(t, c.SavePosts(artist.ID, []model.Post{
		post("p1", "alpha", "2024-01-10T00:00:00"),
		post("p2", "beta", "2024-02-05T00:00:00"),  // no folder on disk
		post("p3", "gamma", "2024-03-01T00:00:00"), // target already exists
	}))

	oldCfg := templates(dir, "{title}")
	newCfg := templates(dir, "[{published}] {title}")
	base := filepath.Join(dir, "patreon", "mona")
	mkdirs(t,
		filepath.Join(base, "alpha"),
		filepath.Join(base, "gamma"),
		filepath.Join(base, "[2024.03.01] gamma"),
	)

	plan, err := m.PlanPosts(artist, oldCfg, newCfg)
	require.NoError(t, err)
	require.Equal(t, 3, plan.TotalItems)

	require.Len(t, plan.Mappings, 1)
	require.Equal(t, "p1", plan.Mappings[0].ItemID)
	require.Equal(t, filepath.Join(base, "alpha"), plan.Mappings[0].OldPath)
	require.Equal(t, filepath.Join(base, "[2024.01.10] alpha"), plan.Mappings[0].NewPath)

	reasons := map[string]string{}
	for _, s := range plan.Skipped {
		reasons[s.ItemID] = s.Reason
	}
	require.Equal(t, "Source not found", reasons["p2"])
	require.Equal(t, "Target exists", reasons["p3"])
	require.Empty(t, plan.Conflicts)
}

func TestPlanPostsSamePath(t *testing.T) {
	m, c, dir := newFixture(t)
	artist := testArtist()
	require.NoError(t, c.SavePosts(artist.ID, []model.Post{post("p1", "alpha", "2024-01-10T00:00:00")}))

	cfg := templates(dir, "{title}")
	mkdirs(t, filepath.Join(dir, "patreon", "mona", "alpha"))

	plan, err := m.PlanPosts(artist, cfg, cfg)
	require.NoError(t, err)
	require.Empty(t, plan.Mappings)
	require.Equal(t, []Skip{{ItemID: "p1", Reason: "Same path"}}, plan.Skipped)
}

func TestPlanPostsNewPathCollision(t *testing.T) {
	m, c, dir := newFixture(t)
	artist := testArtist()
	// Two posts with the same title collapse onto one folder once the
	// published date is dropped from the template.
	require.NoError(t, c.SavePosts(artist.ID, []model.Post{
		post("p1", "dup", "2024-01-10T00:00:00"),
		post("p2", "dup", "2024-02-05T00:00:00"),
		post("p3", "solo", "2024-03-01T00:00:00"),
	}))

	oldCfg := templates(dir, "[{published}] {title}")
	newCfg := templates(dir, "{title}")
	base := filepath.Join(dir, "patreon", "mona")
	mkdirs(t,
		filepath.Join(base, "[2024.01.10] dup"),
		filepath.Join(base, "[2024.02.05] dup"),
		filepath.Join(base, "[2024.03.01] solo"),
	)

	plan, err := m.PlanPosts(artist, oldCfg, newCfg)
	require.NoError(t, err)

	require.Len(t, plan.Mappings, 1)
	require.Equal(t, "p3", plan.Mappings[0].ItemID)

	require.Len(t, plan.Conflicts, 1)
	require.ElementsMatch(t, []string{"p1", "p2"}, plan.Conflicts[0].ItemIDs)
	require.Equal(t, 2, plan.ConflictCount)

	for _, s := range plan.Skipped {
		require.Contains(t, s.Reason, "New path conflict (2 posts -> 1 path)")
	}
}

func TestPlanFiles(t *testing.T) {
	m, c, dir := newFixture(t)
	artist := testArtist()
	p := post("p1", "alpha", "2024-01-10T00:00:00")
	p.File = &model.FileRef{Name: "cover.jpg", Path: "/data/aa.jpg"}
	p.Attachments = []model.FileRef{{Name: "extra.png", Path: "/data/bb.png"}}
	require.NoError(t, c.SavePosts(artist.ID, []model.Post{p}))

	oldCfg := templates(dir, "{title}")
	newCfg := oldCfg
	newCfg.FileTemplate = "{idx} {name}"

	postDir := filepath.Join(dir, "patreon", "mona", "alpha")
	mkdirs(t, postDir)
	require.NoError(t, os.WriteFile(filepath.Join(postDir, "0.jpg"), []byte("x"), 0o644))
	// second file missing on disk

	plan, err := m.PlanFiles(artist, oldCfg, newCfg)
	require.NoError(t, err)
	require.Equal(t, 2, plan.TotalItems)

	require.Len(t, plan.Mappings, 1)
	require.Equal(t, "p1:cover.jpg", plan.Mappings[0].ItemID)
	require.Equal(t, filepath.Join(postDir, "0.jpg"), plan.Mappings[0].OldPath)
	require.Equal(t, filepath.Join(postDir, "0 cover.jpg"), plan.Mappings[0].NewPath)

	require.Len(t, plan.Skipped, 1)
	require.Equal(t, Skip{ItemID: "p1:extra.png", Reason: "Source not found"}, plan.Skipped[0])
}

func TestPlanFilesSkipsMissingPostFolders(t *testing.T) {
	m, c, dir := newFixture(t)
	artist := testArtist()
	p := post("p1", "alpha", "2024-01-10T00:00:00")
	p.File = &model.FileRef{Name: "cover.jpg", Path: "/data/aa.jpg"}
	require.NoError(t, c.SavePosts(artist.ID, []model.Post{p}))

	plan, err := m.PlanFiles(artist, templates(dir, "{title}"), templates(dir, "{id}"))
	require.NoError(t, err)
	require.Zero(t, plan.TotalItems)
	require.Empty(t, plan.Mappings)
	require.Empty(t, plan.Skipped)
}

func TestExecuteRenamesAndCollectsFailures(t *testing.T) {
	m, _, dir := newFixture(t)
	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "nested", "b")
	mkdirs(t, src)

	plan := &Plan{Kind: KindPost, Mappings: []Mapping{
		{OldPath: src, NewPath: dst, ItemID: "p1"},
		{OldPath: filepath.Join(dir, "gone"), NewPath: filepath.Join(dir, "c"), ItemID: "p2"},
	}}

	res := m.Execute(plan)
	require.Equal(t, 2, res.Total)
	require.Equal(t, 1, res.Success)
	require.DirExists(t, dst)
	require.NoDirExists(t, src)

	require.Len(t, res.Failed, 1)
	require.Equal(t, "p2", res.Failed[0].ItemID)
	require.NotEmpty(t, res.Failed[0].Error)
}
