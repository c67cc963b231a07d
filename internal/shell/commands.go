package shell

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"project-mirage/internal/format"
	"project-mirage/internal/migrate"
	"project-mirage/internal/model"
	"project-mirage/internal/validate"
)

func (s *Shell) registerAll() {
	s.register("help", "list commands", nil, s.cmdHelp)
	s.register("exit", "shut down", nil, func(map[string]string, io.Writer) error { return ErrExit })
	s.register("clear", "clear the screen", nil, func(_ map[string]string, w io.Writer) error {
		fmt.Fprint(w, "\033[2J\033[H")
		return nil
	})

	s.register("add", "track a new artist", []string{"url", "name", "alias", "last_date"}, s.cmdAdd)
	s.register("remove", "stop tracking an artist", []string{"artist", "confirm"}, s.cmdRemove)
	s.register("list", "list tracked artists", []string{"service", "all"}, s.cmdList)
	s.alias("ls", "list")
	s.register("la", "list all artists including ignored/completed", []string{"service"}, func(args map[string]string, w io.Writer) error {
		args["all"] = "true"
		return s.cmdList(args, w)
	})
	s.register("list-undone", "list an artist's pending posts", []string{"artist"}, s.cmdListUndone)
	s.register("list-all-undone", "list pending posts across all artists", nil, s.cmdListAllUndone)

	s.register("ignore", "exclude an artist from scheduled runs", []string{"artist"}, s.setFlag("ignore", true))
	s.register("unignore", "re-include an artist in scheduled runs", []string{"artist"}, s.setFlag("ignore", false))
	s.register("complete", "mark an artist fully mirrored", []string{"artist"}, s.setFlag("completed", true))
	s.register("uncomplete", "clear an artist's completed mark", []string{"artist"}, s.setFlag("completed", false))
	s.register("ignore-inactive", "ignore artists with no recent posts", []string{"months"}, s.cmdIgnoreInactive)

	s.register("check", "queue a download for an artist", []string{"artist", "from", "until"}, s.cmdCheck)
	s.register("check-from", "queue a download from a date", []string{"artist", "date"}, s.cmdCheckFrom)
	s.register("check-until", "queue a download up to a date", []string{"artist", "date"}, s.cmdCheckUntil)
	s.register("check-range", "queue a download between two dates", []string{"artist", "from", "until"}, s.cmdCheck)
	s.register("check-all", "queue downloads for every active artist", nil, s.cmdCheckAll)
	s.register("check-undone", "queue a download of pending posts", []string{"artist"}, s.cmdCheck)
	s.register("check-all-undone", "queue pending-post downloads for every active artist", nil, s.cmdCheckAll)

	s.register("update-cache-basic", "reconcile an artist's post list", []string{"artist"}, s.cmdUpdateBasic)
	s.register("update-all-basic", "reconcile every active artist's post list", nil, s.cmdUpdateAllBasic)
	s.register("update-cache-full", "refetch an artist's posts in full", []string{"artist"}, s.cmdUpdateFull)
	s.register("update-all-full", "refetch every active artist's posts in full", nil, s.cmdUpdateAllFull)

	s.register("cancel-all", "drop queued tasks and abort running ones", nil, s.cmdCancelAll)
	s.register("tasks", "show queue state", nil, s.cmdTasks)
	s.register("history", "show recent commands", []string{"n"}, s.cmdHistory)
	s.register("stats", "show download statistics", nil, s.cmdStats)

	s.register("reset", "mark posts undone again", []string{"artist", "last_date"}, s.cmdReset)
	s.register("reset-all", "reset every active artist", []string{"confirm"}, s.cmdResetAll)
	s.register("reset-conflicts", "reset posts involved in path conflicts", []string{"artist"}, s.cmdResetConflicts)

	s.register("clean-post-folders", "quarantine unexpected folders", []string{"artist", "quarantine", "dry"}, s.cmdCleanPostFolders)

	s.register("validate", "audit an artist for path collisions", []string{"artist"}, s.cmdValidate)
	s.register("validate-all", "audit the whole corpus for path collisions", nil, s.cmdValidateAll)
	s.register("migrate-posts", "plan/apply post folder renames", []string{"artist", "post_template", "artist_template", "execute"}, s.cmdMigratePosts)
	s.register("migrate-files", "plan/apply file renames", []string{"artist", "file_template", "execute"}, s.cmdMigrateFiles)
	s.register("dedupe", "drop duplicate cached posts", []string{"artist"}, s.cmdDedupe)
	s.register("dedupe-all", "drop duplicate cached posts everywhere", nil, s.cmdDedupeAll)

	s.register("config-global", "show or edit global config", []string{"key", "value"}, s.cmdConfigGlobal)
	s.register("config-artist", "show or edit per-artist overrides", []string{"artist", "key", "value"}, s.cmdConfigArtist)
	s.register("config-validation", "show the validation ignore store", nil, s.cmdConfigValidation)

	s.register("extract-links", "harvest URLs from an artist's cached posts", []string{"artist", "match", "unique"}, s.cmdExtractLinks)
	s.register("extract-all-links", "harvest URLs from every artist's cached posts", []string{"match", "unique"}, s.cmdExtractAllLinks)
}

func (s *Shell) cmdHelp(_ map[string]string, w io.Writer) error {
	fmt.Fprintln(w, "Commands (name[:key=value,...]):")
	for _, name := range sortedNames(s.commands) {
		fmt.Fprintf(w, "  %-22s %s\n", name, s.commands[name].summary)
	}
	return nil
}

func (s *Shell) cmdAdd(args map[string]string, w io.Writer) error {
	url := args["url"]
	if url == "" {
		return fmt.Errorf("url argument required")
	}
	parts := strings.Split(strings.TrimRight(url, "/"), "/")
	if len(parts) < 5 {
		return fmt.Errorf("unrecognised artist URL %q", url)
	}
	service := parts[len(parts)-3]
	userID := parts[len(parts)-1]
	id := service + "_" + userID

	if existing, err := s.storage.GetArtist(id); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("artist %s already exists", id)
	}

	name := args["name"]
	if name == "" {
		profile, err := s.client.GetProfile(service, userID)
		if err != nil {
			fmt.Fprintf(w, "could not fetch profile: %v\n", err)
		} else if profile.Name != "" {
			name = profile.Name
		}
	}
	if name == "" {
		name = userID
	}

	lastDate := args["last_date"]
	if lastDate != "" {
		if _, err := time.Parse("2006-01-02T15:04:05", lastDate); err != nil {
			return fmt.Errorf("last_date must be YYYY-MM-DDTHH:MM:SS: %w", err)
		}
	}

	artist := &model.Artist{
		ID:       id,
		Service:  service,
		UserID:   userID,
		Name:     name,
		Alias:    args["alias"],
		URL:      url,
		LastDate: lastDate,
	}
	if err := s.storage.SaveArtist(artist); err != nil {
		return err
	}
	fmt.Fprintf(w, "Added: %s\n", artist.DisplayName())
	if lastDate != "" {
		fmt.Fprintf(w, "Posts before %s will be skipped\n", lastDate)
	}
	return nil
}

func (s *Shell) cmdRemove(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	if strings.ToLower(args["confirm"]) != "yes" {
		fmt.Fprintf(w, "Re-run with confirm=yes to remove %s\n", artist.DisplayName())
		return nil
	}
	if err := s.storage.RemoveArtist(artist.ID); err != nil {
		return err
	}
	fmt.Fprintf(w, "Removed: %s\n", artist.DisplayName())
	return nil
}

func (s *Shell) cmdList(args map[string]string, w io.Writer) error {
	artists, err := s.storage.ListArtists()
	if err != nil {
		return err
	}
	showAll := strings.EqualFold(args["all"], "true")
	service := args["service"]

	shown := 0
	for i := range artists {
		a := &artists[i]
		if service != "" && a.Service != service {
			continue
		}
		if !showAll && (a.Ignore || a.Completed) {
			continue
		}
		shown++
		stats := s.cache.Stats(a.ID)
		state := "active"
		switch {
		case a.Completed:
			state = "done"
		case a.Ignore:
			state = "ignored"
		}
		fmt.Fprintf(w, "%-8s %4d/%-4d %-12s %s\n", state, stats.Done, stats.Total, a.ID, a.DisplayName())
	}
	fmt.Fprintf(w, "Total: %d artists\n", shown)
	return nil
}

func (s *Shell) cmdListUndone(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	s.printUndone(artist, w)
	return nil
}

func (s *Shell) cmdListAllUndone(_ map[string]string, w io.Writer) error {
	artists, err := s.activeArtists()
	if err != nil {
		return err
	}
	for i := range artists {
		s.printUndone(&artists[i], w)
	}
	return nil
}

func (s *Shell) printUndone(artist *model.Artist, w io.Writer) {
	undone := s.cache.GetUndone(artist.ID)
	if len(undone) == 0 {
		return
	}
	fmt.Fprintf(w, "%s: %d pending\n", artist.DisplayName(), len(undone))
	for i := range undone {
		p := &undone[i]
		marker := "pending"
		if len(p.FailedFiles) > 0 {
			marker = fmt.Sprintf("failed %d", len(p.FailedFiles))
		}
		fmt.Fprintf(w, "  [%s] %s %s\n", marker, p.ID, p.Title)
	}
}

// setFlag builds the ignore/unignore/complete/uncomplete handlers.
func (s *Shell) setFlag(flag string, value bool) func(map[string]string, io.Writer) error {
	return func(args map[string]string, w io.Writer) error {
		artist, err := s.resolveArtist(args["artist"])
		if err != nil {
			return err
		}
		if flag == "ignore" {
			artist.Ignore = value
		} else {
			artist.Completed = value
		}
		if err := s.storage.SaveArtist(artist); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %s=%v\n", artist.DisplayName(), flag, value)
		return nil
	}
}

func (s *Shell) cmdIgnoreInactive(args map[string]string, w io.Writer) error {
	months := 6
	if v := args["months"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("months must be a positive integer")
		}
		months = n
	}
	cutoff := time.Now().AddDate(0, -months, 0).Format("2006-01-02T15:04:05")

	artists, err := s.activeArtists()
	if err != nil {
		return err
	}
	ignored := 0
	for i := range artists {
		a := &artists[i]
		newest := ""
		for _, p := range s.cache.LoadPosts(a.ID) {
			if p.Published > newest {
				newest = p.Published
			}
		}
		if newest == "" || newest < cutoff {
			a.Ignore = true
			if err := s.storage.SaveArtist(a); err != nil {
				return err
			}
			ignored++
			fmt.Fprintf(w, "Ignored %s (newest post: %s)\n", a.DisplayName(), orNone(newest))
		}
	}
	fmt.Fprintf(w, "Ignored %d inactive artists (no posts in %d months)\n", ignored, months)
	return nil
}

func (s *Shell) cmdCheck(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	s.queueOne(artist, args["from"], args["until"], w)
	return nil
}

func (s *Shell) cmdCheckFrom(args map[string]string, w io.Writer) error {
	if args["date"] == "" {
		return fmt.Errorf("date argument required")
	}
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	s.queueOne(artist, args["date"], "", w)
	return nil
}

func (s *Shell) cmdCheckUntil(args map[string]string, w io.Writer) error {
	if args["date"] == "" {
		return fmt.Errorf("date argument required")
	}
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	s.queueOne(artist, "", args["date"], w)
	return nil
}

func (s *Shell) cmdCheckAll(_ map[string]string, w io.Writer) error {
	artists, err := s.activeArtists()
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(artists))
	for _, a := range artists {
		ids = append(ids, a.ID)
	}
	added := s.sched.QueueBatch(ids)
	fmt.Fprintf(w, "Queued %d of %d artists\n", added, len(ids))
	return nil
}

func (s *Shell) queueOne(artist *model.Artist, from, until string, w io.Writer) {
	if s.sched.QueueManual(artist.ID, from, until) {
		fmt.Fprintf(w, "Queued: %s\n", artist.DisplayName())
	} else {
		fmt.Fprintf(w, "Already queued or running: %s\n", artist.DisplayName())
	}
}

func (s *Shell) cmdUpdateBasic(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	return s.updateBasic(artist, w)
}

func (s *Shell) cmdUpdateAllBasic(_ map[string]string, w io.Writer) error {
	artists, err := s.activeArtists()
	if err != nil {
		return err
	}
	for i := range artists {
		if err := s.updateBasic(&artists[i], w); err != nil {
			fmt.Fprintf(w, "%s: %v\n", artists[i].DisplayName(), err)
		}
	}
	return nil
}

func (s *Shell) updateBasic(artist *model.Artist, w io.Writer) error {
	hasNew, err := s.downloader.UpdatePostsBasic(artist)
	if err != nil {
		return err
	}
	if hasNew {
		fmt.Fprintf(w, "%s: cache updated, new posts found\n", artist.DisplayName())
	} else {
		fmt.Fprintf(w, "%s: cache up to date\n", artist.DisplayName())
	}
	return nil
}

func (s *Shell) cmdUpdateFull(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	changed, err := s.downloader.UpdatePostsFull(artist)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %d posts changed\n", artist.DisplayName(), changed)
	return nil
}

func (s *Shell) cmdUpdateAllFull(_ map[string]string, w io.Writer) error {
	artists, err := s.activeArtists()
	if err != nil {
		return err
	}
	for i := range artists {
		changed, err := s.downloader.UpdatePostsFull(&artists[i])
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", artists[i].DisplayName(), err)
			continue
		}
		fmt.Fprintf(w, "%s: %d posts changed\n", artists[i].DisplayName(), changed)
	}
	return nil
}

func (s *Shell) cmdCancelAll(_ map[string]string, w io.Writer) error {
	active := s.sched.CancelAll()
	fmt.Fprintf(w, "Cancelled. %d tasks were active.\n", active)
	return nil
}

func (s *Shell) cmdTasks(_ map[string]string, w io.Writer) error {
	status := s.sched.Status()
	fmt.Fprintf(w, "Queued: %d  Running: %d  Completed: %d\n", status.Queued, status.Running, status.Completed)
	for _, t := range s.sched.ActiveTasks() {
		fmt.Fprintf(w, "  running  %-12s since %s\n", t.ArtistID, t.StartedAt.Format("15:04:05"))
	}
	for _, t := range s.sched.QueuedTasks() {
		fmt.Fprintf(w, "  queued   %-12s %s\n", t.ArtistID, rangeLabel(t.FromDate, t.UntilDate))
	}
	completed := s.sched.CompletedTasks()
	for i := len(completed) - 1; i >= 0 && i >= len(completed)-10; i-- {
		t := completed[i]
		outcome := fmt.Sprintf("ok, %d posts", t.PostsDownloaded)
		if t.Status == model.StatusFailed {
			outcome = "failed: " + t.Error
		}
		fmt.Fprintf(w, "  done     %-12s %s\n", t.ArtistID, outcome)
	}
	return nil
}

func (s *Shell) cmdHistory(args map[string]string, w io.Writer) error {
	limit := 10
	if v := args["n"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("n must be a positive integer")
		}
		limit = n
	}
	records, err := s.storage.RecentHistory(limit)
	if err != nil {
		return err
	}
	for _, r := range records {
		status := "ok"
		if !r.Success {
			status = "failed"
		}
		line := r.Command
		if len(r.Params) > 0 {
			pairs := make([]string, 0, len(r.Params))
			for k, v := range r.Params {
				pairs = append(pairs, k+"="+v)
			}
			line += ":" + strings.Join(pairs, ",")
		}
		fmt.Fprintf(w, "%s  %-6s %s\n", r.Timestamp.Format("2006-01-02 15:04"), status, line)
	}
	return nil
}

func (s *Shell) cmdStats(_ map[string]string, w io.Writer) error {
	summary := s.stats.Stats()
	fmt.Fprintf(w, "Lifetime: %.2f GiB, %d files, %d posts\n",
		float64(summary.TotalBytes)/(1<<30), summary.TotalFiles, summary.TotalPosts)
	du := summary.DiskUsage
	if du.TotalGB > 0 {
		fmt.Fprintf(w, "Disk: %.1f/%.1f GB used (%.0f%%), %.1f GB free\n", du.UsedGB, du.TotalGB, du.Percent, du.FreeGB)
	}
	for _, run := range s.stats.RecentRuns(5) {
		outcome := "ok"
		if !run.Success {
			outcome = "failed"
		}
		fmt.Fprintf(w, "  %s %-12s %-6s %d posts\n", run.FinishedAt, run.ArtistID, outcome, run.PostsDownloaded)
	}
	return nil
}

func (s *Shell) cmdReset(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	return s.resetArtist(artist, args["last_date"], w)
}

func (s *Shell) cmdResetAll(args map[string]string, w io.Writer) error {
	if strings.ToLower(args["confirm"]) != "yes" {
		fmt.Fprintln(w, "Re-run with confirm=yes to reset every active artist")
		return nil
	}
	artists, err := s.activeArtists()
	if err != nil {
		return err
	}
	for i := range artists {
		if err := s.resetArtist(&artists[i], "", w); err != nil {
			fmt.Fprintf(w, "%s: %v\n", artists[i].DisplayName(), err)
		}
	}
	return nil
}

// resetArtist marks posts undone again. An empty lastDate resets everything
// and clears the watermark; otherwise posts published after it reset and the
// watermark moves back to it.
func (s *Shell) resetArtist(artist *model.Artist, lastDate string, w io.Writer) error {
	n, err := s.cache.ResetAfterDate(artist.ID, lastDate)
	if err != nil {
		return err
	}
	artist.LastDate = lastDate
	if err := s.storage.SaveArtist(artist); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: reset %d posts\n", artist.DisplayName(), n)
	return nil
}

func (s *Shell) cmdResetConflicts(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	report, err := s.validator.Validate([]model.Artist{*artist}, s.cfg.Get(), validate.Levels{PostUnique: true, FileUnique: true})
	if err != nil {
		return err
	}

	postIDs := make(map[string]bool)
	for _, c := range report.Conflicts {
		for _, item := range c.ItemIDs {
			// artist:post or artist:post:file
			parts := strings.SplitN(item, ":", 3)
			if len(parts) >= 2 {
				postIDs[parts[1]] = true
			}
		}
	}
	for id := range postIDs {
		if err := s.cache.ResetPost(artist.ID, id); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "%s: reset %d conflicting posts\n", artist.DisplayName(), len(postIDs))
	return nil
}

// cmdCleanPostFolders moves directories that no cached post renders to into
// a quarantine folder, so template drift never silently orphans data.
func (s *Shell) cmdCleanPostFolders(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	quarantine := args["quarantine"]
	if quarantine == "" {
		quarantine = "Invalid"
	}
	dry := strings.EqualFold(args["dry"], "true")

	cfg := s.cfg.Get()
	tpl := migrate.TemplatesFor(cfg, artist)
	artistDir, err := s.artistDir(artist, cfg.StringFor(artist, "artist_folder_template"), cfg.DownloadDir)
	if err != nil {
		return err
	}

	expected := map[string]bool{quarantine: true}
	for _, p := range s.cache.LoadPosts(artist.ID) {
		folder, err := format.FormatPostFolder(format.PostFolderParams{
			ID: p.ID, User: p.User, Service: p.Service, Title: p.Title, Published: p.Published,
		}, tpl.PostFolderTemplate, tpl.DateFormat)
		if err != nil {
			continue
		}
		expected[folder] = true
	}

	entries, err := os.ReadDir(artistDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(w, "Nothing on disk yet")
			return nil
		}
		return err
	}

	moved := 0
	for _, e := range entries {
		if !e.IsDir() || expected[e.Name()] {
			continue
		}
		moved++
		if dry {
			fmt.Fprintf(w, "would quarantine: %s\n", e.Name())
			continue
		}
		dst := filepath.Join(artistDir, quarantine, e.Name())
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(artistDir, e.Name()), dst); err != nil {
			fmt.Fprintf(w, "failed to quarantine %s: %v\n", e.Name(), err)
			moved--
		}
	}
	verb := "Quarantined"
	if dry {
		verb = "Would quarantine"
	}
	fmt.Fprintf(w, "%s %d folders under %s\n", verb, moved, artistDir)
	return nil
}

func (s *Shell) artistDir(artist *model.Artist, tmpl, downloadDir string) (string, error) {
	folder, err := format.FormatArtistFolder(format.ArtistFolderParams{
		Service:  artist.Service,
		Name:     artist.Name,
		Alias:    artist.Alias,
		UserID:   artist.UserID,
		LastDate: artist.LastDate,
	}, tmpl)
	if err != nil {
		return "", err
	}
	return filepath.Join(downloadDir, folder), nil
}

func (s *Shell) cmdValidate(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	report, err := s.validator.Validate([]model.Artist{*artist}, s.cfg.Get(), validate.Levels{PostUnique: true, FileUnique: true})
	if err != nil {
		return err
	}
	printReport(report, w)
	return nil
}

func (s *Shell) cmdValidateAll(_ map[string]string, w io.Writer) error {
	artists, err := s.storage.ListArtists()
	if err != nil {
		return err
	}
	report, err := s.validator.Validate(artists, s.cfg.Get(), validate.AllLevels())
	if err != nil {
		return err
	}
	printReport(report, w)
	return nil
}

func printReport(report *validate.Report, w io.Writer) {
	if len(report.Conflicts) == 0 {
		fmt.Fprintf(w, "No conflicts (%d ignored)\n", report.FilteredCount)
		return
	}
	for _, c := range report.Conflicts {
		fmt.Fprintf(w, "%s\n", c.Path)
		for _, id := range c.ItemIDs {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}
	fmt.Fprintf(w, "%d conflicts (%d ignored)\n", len(report.Conflicts), report.FilteredCount)
}

func (s *Shell) cmdMigratePosts(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	cfg := s.cfg.Get()
	oldTpl := migrate.TemplatesFor(cfg, artist)
	newTpl := oldTpl
	if v := args["post_template"]; v != "" {
		newTpl.PostFolderTemplate = v
	}
	if v := args["artist_template"]; v != "" {
		newTpl.ArtistFolderTemplate = v
	}
	if newTpl.PostFolderTemplate == oldTpl.PostFolderTemplate && newTpl.ArtistFolderTemplate == oldTpl.ArtistFolderTemplate {
		return fmt.Errorf("post_template or artist_template argument required")
	}

	plan, err := s.migrator.PlanPosts(artist, oldTpl, newTpl)
	if err != nil {
		return err
	}
	return s.finishMigration(plan, args, w)
}

func (s *Shell) cmdMigrateFiles(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	if args["file_template"] == "" {
		return fmt.Errorf("file_template argument required")
	}
	cfg := s.cfg.Get()
	oldTpl := migrate.TemplatesFor(cfg, artist)
	newTpl := oldTpl
	newTpl.FileTemplate = args["file_template"]

	plan, err := s.migrator.PlanFiles(artist, oldTpl, newTpl)
	if err != nil {
		return err
	}
	return s.finishMigration(plan, args, w)
}

// finishMigration prints the plan; execute=true also applies it.
func (s *Shell) finishMigration(plan *migrate.Plan, args map[string]string, w io.Writer) error {
	fmt.Fprintf(w, "Plan: %d renames, %d conflicts, %d skipped (of %d items)\n",
		len(plan.Mappings), plan.ConflictCount, len(plan.Skipped), plan.TotalItems)
	for _, m := range plan.Mappings {
		fmt.Fprintf(w, "  %s -> %s\n", m.OldPath, m.NewPath)
	}
	for _, sk := range plan.Skipped {
		fmt.Fprintf(w, "  skip %s: %s\n", sk.ItemID, sk.Reason)
	}
	if !strings.EqualFold(args["execute"], "true") {
		fmt.Fprintln(w, "Dry run. Re-run with execute=true to apply.")
		return nil
	}
	res := s.migrator.Execute(plan)
	fmt.Fprintf(w, "Renamed %d of %d\n", res.Success, res.Total)
	for _, f := range res.Failed {
		fmt.Fprintf(w, "  failed %s: %s\n", f.ItemID, f.Error)
	}
	return nil
}

func (s *Shell) cmdDedupe(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	removed, err := s.cache.DeduplicatePosts(artist.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: removed %d duplicates\n", artist.DisplayName(), removed)
	return nil
}

func (s *Shell) cmdDedupeAll(_ map[string]string, w io.Writer) error {
	artists, err := s.storage.ListArtists()
	if err != nil {
		return err
	}
	total := 0
	for i := range artists {
		removed, err := s.cache.DeduplicatePosts(artists[i].ID)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", artists[i].DisplayName(), err)
			continue
		}
		total += removed
	}
	fmt.Fprintf(w, "Removed %d duplicates across %d artists\n", total, len(artists))
	return nil
}

// cmdConfigGlobal prints the config without arguments; with key and value it
// edits one field through a JSON round-trip so any config key is reachable.
func (s *Shell) cmdConfigGlobal(args map[string]string, w io.Writer) error {
	key := args["key"]
	if key == "" {
		data, err := json.MarshalIndent(s.cfg.Get(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	err := s.cfg.Update(func(cfg *model.Config) error {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		doc := make(map[string]any)
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		if _, known := doc[key]; !known {
			return fmt.Errorf("unknown config key %q", key)
		}
		doc[key] = parseValue(args["value"])
		merged, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return json.Unmarshal(merged, cfg)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Set %s=%s\n", key, args["value"])
	return nil
}

func (s *Shell) cmdConfigArtist(args map[string]string, w io.Writer) error {
	artist, err := s.resolveArtist(args["artist"])
	if err != nil {
		return err
	}
	key := args["key"]
	if key == "" {
		data, err := json.MarshalIndent(artist.Config, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s overrides: %s\n", artist.DisplayName(), string(data))
		return nil
	}

	if args["value"] == "" {
		delete(artist.Config, key)
	} else {
		if artist.Config == nil {
			artist.Config = make(map[string]any)
		}
		artist.Config[key] = parseValue(args["value"])
	}
	if err := s.storage.SaveArtist(artist); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %s=%s\n", artist.DisplayName(), key, orNone(args["value"]))
	return nil
}

func (s *Shell) cmdConfigValidation(_ map[string]string, w io.Writer) error {
	fmt.Fprintf(w, "Ignore store: %s\n", s.validator.IgnoreFilePath())
	store := s.validator.LoadStore()
	for _, id := range sortedKeys(store) {
		entry := store[id]
		fmt.Fprintf(w, "%s (%s): %d conflicts, %d ignored\n", id, entry.ArtistName, len(entry.Conflicts), len(entry.Ignores))
	}
	return nil
}

// parseValue interprets a config value as JSON when possible, so numbers,
// booleans and arrays survive the string transport.
func parseValue(v string) any {
	var parsed any
	if err := json.Unmarshal([]byte(v), &parsed); err == nil {
		return parsed
	}
	return v
}

func rangeLabel(from, until string) string {
	switch {
	case from != "" && until != "":
		return from + " .. " + until
	case from != "":
		return "from " + from
	case until != "":
		return "until " + until
	}
	return ""
}

func orNone(v string) string {
	if v == "" {
		return "(none)"
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
