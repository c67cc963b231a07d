package scheduler

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"project-mirage/internal/config"
)

// staleTempAge is how old a ".tmp" file must be before the sweep removes it,
// so an in-flight download is never swept.
const staleTempAge = 24 * time.Hour

// logRetention is how long rotated log files are kept.
const logRetention = 30 * 24 * time.Hour

// maintenance runs the cron-driven housekeeping: orphaned temp files from
// interrupted downloads and stale logs.
type maintenance struct {
	cfg  *config.Manager
	log  *slog.Logger
	cron *cron.Cron
}

func newMaintenance(cfg *config.Manager, log *slog.Logger) *maintenance {
	return &maintenance{cfg: cfg, log: log.With("component", "maintenance")}
}

func (m *maintenance) start() {
	m.cron = cron.New()
	m.cron.AddFunc("30 4 * * *", m.sweepTempFiles)
	m.cron.AddFunc("45 4 * * *", m.pruneLogs)
	m.cron.Start()
}

func (m *maintenance) stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// sweepTempFiles removes day-old ".tmp" residue under the download and temp
// directories.
func (m *maintenance) sweepTempFiles() {
	cfg := m.cfg.Get()
	cutoff := time.Now().Add(-staleTempAge)
	removed := 0
	for _, root := range []string{cfg.DownloadDir, cfg.TempDir} {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".tmp") {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.ModTime().After(cutoff) {
				return nil
			}
			if os.Remove(path) == nil {
				removed++
			}
			return nil
		})
	}
	if removed > 0 {
		m.log.Info("swept orphaned temp files", "removed", removed)
	}
}

// pruneLogs drops rotated log files past the retention window.
func (m *maintenance) pruneLogs() {
	cfg := m.cfg.Get()
	cutoff := time.Now().Add(-logRetention)
	entries, err := os.ReadDir(cfg.LogsDir)
	if err != nil {
		return
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(cfg.LogsDir, e.Name())) == nil {
			removed++
		}
	}
	if removed > 0 {
		m.log.Info("pruned old logs", "removed", removed)
	}
}
