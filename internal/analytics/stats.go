package analytics

import (
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"project-mirage/internal/model"
)

// DiskUsageInfo holds disk space for the download volume.
type DiskUsageInfo struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// Summary aggregates everything the stats shell command and the status
// endpoint report.
type Summary struct {
	TotalBytes   int64            `json:"total_bytes"`
	TotalFiles   int64            `json:"total_files"`
	TotalPosts   int64            `json:"total_posts"`
	DailyHistory map[string]int64 `json:"daily_history"`
	DiskUsage    DiskUsageInfo    `json:"disk_usage"`
}

// Manager is the write-side facade the downloader and scheduler talk to.
// A nil Manager is valid and drops everything, so a broken ledger never
// stops downloads.
type Manager struct {
	ledger      *Ledger
	downloadDir string
}

func NewManager(ledger *Ledger, downloadDir string) *Manager {
	return &Manager{ledger: ledger, downloadDir: downloadDir}
}

// TrackBytes records downloaded bytes off the hot path.
func (m *Manager) TrackBytes(n int64) {
	if m == nil || m.ledger == nil || n <= 0 {
		return
	}
	go func() {
		_ = m.ledger.AddBytes(n)
	}()
}

// TrackFile records one completed file.
func (m *Manager) TrackFile() {
	if m == nil || m.ledger == nil {
		return
	}
	go func() {
		_ = m.ledger.AddFiles(1)
	}()
}

// TrackPost records one completed post.
func (m *Manager) TrackPost() {
	if m == nil || m.ledger == nil {
		return
	}
	go func() {
		_ = m.ledger.AddPosts(1)
	}()
}

// TrackRun records a finished scheduler task.
func (m *Manager) TrackRun(task *model.DownloadTask) {
	if m == nil || m.ledger == nil {
		return
	}
	rec := RunRecord{
		ID:              task.ID,
		ArtistID:        task.ArtistID,
		Kind:            string(task.Kind),
		Success:         task.Status == model.StatusCompleted,
		PostsDownloaded: task.PostsDownloaded,
		PostsFailed:     task.PostsFailed,
		Error:           task.Error,
	}
	if !task.StartedAt.IsZero() {
		rec.StartedAt = task.StartedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	if !task.FinishedAt.IsZero() {
		rec.FinishedAt = task.FinishedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	go func() {
		_ = m.ledger.RecordRun(rec)
	}()
}

// DiskUsage reports space on the volume holding the download directory.
func (m *Manager) DiskUsage() DiskUsageInfo {
	if m == nil || m.downloadDir == "" {
		return DiskUsageInfo{}
	}

	volumePath := filepath.VolumeName(m.downloadDir)
	if volumePath == "" {
		volumePath = "/"
	} else {
		volumePath += "\\"
	}

	usage, err := disk.Usage(volumePath)
	if err != nil {
		return DiskUsageInfo{}
	}

	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// Stats builds the full summary. Ledger errors degrade to zero values.
func (m *Manager) Stats() Summary {
	s := Summary{DailyHistory: make(map[string]int64)}
	if m == nil {
		return s
	}
	s.DiskUsage = m.DiskUsage()
	if m.ledger == nil {
		return s
	}
	s.TotalBytes, _ = m.ledger.TotalBytes()
	s.TotalFiles, _ = m.ledger.TotalFiles()
	s.TotalPosts, _ = m.ledger.TotalPosts()
	if history, err := m.ledger.History(7); err == nil {
		for _, day := range history {
			s.DailyHistory[day.Date] = day.Bytes
		}
	}
	return s
}

// RecentRuns proxies the ledger for the shell, tolerating a nil manager.
func (m *Manager) RecentRuns(limit int) []RunRecord {
	if m == nil || m.ledger == nil {
		return nil
	}
	runs, err := m.ledger.RecentRuns(limit)
	if err != nil {
		return nil
	}
	return runs
}
