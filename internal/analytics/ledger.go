// Package analytics keeps a small SQLite ledger of mirror activity: bytes
// and files per day, plus one row per finished scheduler run. The JSON
// documents under data/ stay the source of truth for artists and posts; the
// ledger only feeds the stats surfaces.
package analytics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DailyStat is one day of download volume.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // "YYYY-MM-DD"
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
	Posts int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string {
	return "daily_stats"
}

// RunRecord is one finished scheduler task.
type RunRecord struct {
	ID              string `gorm:"primaryKey" json:"id"`
	ArtistID        string `gorm:"index" json:"artist_id"`
	Kind            string `json:"kind"` // manual, scheduled
	Success         bool   `json:"success"`
	PostsDownloaded int    `json:"posts_downloaded"`
	PostsFailed     int    `json:"posts_failed"`
	Error           string `json:"error,omitempty"`
	StartedAt       string `json:"started_at"`  // RFC3339
	FinishedAt      string `json:"finished_at"` // RFC3339
}

func (RunRecord) TableName() string {
	return "run_records"
}

// Ledger wraps the GORM handle.
type Ledger struct {
	DB *gorm.DB
}

// Open creates or opens the ledger database at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// WAL keeps readers unblocked while workers write.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA cache_size=10000;")

	if err := db.AutoMigrate(&DailyStat{}, &RunRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}

	return &Ledger{DB: db}, nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint for durability.
func (l *Ledger) Checkpoint() error {
	return l.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// AddBytes adds to today's byte counter via SQL upsert.
func (l *Ledger) AddBytes(n int64) error {
	today := time.Now().Format("2006-01-02")
	return l.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"bytes": gorm.Expr("bytes + ?", n),
		}),
	}).Create(&DailyStat{Date: today, Bytes: n}).Error
}

// AddFiles adds to today's completed-file counter.
func (l *Ledger) AddFiles(n int64) error {
	today := time.Now().Format("2006-01-02")
	return l.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"files": gorm.Expr("files + ?", n),
		}),
	}).Create(&DailyStat{Date: today, Files: n}).Error
}

// AddPosts adds to today's completed-post counter.
func (l *Ledger) AddPosts(n int64) error {
	today := time.Now().Format("2006-01-02")
	return l.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"posts": gorm.Expr("posts + ?", n),
		}),
	}).Create(&DailyStat{Date: today, Posts: n}).Error
}

// TotalBytes returns lifetime downloaded bytes using SQL SUM.
func (l *Ledger) TotalBytes() (int64, error) {
	var total int64
	err := l.DB.Model(&DailyStat{}).Select("IFNULL(SUM(bytes), 0)").Row().Scan(&total)
	return total, err
}

// TotalFiles returns lifetime completed files.
func (l *Ledger) TotalFiles() (int64, error) {
	var total int64
	err := l.DB.Model(&DailyStat{}).Select("IFNULL(SUM(files), 0)").Row().Scan(&total)
	return total, err
}

// TotalPosts returns lifetime completed posts.
func (l *Ledger) TotalPosts() (int64, error) {
	var total int64
	err := l.DB.Model(&DailyStat{}).Select("IFNULL(SUM(posts), 0)").Row().Scan(&total)
	return total, err
}

// History returns the last N days, newest first.
func (l *Ledger) History(days int) ([]DailyStat, error) {
	var stats []DailyStat
	err := l.DB.Order("date desc").Limit(days).Find(&stats).Error
	return stats, err
}

// RecordRun stores one finished scheduler task.
func (l *Ledger) RecordRun(rec RunRecord) error {
	return l.DB.Save(&rec).Error
}

// RecentRuns returns the last N finished tasks, newest first.
func (l *Ledger) RecentRuns(limit int) ([]RunRecord, error) {
	var runs []RunRecord
	err := l.DB.Order("finished_at desc").Limit(limit).Find(&runs).Error
	return runs, err
}

// FailedRuns returns recent unsuccessful tasks for the shell's failed view.
func (l *Ledger) FailedRuns(limit int) ([]RunRecord, error) {
	var runs []RunRecord
	err := l.DB.Where("success = ?", false).Order("finished_at desc").Limit(limit).Find(&runs).Error
	return runs, err
}
