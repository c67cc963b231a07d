package model

import "time"

// TaskKind distinguishes operator-initiated tasks from timer-initiated ones.
type TaskKind string

const (
	TaskManual    TaskKind = "manual"
	TaskScheduled TaskKind = "scheduled"
)

// TaskStatus is the lifecycle state of a queued download task.
type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// TaskKey is the queue-dedup identity of a task. Two tasks for the same
// artist and date range are the same task.
type TaskKey struct {
	ArtistID  string
	FromDate  string
	UntilDate string
}

// DownloadTask is an in-memory unit of scheduler work. It is never persisted.
type DownloadTask struct {
	ID         string     `json:"id"`
	ArtistID   string     `json:"artist_id"`
	FromDate   string     `json:"from_date,omitempty"`
	UntilDate  string     `json:"until_date,omitempty"`
	Kind       TaskKind   `json:"kind"`
	Status     TaskStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
	Error      string     `json:"error,omitempty"`

	// Result summary, populated on completion.
	PostsDownloaded int `json:"posts_downloaded"`
	PostsFailed     int `json:"posts_failed"`
}

// Key returns the dedup identity for the queue's in-flight set.
func (t *DownloadTask) Key() TaskKey {
	return TaskKey{ArtistID: t.ArtistID, FromDate: t.FromDate, UntilDate: t.UntilDate}
}

// QueueStatus is a snapshot of the scheduler's counters.
type QueueStatus struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
}
