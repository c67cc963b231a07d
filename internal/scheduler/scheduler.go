// Package scheduler owns the download task queue: manual and timer-driven
// ingress, a bounded worker pool, cancel-all and the periodic maintenance
// jobs. Task failures are recorded on the task itself and never escape to
// the dispatch loop.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"project-mirage/internal/analytics"
	"project-mirage/internal/config"
	"project-mirage/internal/downloader"
	"project-mirage/internal/metrics"
	"project-mirage/internal/model"
	"project-mirage/internal/storage"
)

const (
	dispatchInterval = time.Second
	drainTimeout     = 10 * time.Second
	drainStep        = 100 * time.Millisecond
	maxCompleted     = 100
)

// ArtistRunner is the downloader surface the worker calls.
type ArtistRunner interface {
	DownloadArtist(artist *model.Artist, fromDate, untilDate string) downloader.ArtistResult
}

// Session is the cancellation primitive: Stop aborts in-flight HTTP work,
// Resume makes the client usable again.
type Session interface {
	Stop()
	Resume()
}

type Scheduler struct {
	cfg     *config.Manager
	log     *slog.Logger
	storage *storage.Storage
	runner  ArtistRunner
	session Session
	stats   *analytics.Manager

	mu        sync.Mutex
	queue     []*model.DownloadTask
	queuedSet map[model.TaskKey]bool
	active    map[string]*model.DownloadTask // keyed by artist id
	completed []*model.DownloadTask
	nextRuns  map[string]time.Time

	running  bool
	stopLoop chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup // active workers

	maintenance *maintenance
}

func New(cfg *config.Manager, log *slog.Logger, st *storage.Storage, runner ArtistRunner, session Session, stats *analytics.Manager) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		log:       log.With("component", "scheduler"),
		storage:   st,
		runner:    runner,
		session:   session,
		stats:     stats,
		queuedSet: make(map[model.TaskKey]bool),
		active:    make(map[string]*model.DownloadTask),
		nextRuns:  make(map[string]time.Time),
	}
}

// Start launches the dispatch loop and the maintenance jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopLoop = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	s.maintenance = newMaintenance(s.cfg, s.log)
	s.maintenance.start()

	go s.loop()
	s.log.Info("scheduler started", "max_workers", s.cfg.Get().MaxConcurrentArtists)
}

// Stop halts dispatching and waits briefly for the loop to exit. Active
// workers are left to finish; CancelAll is the aggressive path.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopLoop)
	s.mu.Unlock()

	select {
	case <-s.loopDone:
	case <-time.After(5 * time.Second):
		s.log.Warn("dispatch loop did not stop in time")
	}
	if s.maintenance != nil {
		s.maintenance.stop()
	}
	s.log.Info("scheduler stopped")
}

// QueueManual enqueues one operator-initiated task. Returns false when an
// equal task (same artist and date range) is already queued or running.
func (s *Scheduler) QueueManual(artistID, fromDate, untilDate string) bool {
	return s.add(&model.DownloadTask{
		ID:        uuid.New().String(),
		ArtistID:  artistID,
		FromDate:  fromDate,
		UntilDate: untilDate,
		Kind:      model.TaskManual,
		Status:    model.StatusQueued,
		CreatedAt: time.Now(),
	})
}

// QueueBatch enqueues a plain task per artist, returning how many were new.
func (s *Scheduler) QueueBatch(artistIDs []string) int {
	added := 0
	for _, id := range artistIDs {
		if s.QueueManual(id, "", "") {
			added++
		}
	}
	return added
}

func (s *Scheduler) add(task *model.DownloadTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := task.Key()
	if s.queuedSet[key] {
		return false
	}
	// A running task with the same key also counts as a duplicate.
	for _, running := range s.active {
		if running.Key() == key {
			return false
		}
	}
	s.queuedSet[key] = true
	s.queue = append(s.queue, task)
	metrics.TasksQueued.Set(float64(len(s.queue)))
	return true
}

// CancelAll clears the queue, aborts in-flight HTTP work and waits up to the
// drain timeout for active tasks to finish, then resumes the session so
// future tasks work. Returns how many tasks were active when invoked.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = nil
	s.queuedSet = make(map[model.TaskKey]bool)
	activeCount := len(s.active)
	metrics.TasksQueued.Set(0)
	s.mu.Unlock()

	s.log.Info("cancelling all tasks", "queued_dropped", dropped, "active", activeCount)
	s.session.Stop()

	if activeCount > 0 {
		deadline := time.Now().Add(drainTimeout)
		for time.Now().Before(deadline) {
			s.mu.Lock()
			remaining := len(s.active)
			s.mu.Unlock()
			if remaining == 0 {
				break
			}
			time.Sleep(drainStep)
		}
		s.mu.Lock()
		remaining := len(s.active)
		s.mu.Unlock()
		if remaining > 0 {
			s.log.Warn("tasks still running after drain timeout", "remaining", remaining)
		}
	}

	s.session.Resume()
	return activeCount
}

// Status snapshots the queue counters.
func (s *Scheduler) Status() model.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.QueueStatus{
		Queued:    len(s.queue),
		Running:   len(s.active),
		Completed: len(s.completed),
	}
}

// QueuedTasks returns the waiting tasks in queue order.
func (s *Scheduler) QueuedTasks() []model.DownloadTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DownloadTask, 0, len(s.queue))
	for _, t := range s.queue {
		out = append(out, *t)
	}
	return out
}

// ActiveTasks returns the currently running tasks.
func (s *Scheduler) ActiveTasks() []model.DownloadTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DownloadTask, 0, len(s.active))
	for _, t := range s.active {
		out = append(out, *t)
	}
	return out
}

// CompletedTasks returns the bounded completion history, oldest first.
func (s *Scheduler) CompletedTasks() []model.DownloadTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.DownloadTask, 0, len(s.completed))
	for _, t := range s.completed {
		out = append(out, *t)
	}
	return out
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopLoop:
			return
		case <-ticker.C:
			s.checkTimers(time.Now())
			s.dispatch()
		}
	}
}

// dispatch pops one task per pass while worker capacity remains.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) >= s.cfg.Get().MaxConcurrentArtists || len(s.queue) == 0 {
		return
	}

	task := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queuedSet, task.Key())
	s.active[task.ArtistID] = task
	metrics.TasksQueued.Set(float64(len(s.queue)))
	metrics.TasksRunning.Set(float64(len(s.active)))

	s.wg.Add(1)
	go s.runTask(task)
}

func (s *Scheduler) runTask(task *model.DownloadTask) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			task.Status = model.StatusFailed
			task.Error = fmt.Sprintf("internal: %v", r)
			s.log.Error("worker panic", "artist", task.ArtistID, "panic", r)
		}
		task.FinishedAt = time.Now()
		s.finish(task)
	}()

	task.Status = model.StatusRunning
	task.StartedAt = time.Now()

	artist, err := s.storage.GetArtist(task.ArtistID)
	if err == nil && artist == nil {
		err = fmt.Errorf("artist %s not found", task.ArtistID)
	}
	if err != nil {
		task.Status = model.StatusFailed
		task.Error = err.Error()
		s.log.Error("task failed before download", "artist", task.ArtistID, "error", err)
		return
	}

	result := s.runner.DownloadArtist(artist, task.FromDate, task.UntilDate)
	task.PostsDownloaded = result.PostsDownloaded
	task.PostsFailed = result.PostsFailed
	if result.Success {
		task.Status = model.StatusCompleted
	} else {
		task.Status = model.StatusFailed
		task.Error = fmt.Sprintf("%d posts failed", result.PostsFailed)
	}
}

func (s *Scheduler) finish(task *model.DownloadTask) {
	s.mu.Lock()
	delete(s.active, task.ArtistID)
	s.completed = append(s.completed, task)
	if len(s.completed) > maxCompleted {
		s.completed = s.completed[1:]
	}
	metrics.TasksRunning.Set(float64(len(s.active)))
	s.mu.Unlock()

	metrics.TasksCompleted.Inc()
	s.stats.TrackRun(task)
}

// checkTimers enqueues a scheduled task for every artist whose effective
// timer has fired. next_run is recomputed after each firing.
func (s *Scheduler) checkTimers(now time.Time) {
	cfg := s.cfg.Get()
	artists, err := s.storage.ListArtists()
	if err != nil {
		s.log.Warn("timer pass failed to list artists", "error", err)
		return
	}
	for i := range artists {
		a := &artists[i]
		if a.Ignore || a.Completed {
			continue
		}
		timer := cfg.EffectiveTimer(a)
		if timer == nil {
			continue
		}

		s.mu.Lock()
		next, known := s.nextRuns[a.ID]
		if !known {
			s.nextRuns[a.ID] = NextRun(timer, now)
			s.mu.Unlock()
			continue
		}
		fire := !now.Before(next)
		if fire {
			s.nextRuns[a.ID] = NextRun(timer, now)
		}
		s.mu.Unlock()

		if fire {
			added := s.add(&model.DownloadTask{
				ID:        uuid.New().String(),
				ArtistID:  a.ID,
				Kind:      model.TaskScheduled,
				Status:    model.StatusQueued,
				CreatedAt: now,
			})
			if added {
				s.log.Info("timer fired", "artist", a.DisplayName(), "next_run", s.nextRuns[a.ID].Format(time.RFC3339))
			}
		}
	}
}
