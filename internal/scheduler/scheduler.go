// Package scheduler runs the server's periodic background jobs.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
)

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval_ns"`
	Runs     int           `json:"runs"`
	LastRun  *time.Time    `json:"last_run,omitempty"`
	NextRun  time.Time     `json:"next_run"`
}

type jobEntry struct {
	info JobInfo
	job  *gocron.Job
}

// Scheduler wraps a gocron scheduler with a job registry. Jobs never
// overlap with themselves.
type Scheduler struct {
	scheduler *gocron.Scheduler
	mu        sync.RWMutex
	jobs      map[string]*jobEntry
	running   bool
}

// New creates a stopped scheduler.
func New() *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{scheduler: s, jobs: make(map[string]*jobEntry)}
}

// Every registers task to run every interval, first after one interval.
func (s *Scheduler) Every(name string, interval time.Duration, task func()) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job with name %s already exists", name)
	}

	entry := &jobEntry{info: JobInfo{Name: name, Interval: interval}}
	job, err := s.scheduler.Every(interval).WaitForSchedule().Tag(name).Do(func() {
		now := time.Now()
		s.mu.Lock()
		entry.info.Runs++
		entry.info.LastRun = &now
		s.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				logger.Error("Scheduler", "Job %s panicked: %v", name, r)
			}
		}()
		task()
	})
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", name, err)
	}
	entry.job = job
	s.jobs[name] = entry

	logger.Info("Scheduler", "Registered job %s (every %v)", name, interval)
	return nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.scheduler.StartAsync()
	s.running = true
	logger.Info("Scheduler", "Started with %d jobs", len(s.jobs))
}

// Stop stops scheduling new runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.scheduler.Stop()
	s.running = false
	logger.Info("Scheduler", "Stopped")
}

// IsRunning reports whether the scheduler is started.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Jobs lists the registered jobs by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		info := e.info
		if e.job != nil {
			info.NextRun = e.job.NextRun()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
