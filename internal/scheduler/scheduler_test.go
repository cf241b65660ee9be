package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRunsJob(t *testing.T) {
	s := New()
	var runs atomic.Int32
	if err := s.Every("flush", 20*time.Millisecond, func() { runs.Add(1) }); err != nil {
		t.Fatalf("Every: %v", err)
	}
	if err := s.Every("flush", time.Second, func() {}); err == nil {
		t.Fatalf("duplicate job name accepted")
	}
	if err := s.Every("bad", 0, func() {}); err == nil {
		t.Fatalf("zero interval accepted")
	}

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("job ran %d times, want at least 2", runs.Load())
	}

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Name != "flush" || jobs[0].Runs < 2 || jobs[0].LastRun == nil {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestPanickingJobKeepsScheduler(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.Every("boom", 20*time.Millisecond, func() {
		runs.Add(1)
		panic("boom")
	})
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("panicking job stopped after %d runs", runs.Load())
	}
	if !s.IsRunning() {
		t.Fatalf("scheduler stopped")
	}
}
